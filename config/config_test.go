package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return dir
}

func TestLoadAndGet(t *testing.T) {
	dir := writeConfigFile(t, `
server:
  addr: ":8080"
store:
  driver: redis
  expiration: 24h
`)

	loader := MustLoad(
		WithConfigPaths(dir),
		WithoutWatch(),
	)

	assert.Equal(t, ":8080", loader.Get("server.addr"))
	assert.Equal(t, "redis", loader.Get("store.driver"))
}

func TestUnmarshal(t *testing.T) {
	dir := writeConfigFile(t, `
store:
  driver: gorm
  expiration: 12h
`)

	type storeConfig struct {
		Driver     string        `mapstructure:"driver"`
		Expiration time.Duration `mapstructure:"expiration"`
	}
	type appConfig struct {
		Store storeConfig `mapstructure:"store"`
	}

	loader := MustLoad(WithConfigPaths(dir), WithoutWatch())

	var cfg appConfig
	require.NoError(t, loader.Unmarshal(&cfg))
	assert.Equal(t, "gorm", cfg.Store.Driver)
	assert.Equal(t, 12*time.Hour, cfg.Store.Expiration)

	var store storeConfig
	require.NoError(t, loader.UnmarshalKey("store", &store))
	assert.Equal(t, "gorm", store.Driver)
}

func TestEnvOverride(t *testing.T) {
	dir := writeConfigFile(t, `
store:
  driver: memory
`)

	t.Setenv("IDEMGATE_STORE_DRIVER", "redis")

	loader := MustLoad(
		WithConfigPaths(dir),
		WithEnvPrefix("IDEMGATE"),
		WithoutWatch(),
	)

	assert.Equal(t, "redis", loader.Get("store.driver"))
}

func TestMissingFileIsNotFatal(t *testing.T) {
	l, err := New(WithConfigPaths(t.TempDir()), WithoutWatch())
	require.NoError(t, err)
	require.NoError(t, l.Load(context.Background()))
	assert.Nil(t, l.Get("anything"))
}

func TestWatchNotifiesOnChange(t *testing.T) {
	dir := writeConfigFile(t, `
store:
  driver: memory
`)

	l, err := newLoader(WithConfigPaths(dir), WithoutWatch())
	require.NoError(t, err)
	require.NoError(t, l.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := l.Watch(ctx, "store.driver")
	require.NoError(t, err)

	l.v.Set("store.driver", "redis")
	l.notifyWatches()

	select {
	case ev := <-ch:
		assert.Equal(t, "store.driver", ev.Key)
		assert.Equal(t, "redis", ev.Value)
		assert.Equal(t, "memory", ev.OldValue)
	case <-time.After(time.Second):
		t.Fatal("expected a config change event")
	}
}

func TestWatchEmptyKey(t *testing.T) {
	l, err := newLoader(WithoutWatch())
	require.NoError(t, err)
	_, err = l.Watch(context.Background(), "")
	assert.Error(t, err)
}
