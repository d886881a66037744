package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisConfigValidate(t *testing.T) {
	cfg := &RedisConfig{Addr: "127.0.0.1:6379"}
	require.NoError(t, cfg.validate())
	assert.Equal(t, "default", cfg.Name)
	assert.Equal(t, 10, cfg.PoolSize)

	bad := &RedisConfig{}
	assert.Error(t, bad.validate())
}

func TestMySQLConfigValidate(t *testing.T) {
	cfg := &MySQLConfig{Host: "127.0.0.1", Username: "root", Database: "idem"}
	require.NoError(t, cfg.validate())
	assert.Equal(t, 3306, cfg.Port)
	assert.Equal(t, "utf8mb4", cfg.Charset)

	// DSN 优先，跳过字段校验
	dsnOnly := &MySQLConfig{DSN: "root:pass@tcp(127.0.0.1:3306)/idem"}
	require.NoError(t, dsnOnly.validate())

	bad := &MySQLConfig{Host: "127.0.0.1"}
	assert.Error(t, bad.validate())
}

func TestPostgreSQLConfigValidate(t *testing.T) {
	cfg := &PostgreSQLConfig{Host: "127.0.0.1", Username: "postgres", Database: "idem"}
	require.NoError(t, cfg.validate())
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "disable", cfg.SSLMode)
}

func TestNATSConfigValidate(t *testing.T) {
	bad := &NATSConfig{}
	assert.Error(t, bad.validate())

	cfg := &NATSConfig{URL: "nats://127.0.0.1:4222"}
	require.NoError(t, cfg.validate())
	assert.Equal(t, 60, cfg.MaxReconnects)
}

func TestSQLiteConnectorLifecycle(t *testing.T) {
	conn, err := NewSQLite(&SQLiteConfig{Name: "test", Path: "file::memory:?cache=shared"})
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()

	// 连接前客户端为空，健康检查失败
	assert.Nil(t, conn.GetClient())
	assert.Error(t, conn.HealthCheck(ctx))
	assert.False(t, conn.IsHealthy())

	require.NoError(t, conn.Connect(ctx))
	// Connect 幂等
	require.NoError(t, conn.Connect(ctx))

	assert.NotNil(t, conn.GetClient())
	require.NoError(t, conn.HealthCheck(ctx))
	assert.True(t, conn.IsHealthy())
	assert.Equal(t, "test", conn.Name())

	require.NoError(t, conn.Close())
	// Close 幂等
	require.NoError(t, conn.Close())
	assert.Nil(t, conn.GetClient())
	assert.False(t, conn.IsHealthy())
}

func TestNewSQLiteInvalidConfig(t *testing.T) {
	_, err := NewSQLite(&SQLiteConfig{})
	assert.Error(t, err)
}
