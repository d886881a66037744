package config

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ceyewan/idemgate/xerrors"
)

// loader 基于 Viper 实现 Loader 接口
type loader struct {
	v         *viper.Viper
	opts      *options
	mu        sync.RWMutex
	watches   map[string][]chan Event
	oldValues map[string]any
}

func newLoader(opts ...Option) (*loader, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(o)
	}
	if o.configName == "" {
		return nil, xerrors.Wrap(ErrInvalidConfig, "config name is empty")
	}
	return &loader{
		v:         viper.New(),
		opts:      o,
		watches:   make(map[string][]chan Event),
		oldValues: make(map[string]any),
	}, nil
}

// Load 初始化并从所有来源加载配置
// 优先级：环境变量 > .env 文件 > 配置文件
func (l *loader) Load(ctx context.Context) error {
	l.v.SetConfigName(l.opts.configName)
	l.v.SetConfigType(l.opts.configType)
	for _, path := range l.opts.configPaths {
		l.v.AddConfigPath(path)
	}

	// 环境变量最先注册，确保覆盖所有后续来源
	if l.opts.envPrefix != "" {
		l.v.SetEnvPrefix(l.opts.envPrefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// .env 文件缺失不算错误
	l.loadDotEnv()

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return xerrors.Wrapf(err, "failed to read config file %s", l.opts.configName)
		}
	}

	l.captureCurrentValues()

	if l.opts.watchFile && l.v.ConfigFileUsed() != "" {
		l.v.OnConfigChange(func(e fsnotify.Event) {
			l.notifyWatches()
		})
		l.v.WatchConfig()
	}

	return nil
}

// loadDotEnv 尝试从工作目录和配置搜索路径加载 .env 文件
func (l *loader) loadDotEnv() {
	if l.opts.envFile != "" {
		_ = godotenv.Load(l.opts.envFile)
		return
	}
	_ = godotenv.Load()
	for _, path := range l.opts.configPaths {
		_ = godotenv.Load(filepath.Join(path, ".env"))
	}
}

// captureCurrentValues 保存当前配置值作为变更检测基线
func (l *loader) captureCurrentValues() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.watches {
		l.oldValues[key] = l.v.Get(key)
	}
}

// Get 根据 key 获取配置值
func (l *loader) Get(key string) any {
	return l.v.Get(key)
}

// Unmarshal 将整个配置反序列化到结构体
func (l *loader) Unmarshal(v any) error {
	if err := l.v.Unmarshal(v); err != nil {
		return xerrors.Wrap(err, "failed to unmarshal config")
	}
	return nil
}

// UnmarshalKey 将特定配置 key 反序列化到结构体
func (l *loader) UnmarshalKey(key string, v any) error {
	if err := l.v.UnmarshalKey(key, v); err != nil {
		return xerrors.Wrapf(err, "failed to unmarshal config key %s", key)
	}
	return nil
}

// Watch 订阅特定配置 key 的变更，context 取消时自动注销
func (l *loader) Watch(ctx context.Context, key string) (<-chan Event, error) {
	if key == "" {
		return nil, xerrors.Wrap(ErrInvalidConfig, "watch key is empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan Event, 10)
	l.watches[key] = append(l.watches[key], ch)
	l.oldValues[key] = l.v.Get(key)

	go func() {
		<-ctx.Done()
		l.removeWatch(key, ch)
	}()

	return ch, nil
}

func (l *loader) removeWatch(key string, ch chan Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chans := l.watches[key]
	for i, c := range chans {
		if c == ch {
			l.watches[key] = append(chans[:i], chans[i+1:]...)
			close(ch)
			break
		}
	}
	if len(l.watches[key]) == 0 {
		delete(l.watches, key)
		delete(l.oldValues, key)
	}
}

// notifyWatches 对比基线值并向所有监听者推送变更事件
func (l *loader) notifyWatches() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, channels := range l.watches {
		newValue := l.v.Get(key)
		oldValue := l.oldValues[key]
		if reflect.DeepEqual(oldValue, newValue) {
			continue
		}

		event := Event{
			Key:       key,
			Value:     newValue,
			OldValue:  oldValue,
			Timestamp: time.Now(),
		}
		l.oldValues[key] = newValue

		for _, ch := range channels {
			select {
			case ch <- event:
			default:
				// 通道已满，丢弃事件而非阻塞配置热更新
			}
		}
	}
}
