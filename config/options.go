package config

// Option 配置加载器选项
type Option func(*options)

type options struct {
	configName  string   // 配置文件名（不含扩展名）
	configType  string   // 配置文件类型：yaml/json/toml
	configPaths []string // 配置文件搜索路径
	envPrefix   string   // 环境变量前缀
	envFile     string   // .env 文件路径，空则尝试默认 .env
	watchFile   bool     // 是否监听配置文件变化
}

func defaultOptions() *options {
	return &options{
		configName:  "config",
		configType:  "yaml",
		configPaths: []string{"."},
		watchFile:   true,
	}
}

// WithConfigName 设置配置文件名（不含扩展名）
func WithConfigName(name string) Option {
	return func(o *options) { o.configName = name }
}

// WithConfigType 设置配置文件类型
func WithConfigType(typ string) Option {
	return func(o *options) { o.configType = typ }
}

// WithConfigPaths 设置配置文件搜索路径，按顺序查找
func WithConfigPaths(paths ...string) Option {
	return func(o *options) { o.configPaths = paths }
}

// WithEnvPrefix 设置环境变量前缀
// 例如前缀 IDEMGATE 时，IDEMGATE_STORE_ADDR 覆盖 store.addr
func WithEnvPrefix(prefix string) Option {
	return func(o *options) { o.envPrefix = prefix }
}

// WithEnvFile 设置 .env 文件路径
func WithEnvFile(path string) Option {
	return func(o *options) { o.envFile = path }
}

// WithoutWatch 禁用配置文件监听
func WithoutWatch() Option {
	return func(o *options) { o.watchFile = false }
}
