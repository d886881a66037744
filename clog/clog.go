package clog

import "fmt"

// New 创建一个新的 Logger 实例
//
// config - 日志配置，如果为 nil 会使用默认配置
// opts   - 函数式选项列表，用于命名空间等配置
func New(config *Config, opts ...Option) (Logger, error) {
	if config == nil {
		config = NewDevDefaultConfig("idemgate")
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	options := applyOptions(opts...)

	return newLogger(config, options)
}

// NewDevDefaultConfig 返回适合开发环境的默认配置
// console 格式，debug 级别，带命名空间
func NewDevDefaultConfig(name string) *Config {
	return &Config{
		Level:  "debug",
		Format: "console",
		Output: "stdout",
		Name:   name,
	}
}

// NewProdDefaultConfig 返回适合生产环境的默认配置
// json 格式，info 级别
func NewProdDefaultConfig(name string) *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Output: "stdout",
		Name:   name,
	}
}
