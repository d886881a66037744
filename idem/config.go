package idem

import (
	"time"

	"github.com/ceyewan/idemgate/xerrors"
)

// DriverType 幂等组件驱动类型
type DriverType string

const (
	// DriverRedis 使用 Redis 作为后端（易失，多实例共享）
	DriverRedis DriverType = "redis"
	// DriverGorm 使用关系型数据库作为后端（持久，跨重启回放）
	DriverGorm DriverType = "gorm"
	// DriverMemory 使用内存作为后端（仅单机，适合测试和开发）
	DriverMemory DriverType = "memory"
)

// ConcurrencyMode 并发请求的处理策略
// 没有默认值：调用方必须显式选择，避免隐式行为差异
type ConcurrencyMode string

const (
	// ModeWait 等待首个请求完成并返回其缓存结果
	ModeWait ConcurrencyMode = "wait"
	// ModeConflict 立即返回冲突（HTTP 409）
	ModeConflict ConcurrencyMode = "conflict"
)

// Config 幂等性组件配置
type Config struct {
	// Driver 后端类型: "redis" | "gorm" | "memory" (默认 "redis")
	Driver DriverType `mapstructure:"driver" json:"driver" yaml:"driver"`

	// Prefix 存储键前缀，默认 "idem:"
	// 例如 "myapp:idem:" 将使用 "myapp:idem:{route}:{method}:{key}" 作为存储键
	Prefix string `mapstructure:"prefix" json:"prefix" yaml:"prefix"`

	// Table gorm 驱动的表名，默认 "idem_records"
	Table string `mapstructure:"table" json:"table" yaml:"table"`

	// Expiration 缓存结果有效期，默认 24h
	// 超过此时间后结果被清理，后续相同键的请求将重新执行
	Expiration time.Duration `mapstructure:"expiration" json:"expiration" yaml:"expiration"`

	// ClaimTimeout 占位超时时间，默认 30s
	// 防止业务逻辑崩溃导致键永久卡死，超时后占位可被接管
	ClaimTimeout time.Duration `mapstructure:"claim_timeout" json:"claim_timeout" yaml:"claim_timeout"`

	// ConcurrencyMode 并发策略: "wait" | "conflict"
	// 必填项，无默认值
	ConcurrencyMode ConcurrencyMode `mapstructure:"concurrency_mode" json:"concurrency_mode" yaml:"concurrency_mode"`

	// WaitTimeout ModeWait 下等待首个请求完成的最长时间，默认 = ClaimTimeout
	WaitTimeout time.Duration `mapstructure:"wait_timeout" json:"wait_timeout" yaml:"wait_timeout"`

	// WaitInterval ModeWait 下轮询结果的间隔，默认 50ms
	WaitInterval time.Duration `mapstructure:"wait_interval" json:"wait_interval" yaml:"wait_interval"`

	// FailOpen 后端不可用时的策略
	// true: 跳过幂等保护直接执行（结果不记录）；false: 返回 ErrStoreUnavailable
	// 两种情况都会记录日志
	FailOpen bool `mapstructure:"fail_open" json:"fail_open" yaml:"fail_open"`

	// EnableFingerprint 是否启用请求指纹校验
	// 开启后，同一幂等键携带不同请求内容将返回 ErrFingerprintMismatch
	EnableFingerprint bool `mapstructure:"enable_fingerprint" json:"enable_fingerprint" yaml:"enable_fingerprint"`

	// MaxKeyLength 幂等键原始长度上限，默认 128
	MaxKeyLength int `mapstructure:"max_key_length" json:"max_key_length" yaml:"max_key_length"`

	// MaxBodySize 缓存响应体大小上限，默认 1 MiB
	MaxBodySize int `mapstructure:"max_body_size" json:"max_body_size" yaml:"max_body_size"`

	// SweepInterval gorm 驱动后台清理过期行的间隔，默认 10m
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval" yaml:"sweep_interval"`

	// EventSubject 完成事件发布的 NATS 主题，空则不发布
	// 需配合 WithNATSConnector 使用
	EventSubject string `mapstructure:"event_subject" json:"event_subject" yaml:"event_subject"`
}

func (c *Config) setDefaults() {
	if c == nil {
		return
	}
	if c.Driver == "" {
		c.Driver = DriverRedis
	}
	if c.Prefix == "" {
		c.Prefix = "idem:"
	}
	if c.Table == "" {
		c.Table = "idem_records"
	}
	if c.Expiration <= 0 {
		c.Expiration = 24 * time.Hour
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 30 * time.Second
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = c.ClaimTimeout
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = 50 * time.Millisecond
	}
	if c.MaxKeyLength <= 0 {
		c.MaxKeyLength = DefaultMaxKeyLength
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
}

func (c *Config) validate() error {
	if c == nil {
		return ErrConfigNil
	}
	switch c.Driver {
	case DriverRedis, DriverGorm, DriverMemory:
	default:
		return xerrors.New("idem: unsupported driver: " + string(c.Driver))
	}
	switch c.ConcurrencyMode {
	case ModeWait, ModeConflict:
	case "":
		return xerrors.New("idem: concurrency_mode is required (\"wait\" or \"conflict\")")
	default:
		return xerrors.New("idem: unsupported concurrency_mode: " + string(c.ConcurrencyMode))
	}
	if c.ClaimTimeout >= c.Expiration {
		return xerrors.New("idem: claim_timeout must be shorter than expiration")
	}
	return nil
}
