package idem

import (
	"time"

	"gorm.io/gorm"

	"github.com/ceyewan/idemgate/clog"
	"github.com/ceyewan/idemgate/connector"
	"github.com/ceyewan/idemgate/metrics"
)

// Option 组件初始化选项函数
type Option func(*options)

// MiddlewareOption Gin 中间件选项函数
type MiddlewareOption func(*middlewareOptions)

// InterceptorOption gRPC 拦截器选项函数
type InterceptorOption func(*interceptorOptions)

// options 组件初始化选项配置（内部使用，小写）
type options struct {
	logger    clog.Logger
	meter     metrics.Meter
	redisConn connector.RedisConnector
	gormDB    *gorm.DB
	natsConn  connector.NATSConnector
}

// middlewareOptions Gin 中间件选项配置（内部使用，小写）
type middlewareOptions struct {
	headerKey  string        // 幂等键的 HTTP 头名称，默认 "X-Idempotency-Key"
	requireKey bool          // 是否强制要求携带幂等键，默认 false（缺失时放行）
	retryAfter time.Duration // 409 响应的 Retry-After 建议值，默认 1s
}

// interceptorOptions gRPC 拦截器选项配置（内部使用，小写）
type interceptorOptions struct {
	metadataKey string // 幂等键的 gRPC metadata 键名，默认 "x-idempotency-key"
}

// WithLogger 设置 Logger
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMeter 设置指标收集器
func WithMeter(meter metrics.Meter) Option {
	return func(o *options) {
		o.meter = meter
	}
}

// WithRedisConnector 注入 Redis 连接器（DriverRedis 必需）
func WithRedisConnector(conn connector.RedisConnector) Option {
	return func(o *options) {
		if conn != nil {
			o.redisConn = conn
		}
	}
}

// WithGormDB 注入 GORM 实例（DriverGorm 必需）
// 可来自 connector.NewPostgreSQL / NewMySQL / NewSQLite 的 GetClient()
func WithGormDB(db *gorm.DB) Option {
	return func(o *options) {
		if db != nil {
			o.gormDB = db
		}
	}
}

// WithSQLConnector 注入关系型数据库连接器（DriverGorm 必需）
// WithGormDB 的类型安全变体，直接接受任意 gorm 连接器
func WithSQLConnector(conn connector.TypedConnector[*gorm.DB]) Option {
	return func(o *options) {
		if conn != nil {
			o.gormDB = conn.GetClient()
		}
	}
}

// WithNATSConnector 注入 NATS 连接器，配合 Config.EventSubject 发布完成事件
func WithNATSConnector(conn connector.NATSConnector) Option {
	return func(o *options) {
		if conn != nil {
			o.natsConn = conn
		}
	}
}

// WithHeaderKey 设置 Gin 中间件的幂等键 HTTP 头名称
// 默认为 "X-Idempotency-Key"
func WithHeaderKey(headerKey string) MiddlewareOption {
	return func(o *middlewareOptions) {
		if headerKey != "" {
			o.headerKey = headerKey
		}
	}
}

// WithRequireKey 要求所有经过中间件的请求必须携带幂等键
// 缺失时返回 400，默认不强制
func WithRequireKey(require bool) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.requireKey = require
	}
}

// WithRetryAfter 设置 409 冲突响应的 Retry-After 建议值
func WithRetryAfter(d time.Duration) MiddlewareOption {
	return func(o *middlewareOptions) {
		if d > 0 {
			o.retryAfter = d
		}
	}
}

// WithMetadataKey 设置 gRPC 拦截器的幂等键 metadata 键名
// 默认为 "x-idempotency-key"
func WithMetadataKey(metadataKey string) InterceptorOption {
	return func(o *interceptorOptions) {
		if metadataKey != "" {
			o.metadataKey = metadataKey
		}
	}
}
