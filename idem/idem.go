// Package idem 提供了幂等请求处理引擎，用于确保客户端重试下操作的"至多一次"执行。
//
// idem 是 Idemgate 的核心组件，它提供了：
// - 统一的 Idempotency 接口，支持手动调用、Gin 中间件、gRPC 拦截器
// - 结果缓存：首次执行的响应被持久记录，重复请求逐字节回放
// - 并发控制：同一幂等键的并发请求恰好一个执行，其余等待或冲突（可配置）
// - 指纹校验：幂等键复用但请求内容不同时拒绝（422），防止误回放
// - 后端可配置：Redis（易失）/ GORM 关系型数据库（持久）/ Memory（单机）
// - 后端熔断与 FailOpen 策略：存储故障时可用性与严格性之间显式取舍
// - 与基础组件（日志、指标、连接器）的深度集成
//
// ## 基本使用
//
//	eng, _ := idem.New(&idem.Config{
//	    Driver:          idem.DriverRedis,
//	    Prefix:          "myapp:idem:",
//	    Expiration:      24 * time.Hour,
//	    ConcurrencyMode: idem.ModeWait,
//	}, idem.WithRedisConnector(redisConn), idem.WithLogger(logger))
//	defer eng.Close()
//
//	resp, err := eng.Do(ctx, "/orders", "POST", clientKey, payload,
//	    func(ctx context.Context) (*idem.Response, error) {
//	        // 业务逻辑，只在第一次请求时执行
//	        return &idem.Response{StatusCode: 201, Body: body, ContentType: "application/json"}, nil
//	    })
//
// ## Gin 中间件
//
//	r := gin.Default()
//	r.POST("/orders", eng.GinMiddleware(), func(c *gin.Context) {
//	    c.JSON(201, gin.H{"order_id": "123"})
//	})
//
// ## gRPC 拦截器
//
//	s := grpc.NewServer(
//	    grpc.UnaryInterceptor(eng.UnaryServerInterceptor()),
//	)
package idem

import (
	"context"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"

	"github.com/ceyewan/idemgate/clog"
	"github.com/ceyewan/idemgate/xerrors"
)

// ========================================
// 接口定义 (Interface Definitions)
// ========================================

// Idempotency 幂等请求处理引擎核心接口
//
// 支持四种使用方式：
// 1. Do: 完整的幂等执行原语，携带作用域（route/method）与请求载荷
// 2. Execute / Consume: 业务层便捷封装
// 3. GinMiddleware: HTTP 请求幂等性
// 4. UnaryServerInterceptor: gRPC 一元调用幂等性
type Idempotency interface {
	// Do 执行幂等操作
	//
	// 工作流程：
	//   1. 归一化 rawKey（清洗、大写、校验长度）
	//   2. 键已完成 → 指纹校验后回放缓存结果
	//   3. 键处理中 → ModeWait 等待结果 / ModeConflict 返回 ErrConcurrentRequest
	//   4. 占位成功 → 执行 fn；成功则缓存结果，失败则释放占位允许重试
	//
	// 同一 (route, method, key) 组合下 fn 至多被成功执行一次。
	//
	// 返回错误：ErrKeyMissing, ErrKeyInvalid, ErrConcurrentRequest,
	// ErrFingerprintMismatch, ErrStoreUnavailable 及 fn 自身的错误。
	Do(ctx context.Context, route, method, rawKey string, payload []byte, fn Handler) (*Response, error)

	// Execute 执行幂等操作（任意 JSON 可序列化结果的便捷封装）
	//
	// 结果以 JSON 形式缓存，重复请求返回反序列化后的缓存值。
	Execute(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error)

	// Consume 用于消息消费的至多一次处理
	//
	// 返回：
	//   - executed: 本次调用是否真正执行了 fn；重复消息返回 false
	Consume(ctx context.Context, key string, fn func(ctx context.Context) error) (executed bool, err error)

	// GinMiddleware 创建 Gin 框架中间件
	//
	// 工作原理：
	//   1. 从 HTTP 请求头（默认 X-Idempotency-Key）提取幂等键
	//   2. 缓存命中 → 逐字节回放缓存的响应
	//   3. 未命中 → 执行 handler，2xx 响应被缓存
	//
	// 状态映射：键缺失（RequireKey 时）/非法 → 400；并发冲突 → 409 +
	// Retry-After；指纹不符 → 422；后端不可用（FailOpen=false）→ 503。
	GinMiddleware(opts ...MiddlewareOption) gin.HandlerFunc

	// UnaryServerInterceptor 创建 gRPC 一元服务端拦截器
	//
	// 从 metadata（默认 x-idempotency-key）提取幂等键，响应以 anypb 封装
	// 缓存。冲突 → codes.Aborted；键非法 → codes.InvalidArgument；
	// 指纹不符 → codes.FailedPrecondition；后端不可用 → codes.Unavailable。
	//
	// 只支持一元 RPC 调用，不支持流式 RPC。
	UnaryServerInterceptor(opts ...InterceptorOption) grpc.UnaryServerInterceptor

	// Close 停止后台协程（过期清理器、完成事件发布器），幂等
	Close() error
}

// ========================================
// 工厂函数 (Factory Functions)
// ========================================

// New 创建幂等引擎实例
//
// 这是标准的工厂函数，支持配置驱动和显式依赖注入。
//
// 参数：
//   - cfg: 引擎配置，不可为 nil，ConcurrencyMode 必填
//   - opts: 可选配置，如 WithLogger(), WithRedisConnector(), WithGormDB()
//
// 使用示例：
//
//	eng, err := idem.New(&idem.Config{
//	    Driver:          idem.DriverGorm,
//	    Expiration:      24 * time.Hour,
//	    ClaimTimeout:    30 * time.Second,
//	    ConcurrencyMode: idem.ModeConflict,
//	}, idem.WithSQLConnector(pgConn), idem.WithLogger(logger))
func New(cfg *Config, opts ...Option) (Idempotency, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opt := options{}
	for _, o := range opts {
		o(&opt)
	}

	logger := opt.logger
	if logger != nil {
		logger = logger.With(clog.String("component", "idem"))
	}

	var store Store
	switch cfg.Driver {
	case DriverRedis:
		if opt.redisConn == nil {
			return nil, xerrors.New("idem: redis connector is required, use WithRedisConnector")
		}
		store = newRedisStore(opt.redisConn, cfg.Prefix, cfg.ClaimTimeout, cfg.Expiration)

	case DriverGorm:
		if opt.gormDB == nil {
			return nil, xerrors.New("idem: gorm db is required, use WithGormDB or WithSQLConnector")
		}
		var err error
		store, err = newGormStore(opt.gormDB, cfg.Table, cfg.ClaimTimeout, cfg.Expiration)
		if err != nil {
			return nil, err
		}

	case DriverMemory:
		store = newMemoryStore(cfg.Prefix, cfg.ClaimTimeout)

	default:
		return nil, xerrors.New("idem: unsupported driver: " + string(cfg.Driver))
	}

	if logger != nil {
		logger.Info("creating idem engine",
			clog.String("driver", string(cfg.Driver)),
			clog.String("mode", string(cfg.ConcurrencyMode)),
			clog.Duration("expiration", cfg.Expiration),
			clog.Duration("claim_timeout", cfg.ClaimTimeout),
			clog.Bool("fail_open", cfg.FailOpen),
			clog.Bool("fingerprint", cfg.EnableFingerprint))
	}

	m := newIdemMetrics(opt.meter)

	eng := &idem{
		cfg:     cfg,
		store:   newGuardedStore(store, logger),
		logger:  logger,
		metrics: m,
	}

	if opt.natsConn != nil && cfg.EventSubject != "" {
		eng.pub = newPublisher(opt.natsConn, cfg.EventSubject, logger, m)
	}

	eng.startSweeper()

	return eng, nil
}
