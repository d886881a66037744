// Package connector 为 Idemgate 提供统一的连接管理能力。
//
// 核心特性：
//   - 统一抽象：通过 Connector 接口提供一致的连接管理 API
//   - 类型安全：通过 TypedConnector[T] 泛型接口确保编译时类型检查
//   - 多数据源支持：Redis、MySQL、PostgreSQL、SQLite、NATS
//   - 健康检查：IsHealthy() 无阻塞读取缓存状态，HealthCheck() 实时探测
//   - 并发安全：所有公开方法均为并发安全，支持多协程同时访问
//   - 资源管理：遵循"谁创建，谁负责释放"原则，Close() 应在应用层调用
//
// 设计理念：
//   - 接口优先：定义清晰的接口契约，实现细节可替换
//   - 显式依赖注入：通过构造函数注入依赖，避免全局状态
//   - 幂等连接：Connect() 方法可安全重复调用
//   - 延迟连接：NewXXX() 创建连接器但不立即建立连接，Connect() 时才连接
//
// 基本使用：
//
//	cfg := &connector.RedisConfig{Addr: "127.0.0.1:6379"}
//	conn, err := connector.NewRedis(cfg, connector.WithLogger(logger))
//	if err != nil {
//		panic(err)
//	}
//	defer conn.Close()
//
//	if err := conn.Connect(ctx); err != nil {
//		panic(err)
//	}
//	client := conn.GetClient()
//
// 资源所有权：
//
//	Connector 拥有底层连接的生命周期，应通过 defer 确保 Close() 被调用。
//	组件（如 idem 的存储驱动）仅借用 Connector，不应调用 Close()。
package connector

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// =============================================================================
// 基础接口
// =============================================================================

// Connector 定义所有连接器的通用行为。
//
// 所有连接器必须实现此接口，确保一致的连接管理体验。
// 接口方法均为并发安全，可从多个协程同时调用。
type Connector interface {
	// Connect 建立连接。
	//
	// 此方法是幂等的，可安全多次调用。首次调用时建立连接，
	// 后续调用直接返回 nil。连接过程阻塞直到成功或失败。
	Connect(ctx context.Context) error

	// Close 关闭连接并释放资源。
	//
	// 此方法是幂等的，可安全多次调用。关闭后，
	// GetClient() 将返回 nil，HealthCheck() 将返回 ErrClientNil。
	Close() error

	// HealthCheck 检查连接健康状态。
	//
	// 通过发送测试请求验证连接可用性，并更新内部健康状态缓存。
	HealthCheck(ctx context.Context) error

	// IsHealthy 返回缓存的健康状态。
	//
	// 此方法无阻塞，直接返回最后一次 HealthCheck() 的结果。
	IsHealthy() bool

	// Name 返回连接实例名称，用于日志记录和指标标识。
	Name() string
}

// =============================================================================
// 泛型接口
// =============================================================================

// TypedConnector 提供类型安全的客户端访问。
//
// 类型参数 T 是客户端类型，如 *redis.Client、*gorm.DB 等。
type TypedConnector[T any] interface {
	Connector

	// GetClient 返回底层客户端实例。
	//
	// 注意：在 Connect() 之前或 Close() 之后调用可能返回 nil。
	GetClient() T
}

// =============================================================================
// 具体连接器接口
// =============================================================================

// RedisConnector Redis 连接器接口。
//
// 提供对 Redis 服务器的连接管理，支持连接池、Pipeline、Lua 脚本等特性。
type RedisConnector interface {
	TypedConnector[*redis.Client]
}

// MySQLConnector MySQL 连接器接口。
//
// 提供对 MySQL 数据库的连接管理，基于 GORM ORM 框架。
type MySQLConnector interface {
	TypedConnector[*gorm.DB]
}

// PostgreSQLConnector PostgreSQL 连接器接口。
//
// 提供对 PostgreSQL 数据库的连接管理，基于 GORM ORM 框架。
type PostgreSQLConnector interface {
	TypedConnector[*gorm.DB]
}

// SQLiteConnector SQLite 连接器接口。
//
// 提供对 SQLite 数据库的连接管理，基于 GORM ORM 框架。
// 支持内存数据库和文件数据库，适合测试和嵌入式场景。
type SQLiteConnector interface {
	TypedConnector[*gorm.DB]
}

// NATSConnector NATS 连接器接口。
//
// 提供对 NATS 消息系统的连接管理，内置自动重连机制。
type NATSConnector interface {
	TypedConnector[*nats.Conn]
}
