package connector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/idemgate/clog"
	"github.com/ceyewan/idemgate/xerrors"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// gormConnector 是 MySQL/PostgreSQL/SQLite 连接器的共享实现。
// 具体驱动只需提供名称、方言构造和连接池参数。
type gormConnector struct {
	driver    string
	name      string
	logger    clog.Logger
	healthy   atomic.Bool
	mu        sync.RWMutex
	db        *gorm.DB
	openDB    func() (*gorm.DB, error)
	poolSetup func(db *gorm.DB) error
}

// Connect 建立连接，幂等
func (c *gormConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return nil
	}

	c.logger.Info("attempting to connect", clog.String("driver", c.driver))

	db, err := c.openDB()
	if err != nil {
		c.logger.Error("failed to open database", clog.Error(err))
		return xerrors.Wrapf(ErrConnection, "%s connector[%s]: %v", c.driver, c.name, err)
	}

	if c.poolSetup != nil {
		if err := c.poolSetup(db); err != nil {
			c.logger.Error("failed to configure connection pool", clog.Error(err))
			return xerrors.Wrapf(ErrConnection, "%s connector[%s]: %v", c.driver, c.name, err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return xerrors.Wrapf(ErrConnection, "%s connector[%s]: failed to get db instance: %v", c.driver, c.name, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		c.logger.Error("failed to ping database", clog.Error(err))
		return xerrors.Wrapf(ErrConnection, "%s connector[%s]: ping failed: %v", c.driver, c.name, err)
	}

	c.db = db
	c.healthy.Store(true)
	c.logger.Info("successfully connected", clog.String("driver", c.driver))

	return nil
}

// Close 关闭连接，幂等
func (c *gormConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy.Store(false)

	if c.db == nil {
		return nil
	}

	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		c.logger.Error("failed to close database connection", clog.Error(err))
		return err
	}

	c.db = nil
	c.logger.Info("database connection closed", clog.String("driver", c.driver))
	return nil
}

// HealthCheck 检查连接健康状态
func (c *gormConnector) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()

	if db == nil {
		c.healthy.Store(false)
		return xerrors.Wrapf(ErrClientNil, "%s connector[%s]", c.driver, c.name)
	}

	sqlDB, err := db.DB()
	if err != nil {
		c.healthy.Store(false)
		return xerrors.Wrapf(ErrHealthCheck, "%s connector[%s]: %v", c.driver, c.name, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("database health check failed", clog.Error(err))
		return xerrors.Wrapf(ErrHealthCheck, "%s connector[%s]: %v", c.driver, c.name, err)
	}

	c.healthy.Store(true)
	return nil
}

// IsHealthy 返回缓存的健康状态
func (c *gormConnector) IsHealthy() bool {
	return c.healthy.Load()
}

// Name 返回连接器名称
func (c *gormConnector) Name() string {
	return c.name
}

// GetClient 返回 GORM 客户端
func (c *gormConnector) GetClient() *gorm.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

// =============================================================================
// GORM 日志适配
// =============================================================================

// gormLogger 将 GORM 日志适配到 clog
type gormLogger struct {
	logger clog.Logger
	level  logger.LogLevel
}

func newGormLogger(log clog.Logger) logger.Interface {
	return &gormLogger{logger: log, level: logger.Warn}
}

// LogMode 设置日志级别
func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.level = level
	return &newLogger
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		l.logger.Info(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		l.logger.Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		l.logger.Error(fmt.Sprintf(msg, data...))
	}
}

// Trace 记录 SQL 执行日志
func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && l.level >= logger.Error:
		l.logger.Error("sql error",
			clog.String("duration", elapsed.String()),
			clog.String("sql", sql),
			clog.Int64("rows", rows),
			clog.Error(err),
		)
	case elapsed > 200*time.Millisecond && l.level >= logger.Warn:
		l.logger.Warn("slow sql",
			clog.String("duration", elapsed.String()),
			clog.String("sql", sql),
			clog.Int64("rows", rows),
		)
	case l.level >= logger.Info:
		l.logger.Debug("sql",
			clog.String("duration", elapsed.String()),
			clog.String("sql", sql),
			clog.Int64("rows", rows),
		)
	}
}
