package connector

import (
	"fmt"

	"github.com/ceyewan/idemgate/clog"
	"github.com/ceyewan/idemgate/xerrors"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// NewPostgreSQL 创建 PostgreSQL 连接器
// 注意：实际连接在调用 Connect() 时建立
func NewPostgreSQL(cfg *PostgreSQLConfig, opts ...Option) (PostgreSQLConnector, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Wrapf(err, "invalid postgresql config")
	}

	opt := &options{}
	for _, o := range opts {
		o(opt)
	}
	opt.applyDefaults()

	log := opt.logger.With(clog.String("connector", "postgresql"), clog.String("name", cfg.Name))

	// 构建 DSN：优先使用 cfg.DSN，否则从各字段拼接
	dsn := cfg.DSN
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
			cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode, cfg.Timezone)
	}

	return &gormConnector{
		driver: "postgresql",
		name:   cfg.Name,
		logger: log,
		openDB: func() (*gorm.DB, error) {
			return gorm.Open(postgres.Open(dsn), &gorm.Config{
				Logger:         newGormLogger(log),
				TranslateError: true,
			})
		},
		poolSetup: func(db *gorm.DB) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
			return nil
		},
	}, nil
}
