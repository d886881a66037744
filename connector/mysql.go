package connector

import (
	"fmt"

	"github.com/ceyewan/idemgate/clog"
	"github.com/ceyewan/idemgate/xerrors"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// NewMySQL 创建 MySQL 连接器
// 注意：实际连接在调用 Connect() 时建立
func NewMySQL(cfg *MySQLConfig, opts ...Option) (MySQLConnector, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Wrapf(err, "invalid mysql config")
	}

	opt := &options{}
	for _, o := range opts {
		o(opt)
	}
	opt.applyDefaults()

	log := opt.logger.With(clog.String("connector", "mysql"), clog.String("name", cfg.Name))

	// 构建 DSN：优先使用 cfg.DSN，否则从各字段拼接
	dsn := cfg.DSN
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.Charset)
	}

	return &gormConnector{
		driver: "mysql",
		name:   cfg.Name,
		logger: log,
		openDB: func() (*gorm.DB, error) {
			return gorm.Open(mysql.Open(dsn), &gorm.Config{
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
