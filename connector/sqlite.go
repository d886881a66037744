package connector

import (
	"github.com/ceyewan/idemgate/clog"
	"github.com/ceyewan/idemgate/xerrors"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewSQLite 创建 SQLite 连接器
// 注意：实际连接在调用 Connect() 时建立
func NewSQLite(cfg *SQLiteConfig, opts ...Option) (SQLiteConnector, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Wrapf(err, "invalid sqlite config")
	}

	opt := &options{}
	for _, o := range opts {
		o(opt)
	}
	opt.applyDefaults()

	log := opt.logger.With(clog.String("connector", "sqlite"), clog.String("name", cfg.Name))

	return &gormConnector{
		driver: "sqlite",
		name:   cfg.Name,
		logger: log,
		openDB: func() (*gorm.DB, error) {
			return gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
				Logger:         newGormLogger(log),
				TranslateError: true,
			})
		},
	}, nil
}
