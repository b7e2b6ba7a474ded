package tablestore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/phenolog/phenolog/internal/conf"
	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/logger"
)

// Open returns the backend selected by storage.backend
func Open(settings *conf.StorageSettings, log logger.Logger) (Store, error) {
	if log == nil {
		log = logger.Global().Module("tablestore")
	}

	switch settings.Backend {
	case conf.BackendJSONFile, "":
		log.Info("using json file table store", logger.String("path", settings.Path))
		return NewFileStore(settings.Path, log)
	case conf.BackendSQLite:
		return openSQLite(settings, log)
	case conf.BackendMySQL:
		return openMySQL(settings, log)
	default:
		return nil, errors.Newf("unknown storage backend %q", settings.Backend).
			Component("tablestore").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

func gormConfig(settings *conf.StorageSettings, log logger.Logger) *gorm.Config {
	return &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log, settings.SlowThreshold),
	}
}

func openSQLite(settings *conf.StorageSettings, log logger.Logger) (Store, error) {
	if dir := filepath.Dir(settings.Path); dir != "." {
		if err := os.MkdirAll(dir, dataDirPermissions); err != nil {
			return nil, dbError(err, "create_db_dir", "")
		}
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", settings.Path)
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(settings, log))
	if err != nil {
		return nil, dbError(fmt.Errorf("failed to open SQLite database: %w", err), "open", "")
	}
	log.Info("using sqlite table store", logger.String("path", settings.Path))
	return NewSQLStore(db)
}

func openMySQL(settings *conf.StorageSettings, log logger.Logger) (Store, error) {
	db, err := gorm.Open(mysql.Open(settings.DSN), gormConfig(settings, log))
	if err != nil {
		return nil, dbError(fmt.Errorf("failed to open MySQL database: %w", err), "open", "")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, dbError(fmt.Errorf("failed to get underlying database: %w", err), "open", "")
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("using mysql table store", logger.String("dsn", settings.DSN))
	return NewSQLStore(db)
}
