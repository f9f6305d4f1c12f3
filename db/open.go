package db

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/411A/anonrelay/db/models"
)

// Open opens (creating if needed) the SQLite database described by cfg and
// applies the pool limits and pragmas. The returned handle is safe for
// concurrent use; with MaxOpenConns=1 all writers share one connection.
func Open(cfg Config) (*gorm.DB, error) {
	path, err := ResolveDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("db: resolve dsn: %w", err)
	}

	var pragmas []string
	if cfg.SQLite.BusyTimeoutMs > 0 {
		pragmas = append(pragmas, fmt.Sprintf("_pragma=busy_timeout(%d)", cfg.SQLite.BusyTimeoutMs))
	}
	if cfg.SQLite.WAL {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	if cfg.SQLite.CacheSize > 0 {
		pragmas = append(pragmas, fmt.Sprintf("_pragma=cache_size(%d)", cfg.SQLite.CacheSize))
	}
	dsn := path
	if len(pragmas) > 0 {
		dsn = path + "?" + strings.Join(pragmas, "&")
	}

	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db: raw handle: %w", err)
	}
	if cfg.Pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Pool.MaxOpenConns)
	}
	if cfg.Pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Pool.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(cfg.Pool.ConnMaxLifetime)

	if cfg.AutoMigrate {
		if err := AutoMigrate(gdb); err != nil {
			return nil, err
		}
	}
	return gdb, nil
}

// AutoMigrate creates the four tables and their equality indexes if absent.
// There is no schema versioning beyond create-if-not-exists.
func AutoMigrate(gdb *gorm.DB) error {
	if gdb == nil {
		return fmt.Errorf("db: nil gorm db")
	}
	return gdb.AutoMigrate(
		&models.TenantRegistration{},
		&models.BlockEntry{},
		&models.MessageHash{},
		&models.ReadHash{},
	)
}
