package db

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

type SQLiteConfig struct {
	BusyTimeoutMs int
	WAL           bool
	CacheSize     int
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Config struct {
	DSN         string
	Pool        PoolConfig
	SQLite      SQLiteConfig
	AutoMigrate bool
}

// DefaultConfig is a single connection in WAL mode with a 5s busy timeout:
// concurrent webhook handlers serialize writes on the database's own lock
// instead of failing under transient contention.
func DefaultConfig() Config {
	return Config{
		DSN: "",
		Pool: PoolConfig{
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: 0,
		},
		SQLite: SQLiteConfig{
			BusyTimeoutMs: 5000,
			WAL:           true,
			CacheSize:     1000,
		},
		AutoMigrate: true,
	}
}

// ResolveDSN returns the database file path, preferring an explicit DSN, then
// an existing file in the state dir or working dir, then creating the state
// dir default.
func ResolveDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn != "" {
		return dsn, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	homeDir := filepath.Join(home, ".anonrelay")
	homeDB := filepath.Join(homeDir, "anonrelay.sqlite")
	localDB := filepath.Clean("./anonrelay.sqlite")

	if _, err := os.Stat(homeDB); err == nil {
		return homeDB, nil
	}
	if _, err := os.Stat(localDB); err == nil {
		return localDB, nil
	}
	if err := os.MkdirAll(homeDir, 0o700); err != nil {
		return "", err
	}
	return homeDB, nil
}
