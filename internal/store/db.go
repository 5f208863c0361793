package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrCheckoutTimeout names a connection pool checkout timeout. No function
// in this package returns it, since Open does not apply
// PoolConfig.CheckoutTimeout.
var ErrCheckoutTimeout = errors.New("store: connection pool checkout timeout")

// PoolConfig tunes the underlying *sql.DB connection pool. Open applies
// MaxOpenConns, MaxIdleConns and ConnMaxLifetime. CheckoutTimeout is carried
// but not applied: a checkout waits until a connection frees up or the
// query's context ends.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	CheckoutTimeout time.Duration
}

// DefaultPoolConfig is a fixed-size, fair FIFO pool sized for a
// single-process broker; cmd/broker uses it as-is, and no configuration key
// overrides it.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
		CheckoutTimeout: 5 * time.Second,
	}
}

// Open establishes a GORM handle against dsn. A "sqlite://" prefix (or a
// bare path ending in ".db") selects the sqlite driver for test fixtures;
// anything else is treated as a Postgres DSN.
func Open(dsn string, pool PoolConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasSuffix(dsn, ".db") || dsn == ":memory:":
		dialector = sqlite.Open(dsn)
	default:
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Warn),
		DisableForeignKeyConstraintWhenMigrating: false,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: acquire sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)

	return db, nil
}

// Migrate runs AutoMigrate for every model this store manages. Intended for
// test fixtures and first-run bootstrap; production schema changes go
// through the migration tooling the service is deployed with.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("store: automigrate: %w", err)
	}
	return nil
}
