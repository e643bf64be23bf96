// Package sqlstore implements the repositories on database/sql. PostgreSQL
// is reached through lib/pq or pgx; SQLite through the pure-Go modernc driver.
// Queries are written with $n placeholders and rebound for SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // "pgx" driver
	_ "github.com/lib/pq"              // "postgres" driver
	"github.com/upb/llm-gateway/config"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // "sqlite" driver
)

// Dialect selects SQL flavour details that differ between backends.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// DialectForDriver maps a database/sql driver name to its dialect.
func DialectForDriver(driver string) (Dialect, error) {
	switch driver {
	case config.DriverPostgres, config.DriverPgx:
		return DialectPostgres, nil
	case config.DriverSQLite:
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

// NewDB opens and pings a connection pool for cfg
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dialect, err := DialectForDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.IsInMemory() {
		// every connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("driver", cfg.Driver),
		zap.String("connection", cfg.LogString()))

	return Wrap(sqlDB, dialect, logger), nil
}

// Wrap adopts an already opened pool, e.g. one backed by sqlmock.
func Wrap(sqlDB *sql.DB, dialect Dialect, logger *zap.Logger) *DB {
	return &DB{DB: sqlDB, dialect: dialect, logger: logger}
}

// Dialect returns the SQL dialect of the pool
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// rebind converts $n placeholders to ? for SQLite. Queries must use each
// placeholder once and in ascending order.
func (db *DB) rebind(query string) string {
	if db.dialect != DialectSQLite {
		return query
	}

	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
