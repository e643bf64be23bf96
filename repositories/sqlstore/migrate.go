package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// goose keeps its FS, dialect and logger in package globals
var gooseMu sync.Mutex

// gooseLogger routes goose output through zap
type gooseLogger struct {
	sugar *zap.SugaredLogger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.sugar.Infof(strings.TrimSuffix(format, "\n"), v...)
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.sugar.Fatalf(strings.TrimSuffix(format, "\n"), v...)
}

func (db *DB) migrationSource() (dir, dialect string) {
	if db.dialect == DialectSQLite {
		return "migrations/sqlite", "sqlite3"
	}
	return "migrations/postgres", "postgres"
}

// Migrate applies all pending embedded migrations
func (db *DB) Migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	dir, dialect := db.migrationSource()
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{sugar: db.logger.Sugar()})
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db.DB, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, db.DB)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	db.logger.Info("database schema up to date", zap.Int64("version", version))
	return nil
}

// MigrateDown rolls back the most recent migration
func (db *DB) MigrateDown(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	dir, dialect := db.migrationSource()
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{sugar: db.logger.Sugar()})
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	return goose.DownContext(ctx, db.DB, dir)
}
