package clickhouse

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pressly/goose/v3"
)

// The embedded migrations create the star schema the pipeline is pointed at
// by default: fact table sales.agreements and the Dim database holding
// DimProducts, DimProvince and DimTime.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// slogGooseLogger adapts slog.Logger to goose.Logger interface
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// withGoose opens a database/sql handle and prepares goose's global state.
// goose keeps that state in package variables, so callers must not run
// migrations concurrently within one process.
func withGoose(log *slog.Logger, cfg Config, fn func(db *sql.DB) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	db := clickhouse.OpenDB(cfg.options())
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("clickhouse"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return fn(db)
}

// Up runs all pending migrations
func Up(ctx context.Context, log *slog.Logger, cfg Config) error {
	log.Info("running ClickHouse migrations (up)", "database", cfg.Database)
	return withGoose(log, cfg, func(db *sql.DB) error {
		if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("ClickHouse migrations completed successfully")
		return nil
	})
}

// Down rolls back the most recent migration
func Down(ctx context.Context, log *slog.Logger, cfg Config) error {
	log.Info("rolling back ClickHouse migration (down)")
	return withGoose(log, cfg, func(db *sql.DB) error {
		if err := goose.DownContext(ctx, db, migrationsDir); err != nil {
			return fmt.Errorf("failed to roll back migration: %w", err)
		}
		return nil
	})
}

// Reset rolls back every migration.
func Reset(ctx context.Context, log *slog.Logger, cfg Config) error {
	log.Info("resetting ClickHouse migrations")
	return withGoose(log, cfg, func(db *sql.DB) error {
		if err := goose.ResetContext(ctx, db, migrationsDir); err != nil {
			return fmt.Errorf("failed to reset migrations: %w", err)
		}
		return nil
	})
}

// Version returns the current migration version.
func Version(ctx context.Context, log *slog.Logger, cfg Config) (int64, error) {
	var version int64
	err := withGoose(log, cfg, func(db *sql.DB) error {
		v, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("failed to get migration version: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

// Status logs the applied state of every migration.
func Status(ctx context.Context, log *slog.Logger, cfg Config) error {
	return withGoose(log, cfg, func(db *sql.DB) error {
		if err := goose.StatusContext(ctx, db, migrationsDir); err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		return nil
	})
}
