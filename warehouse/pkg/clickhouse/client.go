package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/malbeclabs/askdata/utils/pkg/retry"
)

const DefaultDatabase = "default"

// Config holds the connection settings.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
	// MaxExecutionTime is sent as the max_execution_time setting.
	MaxExecutionTime time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Addr == "" {
		return fmt.Errorf("clickhouse address is required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = 60 * time.Second
	}
	return nil
}

func (cfg Config) options() *clickhouse.Options {
	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": int(cfg.MaxExecutionTime.Seconds()),
		},
		DialTimeout: 5 * time.Second,
	}
	// TLS for ClickHouse Cloud (port 9440)
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}
	return options
}

// Connection is the subset of the driver connection the warehouse uses.
type Connection interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open connects and pings, retrying transient connection errors.
func Open(ctx context.Context, log *slog.Logger, cfg Config) (Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var conn driver.Conn
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		c, err := clickhouse.Open(cfg.options())
		if err != nil {
			return fmt.Errorf("failed to open ClickHouse connection: %w", err)
		}
		if err := c.Ping(ctx); err != nil {
			c.Close()
			return fmt.Errorf("failed to ping ClickHouse: %w", err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("ClickHouse client initialized", "addr", cfg.Addr, "database", cfg.Database, "secure", cfg.Secure)
	return conn, nil
}
