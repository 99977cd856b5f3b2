// Package clickhousetesting runs a migrated ClickHouse server in a container
// for integration tests.
package clickhousetesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/malbeclabs/askdata/utils/pkg/retry"
	"github.com/malbeclabs/askdata/warehouse/pkg/clickhouse"
)

const (
	defaultImage    = "clickhouse/clickhouse-server:25.3"
	nativePort      = nat.Port("9000/tcp")
	terminateBudget = 10 * time.Second
)

// DBConfig overrides the container defaults. The zero value is usable.
type DBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = defaultImage
	}
	return nil
}

// DB is a ClickHouse server running in a container with the warehouse
// migrations applied.
type DB struct {
	log       *slog.Logger
	cfg       DBConfig
	addr      string
	container *tcch.ClickHouseContainer
}

// Addr is the native protocol endpoint (host:port).
func (db *DB) Addr() string {
	return db.addr
}

func (db *DB) Config() clickhouse.Config {
	return clickhouse.Config{
		Addr:     db.addr,
		Database: db.cfg.Database,
		Username: db.cfg.Username,
		Password: db.cfg.Password,
	}
}

func (db *DB) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), terminateBudget)
	defer cancel()
	if err := db.container.Terminate(ctx); err != nil {
		db.log.Error("clickhousetesting: failed to terminate container", "error", err)
	}
}

// NewConn opens a connection that is closed when t ends.
func NewConn(t *testing.T, db *DB) clickhouse.Connection {
	t.Helper()
	conn, err := clickhouse.Open(t.Context(), db.log, db.Config())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// NewDB starts a container and migrates it. A nil cfg uses the defaults.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	var c DBConfig
	if cfg != nil {
		c = *cfg
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid container config: %w", err)
	}

	container, err := startContainer(ctx, log, c)
	if err != nil {
		return nil, err
	}
	db := &DB{log: log, cfg: c, container: container}

	db.addr, err = endpoint(ctx, container)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := clickhouse.Up(ctx, log, db.Config()); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug("clickhousetesting: container ready", "addr", db.addr, "image", c.ContainerImage)
	return db, nil
}

// startContainer retries the start when Docker is slow to report the
// container ready.
func startContainer(ctx context.Context, log *slog.Logger, cfg DBConfig) (*tcch.ClickHouseContainer, error) {
	var container *tcch.ClickHouseContainer
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 3,
		BaseBackoff: 750 * time.Millisecond,
		MaxBackoff:  3 * time.Second,
		Retryable:   isContainerStartFlake,
		OnRetry: func(n int, err error, wait time.Duration) {
			log.Warn("clickhousetesting: container start failed, retrying", "retry", n, "wait", wait, "error", err)
		},
	}, func() error {
		var err error
		container, err = tcch.Run(ctx, cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start ClickHouse container: %w", err)
	}
	return container, nil
}

func endpoint(ctx context.Context, container *tcch.ClickHouseContainer) (string, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, nativePort)
	if err != nil {
		return "", fmt.Errorf("failed to get mapped native port: %w", err)
	}
	return host + ":" + port.Port(), nil
}

func isContainerStartFlake(err error) bool {
	msg := err.Error()
	for _, p := range []string{"wait until ready", "mapped port", "timeout", "context deadline exceeded", "docker.sock"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return strings.Contains(msg, "/containers/") && strings.Contains(msg, "json")
}
