package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/askdata/admin/internal/admin"
	"github.com/malbeclabs/askdata/utils/pkg/logger"
	"github.com/malbeclabs/askdata/warehouse/pkg/clickhouse"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", ".env", "environment file to load if present")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", clickhouse.DefaultDatabase, "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// API configuration (for cache commands)
	apiURLFlag := flag.String("api-url", "http://localhost:8000", "askdata API base URL (or set ASKDATA_API_URL env var)")

	// Migration commands
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "Run warehouse schema migrations using goose")
	clickhouseMigrateDownFlag := flag.Bool("clickhouse-migrate-down", false, "Roll back the most recent warehouse migration")
	clickhouseMigrateStatusFlag := flag.Bool("clickhouse-migrate-status", false, "Show warehouse migration status")
	clickhouseMigrateVersionFlag := flag.Bool("clickhouse-migrate-version", false, "Print the current warehouse migration version")
	resetDBFlag := flag.Bool("reset-db", false, "Roll back every migration, dropping the fact and dimension tables")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	// Cache commands
	cacheStatsFlag := flag.Bool("cache-stats", false, "Show API cache occupancy")
	cacheClearFlag := flag.Bool("cache-clear", false, "Clear the schema and dimension caches")
	cacheClearDimensionsFlag := flag.Bool("cache-clear-dimensions", false, "Clear only the dimension caches")
	refreshDimensionsFlag := flag.Bool("refresh-dimensions", false, "Force rediscovery of every dimension table")

	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if v := os.Getenv("CLICKHOUSE_ADDR_TCP"); v != "" {
		*clickhouseAddrFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_DATABASE"); v != "" {
		*clickhouseDatabaseFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_USERNAME"); v != "" {
		*clickhouseUsernameFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		*clickhousePasswordFlag = v
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	if v := os.Getenv("ASKDATA_API_URL"); v != "" {
		*apiURLFlag = v
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	chCfg := clickhouse.Config{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	}
	requireAddr := func(cmd string) error {
		if chCfg.Addr == "" {
			return fmt.Errorf("--clickhouse-addr is required for --%s", cmd)
		}
		return nil
	}

	cacheClient := admin.NewCacheClient(log, *apiURLFlag)

	switch {
	case *clickhouseMigrateFlag:
		if err := requireAddr("clickhouse-migrate"); err != nil {
			return err
		}
		return clickhouse.Up(ctx, log, chCfg)

	case *clickhouseMigrateDownFlag:
		if err := requireAddr("clickhouse-migrate-down"); err != nil {
			return err
		}
		return clickhouse.Down(ctx, log, chCfg)

	case *clickhouseMigrateStatusFlag:
		if err := requireAddr("clickhouse-migrate-status"); err != nil {
			return err
		}
		return clickhouse.Status(ctx, log, chCfg)

	case *clickhouseMigrateVersionFlag:
		if err := requireAddr("clickhouse-migrate-version"); err != nil {
			return err
		}
		version, err := clickhouse.Version(ctx, log, chCfg)
		if err != nil {
			return err
		}
		fmt.Println(version)
		return nil

	case *resetDBFlag:
		if err := requireAddr("reset-db"); err != nil {
			return err
		}
		return admin.ResetDB(ctx, log, chCfg, admin.ResetOptions{
			DryRun:      *dryRunFlag,
			SkipConfirm: *yesFlag,
			In:          os.Stdin,
			Out:         os.Stdout,
		})

	case *cacheStatsFlag:
		stats, err := cacheClient.Stats(ctx)
		if err != nil {
			return err
		}
		admin.PrintStats(os.Stdout, stats)
		return nil

	case *cacheClearFlag:
		resp, err := cacheClient.ClearAll(ctx)
		if err != nil {
			return err
		}
		fmt.Println(resp.Status)
		admin.PrintStats(os.Stdout, resp.Stats)
		return nil

	case *cacheClearDimensionsFlag:
		resp, err := cacheClient.ClearDimensions(ctx)
		if err != nil {
			return err
		}
		fmt.Println(resp.Status)
		admin.PrintStats(os.Stdout, resp.Stats)
		return nil

	case *refreshDimensionsFlag:
		resp, err := cacheClient.RefreshDimensions(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d dimension(s)\n", resp.Status, len(resp.Dimensions))
		for _, name := range resp.Dimensions {
			fmt.Printf("  - %s\n", name)
		}
		return nil
	}

	flag.Usage()
	return nil
}
