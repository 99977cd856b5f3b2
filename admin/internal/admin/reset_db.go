package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/malbeclabs/askdata/warehouse/pkg/clickhouse"
)

// ManagedDatabases are the databases the embedded migrations create.
var ManagedDatabases = []string{"sales", "Dim"}

// ResetOptions controls ResetDB.
type ResetOptions struct {
	DryRun      bool
	SkipConfirm bool
	In          io.Reader
	Out         io.Writer
}

// TableLister lists tables in the given databases as database.table.
type TableLister interface {
	ListTables(ctx context.Context, databases []string) ([]string, error)
}

type connLister struct {
	conn clickhouse.Connection
}

func (l connLister) ListTables(ctx context.Context, databases []string) ([]string, error) {
	rows, err := l.conn.Query(ctx, `
		SELECT database, name
		FROM system.tables
		WHERE database IN ?
		ORDER BY database, name
	`, databases)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var db, name string
		if err := rows.Scan(&db, &name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, db+"."+name)
	}
	return tables, rows.Err()
}

// ResetDB rolls back every migration, dropping the fact and dimension tables,
// after showing what would be dropped and asking for confirmation.
func ResetDB(ctx context.Context, log *slog.Logger, cfg clickhouse.Config, opts ResetOptions) error {
	conn, err := clickhouse.Open(ctx, log, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer conn.Close()

	proceed, err := confirmReset(ctx, connLister{conn: conn}, opts)
	if err != nil || !proceed {
		return err
	}
	if err := clickhouse.Reset(ctx, log, cfg); err != nil {
		return err
	}
	fmt.Fprintln(opts.Out, "\nSuccessfully reset the warehouse schema")
	return nil
}

func confirmReset(ctx context.Context, lister TableLister, opts ResetOptions) (bool, error) {
	tables, err := lister.ListTables(ctx, ManagedDatabases)
	if err != nil {
		return false, err
	}
	if len(tables) == 0 {
		fmt.Fprintln(opts.Out, "No managed tables found")
		return false, nil
	}

	fmt.Fprintf(opts.Out, "WARNING: This will DROP %d table(s):\n\n", len(tables))
	for _, table := range tables {
		fmt.Fprintf(opts.Out, "  - %s\n", table)
	}

	if opts.DryRun {
		fmt.Fprintln(opts.Out, "\n[DRY RUN] Would drop the above tables")
		return false, nil
	}
	if opts.SkipConfirm {
		return true, nil
	}

	fmt.Fprint(opts.Out, "\nThis is a DESTRUCTIVE operation that cannot be undone!\nType 'yes' to confirm: ")
	response, err := bufio.NewReader(opts.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	if strings.TrimSpace(strings.ToLower(response)) != "yes" {
		fmt.Fprintln(opts.Out, "\nConfirmation failed. Operation cancelled.")
		return false, nil
	}
	return true, nil
}
