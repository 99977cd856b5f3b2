package clickhouse_test

import (
	"context"
	"os"
	"testing"

	clickhousetesting "github.com/malbeclabs/askdata/warehouse/pkg/clickhouse/testing"
	asktesting "github.com/malbeclabs/askdata/utils/pkg/testing"
)

var (
	sharedDB *clickhousetesting.DB
)

func TestMain(m *testing.M) {
	log := asktesting.NewLogger()
	var err error
	sharedDB, err = clickhousetesting.NewDB(context.Background(), log, nil)
	if err != nil {
		// Integration tests skip without a container runtime.
		log.Warn("failed to create shared DB", "error", err)
		sharedDB = nil
	}
	code := m.Run()
	if sharedDB != nil {
		sharedDB.Close()
	}
	os.Exit(code)
}

func requireDB(t *testing.T) *clickhousetesting.DB {
	t.Helper()
	if sharedDB == nil {
		t.Skip("ClickHouse container not available")
	}
	return sharedDB
}
