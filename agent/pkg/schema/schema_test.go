package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/askdata/agent/pkg/apperr"
	"github.com/malbeclabs/askdata/agent/pkg/warehouse"
	"github.com/malbeclabs/askdata/agent/pkg/warehouse/warehousetest"
	"github.com/malbeclabs/askdata/utils/pkg/cache"
	asktesting "github.com/malbeclabs/askdata/utils/pkg/testing"
)

var fact = warehouse.TableID{Project: "p", Dataset: "d", Table: "t"}

func newProvider(t *testing.T, wh warehouse.Warehouse, fact warehouse.TableID, size int) *Provider {
	t.Helper()
	p, err := NewProvider(Config{
		Logger:    asktesting.NewLogger(),
		Warehouse: wh,
		Cache:     cache.New[string, Entry](size),
		Fact:      fact,
	})
	require.NoError(t, err)
	return p
}

func TestAskData_Schema_FactFormatsAndCaches(t *testing.T) {
	t.Parallel()

	wh := warehousetest.New().AddTable("p.d.t",
		warehouse.Column{Name: "id", Type: "INTEGER"},
		warehouse.Column{Name: "amount", Type: "FLOAT"},
	)
	p := newProvider(t, wh, fact, DefaultCacheSize)

	entry, err := p.Fact(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "id:INTEGER, amount:FLOAT", entry.Text)
	assert.Equal(t, fact, entry.Table)

	_, err = p.Fact(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, wh.Describes("p.d.t"))
	assert.Equal(t, 1, p.Len())
}

func TestAskData_Schema_RefreshBypassesReadButWrites(t *testing.T) {
	t.Parallel()

	wh := warehousetest.New().AddTable("p.d.t", warehouse.Column{Name: "id", Type: "INTEGER"})
	p := newProvider(t, wh, fact, DefaultCacheSize)

	_, err := p.Fact(context.Background(), true)
	require.NoError(t, err)

	wh.AddTable("p.d.t", warehouse.Column{Name: "id", Type: "INTEGER"}, warehouse.Column{Name: "note", Type: "STRING"})
	entry, err := p.Fact(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "id:INTEGER, note:STRING", entry.Text)
	assert.Equal(t, 2, wh.Describes("p.d.t"))

	cached, err := p.Fact(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, entry.Text, cached.Text)
	assert.Equal(t, 2, wh.Describes("p.d.t"))
}

func TestAskData_Schema_MissingConfiguration(t *testing.T) {
	t.Parallel()

	p := newProvider(t, warehousetest.New(), warehouse.TableID{Project: "p"}, DefaultCacheSize)
	_, err := p.Fact(context.Background(), true)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "dataset, table")
}

func TestAskData_Schema_LookupErrorKeepsCause(t *testing.T) {
	t.Parallel()

	denied := fmt.Errorf("code: 497: %w", warehouse.ErrPermissionDenied)
	wh := warehousetest.New().FailTable("p.d.t", denied)
	p := newProvider(t, wh, fact, DefaultCacheSize)

	_, err := p.Fact(context.Background(), true)
	require.Error(t, err)
	assert.Equal(t, apperr.KindSchemaLookup, apperr.KindOf(err))
	assert.True(t, errors.Is(err, warehouse.ErrPermissionDenied))
	assert.Equal(t, warehouse.LookupPermissionDenied, warehouse.Classify(err))
	assert.Contains(t, err.Error(), "code: 497")
	assert.Equal(t, 0, p.Len())
}

func TestAskData_Schema_CacheBounded(t *testing.T) {
	t.Parallel()

	wh := warehousetest.New()
	for i := 0; i < 4; i++ {
		wh.AddTable(fmt.Sprintf("p.d.t%d", i), warehouse.Column{Name: "id", Type: "INT"})
	}
	p := newProvider(t, wh, fact, 3)

	for i := 0; i < 4; i++ {
		_, err := p.Get(context.Background(), warehouse.TableID{Project: "p", Dataset: "d", Table: fmt.Sprintf("t%d", i)}, true)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, 3, p.Cap())

	// t0 was evicted first, so it is described again.
	_, err := p.Get(context.Background(), warehouse.TableID{Project: "p", Dataset: "d", Table: "t0"}, true)
	require.NoError(t, err)
	assert.Equal(t, 2, wh.Describes("p.d.t0"))

	assert.True(t, p.Invalidate(warehouse.TableID{Project: "p", Dataset: "d", Table: "t0"}))
	p.Clear()
	assert.Equal(t, 0, p.Len())
}

// gatedWarehouse blocks DescribeTable until release is closed.
type gatedWarehouse struct {
	*warehousetest.Fake
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedWarehouse) DescribeTable(ctx context.Context, table warehouse.TableID) ([]warehouse.Column, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Fake.DescribeTable(ctx, table)
}

func TestAskData_Schema_CancelledCallerDoesNotFailSharedLookup(t *testing.T) {
	t.Parallel()

	fake := warehousetest.New().AddTable("p.d.t", warehouse.Column{Name: "id", Type: "INTEGER"})
	wh := &gatedWarehouse{Fake: fake, started: make(chan struct{}), release: make(chan struct{})}
	p := newProvider(t, wh, fact, DefaultCacheSize)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := p.Fact(ctxA, true)
		errA <- err
	}()
	<-wh.started

	type result struct {
		entry Entry
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		entry, err := p.Fact(context.Background(), true)
		resB <- result{entry, err}
	}()
	// Give the second caller time to join the in-flight describe.
	time.Sleep(50 * time.Millisecond)

	cancelA()
	err := <-errA
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	close(wh.release)
	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, "id:INTEGER", b.entry.Text)
	assert.Equal(t, 1, p.Len())
}

func TestAskData_Schema_FormatColumns(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", FormatColumns(nil))
	assert.Equal(t, "a:String", FormatColumns([]warehouse.Column{{Name: "a", Type: "String"}}))
}
