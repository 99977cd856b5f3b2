package runlog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAskData_Runlog_RecentNewestFirstAndBounded(t *testing.T) {
	t.Parallel()

	s := NewSink(3, clockwork.NewFakeClock())
	for i := 0; i < 5; i++ {
		s.Record(Record{RequestID: fmt.Sprintf("r%d", i), Success: true})
	}

	assert.Equal(t, 3, s.Len())
	recent := s.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, "r4", recent[0].RequestID)
	assert.Equal(t, "r3", recent[1].RequestID)
	assert.Equal(t, "r2", recent[2].RequestID)

	assert.Len(t, s.Recent(2), 2)
	assert.Len(t, s.Recent(0), 3)
}

func TestAskData_Runlog_StampsTimestamp(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	s := NewSink(10, clock)
	s.Record(Record{RequestID: "a"})
	fixed := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Record(Record{RequestID: "b", Timestamp: fixed})

	recent := s.Recent(2)
	assert.Equal(t, fixed, recent[0].Timestamp)
	assert.Equal(t, clock.Now().UTC(), recent[1].Timestamp)
}

func TestAskData_Runlog_Summary(t *testing.T) {
	t.Parallel()

	s := NewSink(10, nil)
	assert.Equal(t, Summary{}, s.Summary())

	s.Record(Record{Success: true, TotalTimeMs: 100})
	s.Record(Record{Success: true, TotalTimeMs: 300})
	s.Record(Record{Success: false, TotalTimeMs: 5000, Error: "boom"})
	s.Record(Record{Success: true, TotalTimeMs: 200})

	sum := s.Summary()
	assert.Equal(t, 4, sum.TotalRequests)
	assert.Equal(t, 3, sum.Successful)
	assert.Equal(t, 1, sum.Failed)
	assert.InDelta(t, 75.0, sum.SuccessRate, 1e-9)
	assert.InDelta(t, 200.0, sum.AvgResponseMs, 1e-9)
	assert.Equal(t, 100.0, sum.MinResponseMs)
	assert.Equal(t, 300.0, sum.MaxResponseMs)
}

func TestAskData_Runlog_SummaryOverRetainedOnly(t *testing.T) {
	t.Parallel()

	s := NewSink(2, nil)
	s.Record(Record{Success: false})
	s.Record(Record{Success: true, TotalTimeMs: 10})
	s.Record(Record{Success: true, TotalTimeMs: 20})

	sum := s.Summary()
	assert.Equal(t, 2, sum.TotalRequests)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 100.0, sum.SuccessRate)
}

func TestAskData_Runlog_Clear(t *testing.T) {
	t.Parallel()

	s := NewSink(2, nil)
	s.Record(Record{RequestID: "a"})
	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Recent(5))
	assert.Equal(t, 2, s.Cap())
}

func TestAskData_Runlog_ConcurrentRecord(t *testing.T) {
	t.Parallel()

	s := NewSink(50, nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Record(Record{Success: i%2 == 0, TotalTimeMs: 1})
				_ = s.Summary()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, s.Len())
	assert.Equal(t, 50, s.Summary().TotalRequests)
}
