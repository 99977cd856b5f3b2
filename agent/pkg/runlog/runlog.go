// Package runlog keeps a bounded in-memory history of pipeline runs.
package runlog

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const DefaultMaxRecords = 1000

type Step struct {
	Name       string  `json:"name"`
	DurationMs float64 `json:"duration_ms"`
	Success    bool    `json:"success"`
	Error      string  `json:"error,omitempty"`
}

// Record summarizes one finished run.
type Record struct {
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id"`
	Question       string    `json:"question"`
	Strategy       string    `json:"strategy,omitempty"`
	Steps          []Step    `json:"steps"`
	TotalTimeMs    float64   `json:"total_time_ms"`
	SQL            string    `json:"sql_generated,omitempty"`
	RowsReturned   *int      `json:"rows_returned,omitempty"`
	TokensUsed     *int64    `json:"tokens_used,omitempty"`
	ModelUsed      string    `json:"model_used,omitempty"`
	BytesProcessed *uint64   `json:"bytes_processed,omitempty"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
}

// Summary aggregates the retained records. Latencies cover successful runs
// only.
type Summary struct {
	TotalRequests int     `json:"total_requests"`
	Successful    int     `json:"successful"`
	Failed        int     `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
	AvgResponseMs float64 `json:"avg_response_time_ms"`
	MinResponseMs float64 `json:"min_response_time_ms"`
	MaxResponseMs float64 `json:"max_response_time_ms"`
}

// Sink is a fixed-size ring of records. When full, the oldest record is
// overwritten.
type Sink struct {
	mu    sync.Mutex
	clock clockwork.Clock
	buf   []Record
	next  int
	count int
}

func NewSink(max int, clock clockwork.Clock) *Sink {
	if max < 1 {
		max = DefaultMaxRecords
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sink{clock: clock, buf: make([]Record, max)}
}

// Record appends rec, stamping it with the current time if unset.
func (s *Sink) Record(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = rec
	s.next = (s.next + 1) % len(s.buf)
	if s.count < len(s.buf) {
		s.count++
	}
}

// Recent returns up to n records, newest first. n <= 0 returns all.
func (s *Sink) Recent(n int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > s.count {
		n = s.count
	}
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		idx := (s.next - i + len(s.buf)) % len(s.buf)
		out = append(out, s.buf[idx])
	}
	return out
}

func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Sink) Cap() int {
	return len(s.buf)
}

func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.buf)
	s.next = 0
	s.count = 0
}

func (s *Sink) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum Summary
	if s.count == 0 {
		return sum
	}
	sum.TotalRequests = s.count

	var total float64
	latencies := 0
	for i := 0; i < s.count; i++ {
		rec := s.buf[(s.next-1-i+len(s.buf))%len(s.buf)]
		if !rec.Success {
			sum.Failed++
			continue
		}
		sum.Successful++
		if rec.TotalTimeMs <= 0 {
			continue
		}
		if latencies == 0 || rec.TotalTimeMs < sum.MinResponseMs {
			sum.MinResponseMs = rec.TotalTimeMs
		}
		if rec.TotalTimeMs > sum.MaxResponseMs {
			sum.MaxResponseMs = rec.TotalTimeMs
		}
		total += rec.TotalTimeMs
		latencies++
	}
	sum.SuccessRate = float64(sum.Successful) / float64(sum.TotalRequests) * 100
	if latencies > 0 {
		sum.AvgResponseMs = total / float64(latencies)
	}
	return sum
}
