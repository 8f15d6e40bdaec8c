package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/querybridge/querybridge/core/logging"
)

// ExecutionRecord is the append-only log entry written after every
// execution attempt, success or failure.
type ExecutionRecord struct {
	QueryID         string    `json:"queryId" bson:"queryId"`
	ExecutedAt      time.Time `json:"executedAt" bson:"executedAt"`
	ExecutionTimeMs int64     `json:"executionTimeMs" bson:"executionTimeMs"`
	RowCount        int       `json:"rowCount" bson:"rowCount"`
	Cached          bool      `json:"cached" bson:"cached"`
	Success         bool      `json:"success" bson:"success"`
	ErrorCode       string    `json:"errorCode,omitempty" bson:"errorCode,omitempty"`
}

// HistorySink is the durable destination for execution records
type HistorySink interface {
	Write(ctx context.Context, record ExecutionRecord) error
	Close(ctx context.Context) error
}

// QueryStatistics aggregates execution history over a window
type QueryStatistics struct {
	QueryID              string  `json:"queryId,omitempty"`
	WindowHours          int     `json:"windowHours"`
	ExecutionCount       int     `json:"executionCount"`
	AverageExecutionTime float64 `json:"averageExecutionTime"`
	CacheHitRate         float64 `json:"cacheHitRate"`
	ErrorRate            float64 `json:"errorRate"`
	P95ExecutionTime     int64   `json:"p95ExecutionTime"`
	P99ExecutionTime     int64   `json:"p99ExecutionTime"`
}

// QueryMetrics aggregates process-wide totals
type QueryMetrics struct {
	TotalQueries      int64   `json:"totalQueries"`
	ActiveQueries     int64   `json:"activeQueries"`
	CacheSize         int     `json:"cacheSize"`
	ThroughputPerMin  float64 `json:"throughputPerMinute"`
	DroppedRecords    int64   `json:"droppedRecords"`
	HistoryBufferSize int     `json:"historyBufferSize"`
}

const (
	defaultHistoryBuffer = 1024
	defaultRingCapacity  = 10000
)

// Recorder records execution history off the request path. Record never
// blocks: when the buffer is saturated the record is dropped and a counter
// incremented instead of applying backpressure.
type Recorder struct {
	buf     chan ExecutionRecord
	ring    *recordRing
	durable HistorySink

	totalQueries  atomic.Int64
	activeQueries atomic.Int64
	dropped       atomic.Int64

	// closeMu orders Record sends against Close closing the buffer, so an
	// execution settling during shutdown drops its record instead of
	// sending on a closed channel.
	closeMu sync.RWMutex
	closed  bool

	wg  sync.WaitGroup
	log *logging.Logger
}

// NewRecorder creates a recorder draining into the in-memory ring (always,
// it serves statistics) and the optional durable sink.
func NewRecorder(durable HistorySink) *Recorder {
	r := &Recorder{
		buf:     make(chan ExecutionRecord, defaultHistoryBuffer),
		ring:    newRecordRing(defaultRingCapacity),
		durable: durable,
		log:     logging.New("engine:history"),
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for record := range r.buf {
		r.ring.add(record)
		if r.durable != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.durable.Write(ctx, record); err != nil {
				// HISTORY_WRITE_ERROR is logged, never surfaced to callers.
				r.log.Warnf("durable history write failed: %v", err)
			}
			cancel()
		}
	}
}

// Record enqueues a record without blocking the caller. Records arriving
// after Close are counted as dropped.
func (r *Recorder) Record(record ExecutionRecord) {
	r.totalQueries.Add(1)
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.buf <- record:
	default:
		r.dropped.Add(1)
	}
}

// ExecutionStarted marks an execution in flight for the active gauge
func (r *Recorder) ExecutionStarted() { r.activeQueries.Add(1) }

// ExecutionFinished marks an execution settled
func (r *Recorder) ExecutionFinished() { r.activeQueries.Add(-1) }

// Close drains buffered records and closes the durable sink
func (r *Recorder) Close(ctx context.Context) error {
	r.closeMu.Lock()
	if !r.closed {
		r.closed = true
		close(r.buf)
	}
	r.closeMu.Unlock()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.durable != nil {
		return r.durable.Close(ctx)
	}
	return nil
}

// Statistics computes aggregates over the retained window. A zero queryID
// covers all queries; windowHours <= 0 means the whole retained history.
func (r *Recorder) Statistics(queryID string, windowHours int) QueryStatistics {
	records := r.ring.snapshot()

	var cutoff time.Time
	if windowHours > 0 {
		cutoff = time.Now().Add(-time.Duration(windowHours) * time.Hour)
	}

	var durations []int64
	var total, cached, failed int
	var sum int64
	for _, rec := range records {
		if queryID != "" && rec.QueryID != queryID {
			continue
		}
		if windowHours > 0 && rec.ExecutedAt.Before(cutoff) {
			continue
		}
		total++
		sum += rec.ExecutionTimeMs
		durations = append(durations, rec.ExecutionTimeMs)
		if rec.Cached {
			cached++
		}
		if !rec.Success {
			failed++
		}
	}

	stats := QueryStatistics{QueryID: queryID, WindowHours: windowHours, ExecutionCount: total}
	if total == 0 {
		return stats
	}
	stats.AverageExecutionTime = float64(sum) / float64(total)
	stats.CacheHitRate = float64(cached) / float64(total)
	stats.ErrorRate = float64(failed) / float64(total)

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	stats.P95ExecutionTime = percentile(durations, 0.95)
	stats.P99ExecutionTime = percentile(durations, 0.99)
	return stats
}

// Metrics returns process-wide totals; cache size is filled in by the engine
func (r *Recorder) Metrics() QueryMetrics {
	records := r.ring.snapshot()
	minuteAgo := time.Now().Add(-time.Minute)
	recent := 0
	for _, rec := range records {
		if rec.ExecutedAt.After(minuteAgo) {
			recent++
		}
	}
	return QueryMetrics{
		TotalQueries:      r.totalQueries.Load(),
		ActiveQueries:     r.activeQueries.Load(),
		ThroughputPerMin:  float64(recent),
		DroppedRecords:    r.dropped.Load(),
		HistoryBufferSize: len(r.buf),
	}
}

// Recent returns up to n most recent records, newest first
func (r *Recorder) Recent(n int) []ExecutionRecord {
	records := r.ring.snapshot()
	if n <= 0 || n > len(records) {
		n = len(records)
	}
	out := make([]ExecutionRecord, 0, n)
	for i := len(records) - 1; i >= len(records)-n; i-- {
		out = append(out, records[i])
	}
	return out
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// recordRing is a fixed-capacity append-only buffer of recent records
type recordRing struct {
	mu    sync.RWMutex
	items []ExecutionRecord
	next  int
	full  bool
}

func newRecordRing(capacity int) *recordRing {
	return &recordRing{items: make([]ExecutionRecord, capacity)}
}

func (r *recordRing) add(record ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.next] = record
	r.next++
	if r.next == len(r.items) {
		r.next = 0
		r.full = true
	}
}

// snapshot returns records oldest first
func (r *recordRing) snapshot() []ExecutionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		out := make([]ExecutionRecord, r.next)
		copy(out, r.items[:r.next])
		return out
	}
	out := make([]ExecutionRecord, 0, len(r.items))
	out = append(out, r.items[r.next:]...)
	out = append(out, r.items[:r.next]...)
	return out
}
