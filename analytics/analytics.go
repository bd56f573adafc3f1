// Package analytics implements C9: a lossy, batched sink for request and
// rate-limit counters, grounded on observability.MetricsManager's
// buffered batch-flush shape (spec §4.9) but keyed into one-minute
// buckets instead of raw timestamped rows.
package analytics

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Kind tags the four AnalyticsEvent variants from spec §4.9.
type Kind int

const (
	RateLimitGlobalHit Kind = iota
	RateLimitDsnHit
	RateLimitSubnetHit
	RequestLatency
)

// Event is the tagged union sent on the sink's channel. Only the fields
// relevant to Kind are read.
type Event struct {
	Kind      Kind
	DSN       string
	ProjectID *int64
	Subnet    string
	Endpoint  string
	Ms        int64
	At        time.Time
}

type latencyAgg struct {
	totalMs      int64
	minMs        int64
	maxMs        int64
	requestCount int64
}

// Sink batches Events into one-minute buckets in memory and flushes them
// to bucket_request / bucket_latency on a timer. Sends never block the
// caller — a full channel drops the event (spec §4.9).
type Sink struct {
	db            *sql.DB
	events        chan Event
	flushInterval time.Duration
	retention     time.Duration

	mu       sync.Mutex
	requests map[string]map[int64]int64
	latency  map[string]map[int64]*latencyAgg
}

// NewSink builds a Sink. bufferSize is the channel capacity (default
// 20000 — spec §6 ANALYTICS_BUFFER_SIZE); flushInterval and retention come
// from ANALYTICS_FLUSH_INTERVAL_SECS and ANALYTICS_RETENTION_DAYS.
func NewSink(db *sql.DB, bufferSize int, flushInterval, retention time.Duration) *Sink {
	if bufferSize <= 0 {
		bufferSize = 20_000
	}
	return &Sink{
		db:            db,
		events:        make(chan Event, bufferSize),
		flushInterval: flushInterval,
		retention:     retention,
		requests:      make(map[string]map[int64]int64),
		latency:       make(map[string]map[int64]*latencyAgg),
	}
}

// Send enqueues an event without blocking. If the channel is full the
// event is dropped — analytics is explicitly lossy (spec §4.9).
func (s *Sink) Send(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case s.events <- ev:
	default:
	}
}

// Run drives the flush and retention loop until ctx is cancelled. It is
// meant to be started once as a long-lived goroutine, mirroring the
// teacher's HeartbeatWriter loop shape.
func (s *Sink) Run(ctx context.Context) error {
	flushTick := time.NewTicker(s.flushInterval)
	defer flushTick.Stop()
	retentionTick := time.NewTicker(24 * time.Hour)
	defer retentionTick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			return ctx.Err()
		case ev := <-s.events:
			s.accumulate(ev)
		case <-flushTick.C:
			s.flush(ctx)
		case <-retentionTick.C:
			if err := s.Sweep(ctx, time.Now()); err != nil {
				slog.Warn("analytics: retention sweep failed", "error", err)
			}
		}
	}
}

func bucketStart(t time.Time) int64 {
	return t.Unix() - t.Unix()%60
}

func (s *Sink) accumulate(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bs := bucketStart(ev.At)

	switch ev.Kind {
	case RateLimitGlobalHit:
		s.bumpRequest("global", bs)
	case RateLimitDsnHit:
		key := "dsn:" + ev.DSN
		if ev.ProjectID != nil {
			key = "project:" + strconv.FormatInt(*ev.ProjectID, 10)
		}
		s.bumpRequest(key, bs)
	case RateLimitSubnetHit:
		s.bumpRequest("subnet:"+ev.Subnet, bs)
	case RequestLatency:
		s.bumpLatency(ev.Endpoint, bs, ev.Ms)
	}
}

func (s *Sink) bumpRequest(key string, bs int64) {
	byBucket, ok := s.requests[key]
	if !ok {
		byBucket = make(map[int64]int64)
		s.requests[key] = byBucket
	}
	byBucket[bs]++
}

func (s *Sink) bumpLatency(endpoint string, bs, ms int64) {
	byBucket, ok := s.latency[endpoint]
	if !ok {
		byBucket = make(map[int64]*latencyAgg)
		s.latency[endpoint] = byBucket
	}
	agg, ok := byBucket[bs]
	if !ok {
		agg = &latencyAgg{minMs: ms, maxMs: ms}
		byBucket[bs] = agg
	}
	agg.totalMs += ms
	agg.requestCount++
	if ms < agg.minMs {
		agg.minMs = ms
	}
	if ms > agg.maxMs {
		agg.maxMs = ms
	}
}

// flush drains the in-memory buckets into the database. A failed flush
// drops the batch rather than retrying — spec §3: "lossy: if flush fails,
// counters are dropped, never retried indefinitely."
func (s *Sink) flush(ctx context.Context) {
	s.mu.Lock()
	requests := s.requests
	latency := s.latency
	s.requests = make(map[string]map[int64]int64)
	s.latency = make(map[string]map[int64]*latencyAgg)
	s.mu.Unlock()

	if len(requests) == 0 && len(latency) == 0 {
		return
	}

	if err := s.flushRequests(ctx, requests); err != nil {
		slog.Warn("analytics: flush requests dropped", "error", err)
	}
	if err := s.flushLatency(ctx, latency); err != nil {
		slog.Warn("analytics: flush latency dropped", "error", err)
	}
}

func (s *Sink) flushRequests(ctx context.Context, requests map[string]map[int64]int64) error {
	if len(requests) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "analytics: begin request flush")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bucket_request (key, bucket_start, hit_count) VALUES (?, ?, ?)
		ON CONFLICT(key, bucket_start) DO UPDATE SET hit_count = hit_count + excluded.hit_count`)
	if err != nil {
		return errors.Wrap(err, "analytics: prepare request flush")
	}
	defer stmt.Close()

	for key, byBucket := range requests {
		for bs, count := range byBucket {
			if _, err := stmt.ExecContext(ctx, key, bs, count); err != nil {
				return errors.Wrap(err, "analytics: insert request bucket")
			}
		}
	}
	return errors.Wrap(tx.Commit(), "analytics: commit request flush")
}

func (s *Sink) flushLatency(ctx context.Context, latency map[string]map[int64]*latencyAgg) error {
	if len(latency) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "analytics: begin latency flush")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bucket_latency (endpoint, bucket_start, total_ms, min_ms, max_ms, request_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint, bucket_start) DO UPDATE SET
			total_ms      = total_ms + excluded.total_ms,
			min_ms        = MIN(min_ms, excluded.min_ms),
			max_ms        = MAX(max_ms, excluded.max_ms),
			request_count = request_count + excluded.request_count`)
	if err != nil {
		return errors.Wrap(err, "analytics: prepare latency flush")
	}
	defer stmt.Close()

	for endpoint, byBucket := range latency {
		for bs, agg := range byBucket {
			if _, err := stmt.ExecContext(ctx, endpoint, bs, agg.totalMs, agg.minMs, agg.maxMs, agg.requestCount); err != nil {
				return errors.Wrap(err, "analytics: insert latency bucket")
			}
		}
	}
	return errors.Wrap(tx.Commit(), "analytics: commit latency flush")
}

// Sweep deletes bucket rows older than the configured retention, run once
// per day (spec §4.9).
func (s *Sink) Sweep(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.retention).Unix()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bucket_request WHERE bucket_start < ?`, cutoff); err != nil {
		return errors.Wrap(err, "analytics: sweep bucket_request")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bucket_latency WHERE bucket_start < ?`, cutoff); err != nil {
		return errors.Wrap(err, "analytics: sweep bucket_latency")
	}
	return nil
}

// Flush exposes the flush step for tests and for a clean shutdown path
// outside Run's ctx.Done branch.
func (s *Sink) Flush(ctx context.Context) {
	s.flush(ctx)
}
