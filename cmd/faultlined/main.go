// Command faultlined is the ingest server: it serves the store and
// envelope endpoints, runs the digest worker, and flushes analytics in the
// background, all off one SQLite file. Structured the way the teacher's
// cmd/chrc/main.go wires router, background workers, and graceful shutdown
// around a single database handle.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/faultline/analytics"
	"github.com/hazyhaar/faultline/codec"
	"github.com/hazyhaar/faultline/config"
	"github.com/hazyhaar/faultline/dbopen"
	"github.com/hazyhaar/faultline/digest"
	"github.com/hazyhaar/faultline/ingest"
	"github.com/hazyhaar/faultline/observability"
	"github.com/hazyhaar/faultline/projectcache"
	"github.com/hazyhaar/faultline/ratelimit"
	"github.com/hazyhaar/faultline/shield"
	"github.com/hazyhaar/faultline/store"
	"github.com/hazyhaar/faultline/trace"
)

func main() {
	cfg := config.Load()

	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	cfg.LogStartup(logger)

	tracePath := strings.TrimSuffix(cfg.DatabaseURL, ".db") + ".traces.db"
	if err := os.MkdirAll(filepath.Dir(tracePath), 0o755); err != nil {
		logger.Error("create trace db dir", "error", err)
		os.Exit(1)
	}
	traceDB, err := sql.Open("sqlite", tracePath)
	if err != nil {
		logger.Error("open trace db", "error", err)
		os.Exit(1)
	}
	defer traceDB.Close()
	traceStore := trace.NewStore(traceDB)
	if err := traceStore.Init(); err != nil {
		logger.Error("init trace db", "error", err)
		os.Exit(1)
	}
	defer traceStore.Close()
	trace.SetStore(traceStore)

	s, err := store.Open(cfg.DatabaseURL, dbopen.WithMkdirAll())
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer s.Close()
	s.DB().SetMaxOpenConns(cfg.DatabasePoolSize)

	limiter, err := ratelimit.New(ratelimit.Config{
		Global:  ratelimit.NewRate(cfg.RateLimitGlobalPerSec, cfg.RateLimitBurstMult),
		Subnet:  ratelimit.NewRate(cfg.RateLimitSubnetPerSec, cfg.RateLimitBurstMult),
		Project: ratelimit.NewRate(cfg.RateLimitProjectPerSec, cfg.RateLimitBurstMult),
	})
	if err != nil {
		logger.Error("build rate limiter", "error", err)
		os.Exit(1)
	}

	cache, err := projectcache.New(s, 60*time.Second, 0)
	if err != nil {
		logger.Error("build project cache", "error", err)
		os.Exit(1)
	}

	sink := analytics.NewSink(s.DB(), cfg.AnalyticsBufferSize, cfg.AnalyticsFlushInterval, time.Duration(cfg.AnalyticsRetentionDays)*24*time.Hour)

	sem := codec.NewSemaphore(cfg.MaxConcurrentCompress)

	handler := ingest.New(s, cache, limiter, sem, ingest.Limits{
		MaxCompressedBytes:   cfg.MaxCompressedPayloadBytes,
		MaxUncompressedBytes: cfg.MaxUncompressedPayloadBytes,
	}, sink)

	worker := digest.New(s, digest.Config{
		Interval:             cfg.WorkerInterval,
		BatchSize:            cfg.WorkerReportsBatch,
		MaxUncompressedBytes: cfg.MaxUncompressedPayloadBytes,
		HeartbeatInterval:    15 * time.Second,
	})

	if err := observability.Init(s.DB()); err != nil {
		logger.Error("init observability schema", "error", err)
		os.Exit(1)
	}
	metrics := observability.NewMetricsManager(s.DB(), 256, 30*time.Second)
	defer metrics.Close()
	events := observability.NewEventLogger(s.DB())
	events.LogEvent(context.Background(), observability.BusinessEvent{
		EventType: "lifecycle", ServiceName: "faultlined", Action: "start", Success: true,
	})

	health := newHealthRefresher(s, 60*time.Second, metrics)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	for _, mw := range shield.DefaultIngestStack(cfg.MaxCompressedPayloadBytes + cfg.MaxUncompressedPayloadBytes) {
		router.Use(mw)
	}

	handler.Mount(router)
	router.Get("/health", health.ServeHTTP)

	srv := &http.Server{
		Addr:              cfg.Host + ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); worker.Run(ctx) }()
	go func() { defer wg.Done(); _ = sink.Run(ctx) }()
	go func() { defer wg.Done(); health.Run(ctx) }()

	go func() {
		logger.Info("faultlined listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	wg.Wait()
	sink.Flush(context.Background())
	events.LogEvent(context.Background(), observability.BusinessEvent{
		EventType: "lifecycle", ServiceName: "faultlined", Action: "stop", Success: true,
	})
}

// healthRefresher caches the counts spec §6's /health endpoint reports,
// refreshed on a timer so a request never blocks on a live COUNT(*) query
// against a database the digest worker may be holding busy.
type healthRefresher struct {
	store   *store.Store
	every   time.Duration
	metrics *observability.MetricsManager

	ready int32
	mu    sync.RWMutex
	stats healthStats
}

type healthStats struct {
	Archives int64 `json:"archives"`
	Reports  int64 `json:"reports"`
	Issues   int64 `json:"issues"`
	Queued   int64 `json:"queued"`
	Errored  int64 `json:"errored"`
}

func newHealthRefresher(s *store.Store, every time.Duration, metrics *observability.MetricsManager) *healthRefresher {
	return &healthRefresher{store: s, every: every, metrics: metrics}
}

func (h *healthRefresher) Run(ctx context.Context) {
	h.refresh(ctx)
	t := time.NewTicker(h.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.refresh(ctx)
		}
	}
}

func (h *healthRefresher) refresh(ctx context.Context) {
	archives, reports, issues, err := h.store.Counts(ctx)
	if err != nil {
		slog.Warn("health: refresh counts failed", "error", err)
		return
	}
	queued, errored, err := h.store.QueueCounts(ctx)
	if err != nil {
		slog.Warn("health: refresh queue counts failed", "error", err)
		return
	}
	h.mu.Lock()
	h.stats = healthStats{Archives: archives, Reports: reports, Issues: issues, Queued: queued, Errored: errored}
	h.mu.Unlock()
	atomic.StoreInt32(&h.ready, 1)

	h.metrics.RecordSimple("faultline_archives_total", float64(archives), "count")
	h.metrics.RecordSimple("faultline_reports_total", float64(reports), "count")
	h.metrics.RecordSimple("faultline_issues_total", float64(issues), "count")
	h.metrics.RecordSimple("faultline_queue_depth", float64(queued), "count")
	h.metrics.RecordSimple("faultline_queue_error_depth", float64(errored), "count")
}

func (h *healthRefresher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&h.ready) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"starting"}`))
		return
	}
	h.mu.RLock()
	stats := h.stats
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok","archives":` + strconv.FormatInt(stats.Archives, 10) +
		`,"reports":` + strconv.FormatInt(stats.Reports, 10) +
		`,"issues":` + strconv.FormatInt(stats.Issues, 10) +
		`,"queued":` + strconv.FormatInt(stats.Queued, 10) +
		`,"errored":` + strconv.FormatInt(stats.Errored, 10) + `}`))
}
