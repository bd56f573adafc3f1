// Package ingest implements C6: the fast ingest path for
// /api/{project_id}/store/ and /api/{project_id}/envelope/ (spec §4.6).
// DSN auth, rate limiting, codec normalization, and the archive+queue write
// all share one request-scoped context, the way the teacher's chi-routed
// handlers in cmd/chrc/main.go do through the whole chain. The request does
// not hold one database connection throughout: each store call takes its own
// connection from the *sql.DB pool.
package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/hazyhaar/faultline/analytics"
	"github.com/hazyhaar/faultline/codec"
	"github.com/hazyhaar/faultline/ratelimit"
	"github.com/hazyhaar/faultline/store"
)

// Store is the subset of *store.Store the ingest path needs.
type Store interface {
	InsertArchiveIfAbsent(ctx context.Context, hash string, projectID int64, compressed []byte, originalSize *int64) (store.InsertResult, error)
	Enqueue(ctx context.Context, archiveHash string) error
}

// ProjectResolver is satisfied by *projectcache.Cache; ingest only needs the
// Resolve method, so it depends on this narrow interface rather than the
// concrete cache type.
type ProjectResolver interface {
	Resolve(ctx context.Context, publicKey string) (int64, error)
}

// Limits are the size caps from spec §6.
type Limits struct {
	MaxCompressedBytes   int64
	MaxUncompressedBytes int64
}

// Handler wires C6's operations together behind chi routes.
type Handler struct {
	store     Store
	projects  ProjectResolver
	limiter   *ratelimit.Limiter
	semaphore codec.Semaphore
	limits    Limits
	sink      *analytics.Sink
	log       *slog.Logger
}

// New builds a Handler. sink may be nil, in which case analytics events are
// dropped silently (the sink itself is optional ambient infrastructure, not
// part of the ingest contract).
func New(s Store, projects ProjectResolver, limiter *ratelimit.Limiter, sem codec.Semaphore, limits Limits, sink *analytics.Sink) *Handler {
	return &Handler{
		store:     s,
		projects:  projects,
		limiter:   limiter,
		semaphore: sem,
		limits:    limits,
		sink:      sink,
		log:       slog.Default().With("component", "ingest"),
	}
}

// Mount registers the ingest routes on r (spec §6).
func (h *Handler) Mount(r chi.Router) {
	r.Post("/api/{project_id}/store/", h.handleStore)
	r.Post("/api/{project_id}/envelope/", h.handleEnvelope)
}

func (h *Handler) handleStore(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "store")
}

func (h *Handler) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "envelope")
}

// handle implements the shared contract for both endpoints (spec §4.6
// steps 1-10): the wire shape (store vs envelope JSON) is opaque to ingest —
// only the digest worker needs to tell them apart.
func (h *Handler) handle(w http.ResponseWriter, r *http.Request, endpoint string) {
	start := time.Now()
	defer func() {
		h.sendAnalytics(analytics.Event{
			Kind:     analytics.RequestLatency,
			Endpoint: endpoint,
			Ms:       time.Since(start).Milliseconds(),
		})
	}()

	ctx := r.Context()

	projectID, err := strconv.ParseInt(chi.URLParam(r, "project_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("ingest: invalid project_id"))
		return
	}

	publicKey := extractPublicKey(r)
	if publicKey == "" {
		writeError(w, http.StatusUnauthorized, errors.New("ingest: missing sentry_key"))
		return
	}

	resolvedID, err := h.projects.Resolve(ctx, publicKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, errors.New("ingest: unknown dsn"))
			return
		}
		writeError(w, http.StatusServiceUnavailable, errors.Wrap(err, "ingest: resolve project"))
		return
	}
	if resolvedID != projectID {
		// A key valid for a different project must not authorize this one
		// (spec §7 NotFound: "unknown (project_id, public_key) pair").
		writeError(w, http.StatusUnauthorized, errors.New("ingest: dsn does not match project"))
		return
	}

	switch h.limiter.Allow(remoteSubnetIP(r), projectID) {
	case ratelimit.RejectedGlobal:
		h.sendAnalytics(analytics.Event{Kind: analytics.RateLimitGlobalHit})
		writeError(w, http.StatusTooManyRequests, errors.New("ingest: rate limited"))
		return
	case ratelimit.RejectedSubnet:
		h.sendAnalytics(analytics.Event{Kind: analytics.RateLimitSubnetHit, Subnet: ratelimit.SubnetKey(remoteSubnetIP(r))})
		writeError(w, http.StatusTooManyRequests, errors.New("ingest: rate limited"))
		return
	case ratelimit.RejectedProject:
		pid := projectID
		h.sendAnalytics(analytics.Event{Kind: analytics.RateLimitDsnHit, DSN: publicKey, ProjectID: &pid})
		writeError(w, http.StatusTooManyRequests, errors.New("ingest: rate limited"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.limits.MaxUncompressedBytes+1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.Wrap(err, "ingest: read body"))
		return
	}

	var compressed []byte
	var originalSize *int64

	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		if int64(len(body)) > h.limits.MaxCompressedBytes {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("ingest: compressed payload too large"))
			return
		}
		compressed = body
	} else {
		if int64(len(body)) > h.limits.MaxUncompressedBytes {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("ingest: uncompressed payload too large"))
			return
		}
		h.semaphore.Acquire()
		compressed, err = codec.Compress(body, h.limits.MaxCompressedBytes)
		h.semaphore.Release()
		if err != nil {
			if errors.Is(err, codec.ErrOversize) {
				writeError(w, http.StatusRequestEntityTooLarge, err)
			} else {
				writeError(w, http.StatusUnprocessableEntity, err)
			}
			return
		}
		size := int64(len(body))
		originalSize = &size
	}

	hash := codec.Hash(compressed)

	result, err := h.store.InsertArchiveIfAbsent(ctx, hash, projectID, compressed, originalSize)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, errors.Wrap(err, "ingest: insert archive"))
		return
	}
	if result == store.Inserted {
		if err := h.store.Enqueue(ctx, hash); err != nil {
			writeError(w, http.StatusServiceUnavailable, errors.Wrap(err, "ingest: enqueue"))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": hash})
}

func (h *Handler) sendAnalytics(ev analytics.Event) {
	if h.sink == nil {
		return
	}
	h.sink.Send(ev)
}

// extractPublicKey reads sentry_key from X-Sentry-Auth ("Sentry
// sentry_version=7, sentry_key=..., ...") or the query string (spec §4.6
// step 2).
func extractPublicKey(r *http.Request) string {
	if auth := r.Header.Get("X-Sentry-Auth"); auth != "" {
		for _, part := range strings.Split(auth, ",") {
			part = strings.TrimSpace(part)
			part = strings.TrimPrefix(part, "Sentry ")
			if k, v, ok := strings.Cut(part, "="); ok && strings.TrimSpace(k) == "sentry_key" {
				return strings.TrimSpace(v)
			}
		}
	}
	return r.URL.Query().Get("sentry_key")
}

// remoteSubnetIP extracts the caller's IP for SubnetKey, stripping any port.
func remoteSubnetIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
