// Package shield provides reusable HTTP middleware for faultline's ingest
// server: security headers, body limits, request tracing, and HEAD-to-GET
// normalization. Rate limiting and project cache invalidation live in their
// own packages since they need state (token buckets, LRU caches) that this
// package stays free of.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultIngestStack(maxBodyBytes) {
//		r.Use(mw)
//	}
package shield

import "net/http"

type contextKey string

// LoggerKey is the context key for the per-request structured logger set by
// TraceID.
const LoggerKey contextKey = "shield_logger"

// DefaultIngestStack returns the standard middleware order for an ingest
// endpoint: HeadToGet → SecurityHeaders → MaxBody → TraceID. Rate limiting
// runs inside the handler itself, after DSN resolution, since which tier
// applies depends on the authenticated project id.
func DefaultIngestStack(maxBodyBytes int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBodyBytes),
		TraceID,
	}
}
