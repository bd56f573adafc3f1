package ingest_test

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/faultline/codec"
	"github.com/hazyhaar/faultline/dbopen"
	"github.com/hazyhaar/faultline/ingest"
	"github.com/hazyhaar/faultline/projectcache"
	"github.com/hazyhaar/faultline/ratelimit"
	"github.com/hazyhaar/faultline/store"
)

func newServer(t *testing.T, limits ingest.Limits, rl ratelimit.Config) (*httptest.Server, *store.Store, int64) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	s, err := store.New(db)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	projectID, err := s.CreateProject(t.Context(), "demo", "key-1")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	cache, err := projectcache.New(s, 0, 0)
	if err != nil {
		t.Fatalf("projectcache.New: %v", err)
	}
	limiter, err := ratelimit.New(rl)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	sem := codec.NewSemaphore(4)

	h := ingest.New(s, cache, limiter, sem, limits, nil)

	r := chi.NewRouter()
	h.Mount(r)
	return httptest.NewServer(r), s, projectID
}

func defaultLimits() ingest.Limits {
	return ingest.Limits{MaxCompressedBytes: 1 << 20, MaxUncompressedBytes: 1 << 20}
}

func postStore(t *testing.T, srv *httptest.Server, projectID int64, publicKey string, body []byte, gzipped bool) *http.Response {
	t.Helper()
	url := srv.URL + "/api/" + strconv.FormatInt(projectID, 10) + "/store/?sentry_key=" + publicKey
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestIngestStoreDeduplicatesSameArchive(t *testing.T) {
	srv, s, projectID := newServer(t, defaultLimits(), ratelimit.Config{})
	defer srv.Close()

	body := []byte(`{"event_id":"abc123"}`)

	resp1 := postStore(t, srv, projectID, "key-1", body, false)
	defer resp1.Body.Close()
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first ingest status = %d, want 200", resp1.StatusCode)
	}

	resp2 := postStore(t, srv, projectID, "key-1", body, false)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("second ingest status = %d, want 200", resp2.StatusCode)
	}

	var body1, body2 map[string]string
	json.NewDecoder(resp1.Body).Decode(&body1)
	json.NewDecoder(resp2.Body).Decode(&body2)
	if body1["id"] != body2["id"] {
		t.Fatalf("identical payloads produced different hashes: %q vs %q", body1["id"], body2["id"])
	}

	archives, _, _, err := s.Counts(t.Context())
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if archives != 1 {
		t.Fatalf("archives = %d, want 1 (dedup)", archives)
	}

	queued, _, err := s.QueueCounts(t.Context())
	if err != nil {
		t.Fatalf("QueueCounts: %v", err)
	}
	if queued != 1 {
		t.Fatalf("queued = %d, want 1 (only the first insert enqueues)", queued)
	}
}

func TestIngestRejectsOversizeUncompressedPayload(t *testing.T) {
	limits := ingest.Limits{MaxCompressedBytes: 1 << 20, MaxUncompressedBytes: 10}
	srv, _, projectID := newServer(t, limits, ratelimit.Config{})
	defer srv.Close()

	resp := postStore(t, srv, projectID, "key-1", bytes.Repeat([]byte("a"), 1000), false)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func TestIngestRejectsUnknownDSN(t *testing.T) {
	srv, _, projectID := newServer(t, defaultLimits(), ratelimit.Config{})
	defer srv.Close()

	resp := postStore(t, srv, projectID, "no-such-key", []byte(`{}`), false)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestIngestEnforcesGlobalRateLimit(t *testing.T) {
	rl := ratelimit.Config{Global: ratelimit.NewRate(1, 1)}
	srv, _, projectID := newServer(t, defaultLimits(), rl)
	defer srv.Close()

	resp1 := postStore(t, srv, projectID, "key-1", []byte(`{"a":1}`), false)
	resp1.Body.Close()
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp1.StatusCode)
	}

	resp2 := postStore(t, srv, projectID, "key-1", []byte(`{"a":2}`), false)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", resp2.StatusCode)
	}
}

func TestIngestAcceptsGzipEncodedBody(t *testing.T) {
	srv, _, projectID := newServer(t, defaultLimits(), ratelimit.Config{})
	defer srv.Close()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(`{"event_id":"gz1"}`))
	zw.Close()

	resp := postStore(t, srv, projectID, "key-1", buf.Bytes(), true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
