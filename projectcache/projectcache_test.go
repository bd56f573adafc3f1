package projectcache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/faultline/projectcache"
	"github.com/hazyhaar/faultline/store"
)

type countingResolver struct {
	calls int64
	id    int64
	err   error
}

func (r *countingResolver) ResolveProjectByKey(ctx context.Context, publicKey string) (int64, error) {
	atomic.AddInt64(&r.calls, 1)
	return r.id, r.err
}

func TestResolveCachesHit(t *testing.T) {
	r := &countingResolver{id: 42}
	c, err := projectcache.New(r, time.Minute, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 5; i++ {
		id, err := c.Resolve(context.Background(), "k1")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if id != 42 {
			t.Fatalf("id = %d, want 42", id)
		}
	}
	if atomic.LoadInt64(&r.calls) != 1 {
		t.Fatalf("backing calls = %d, want 1", r.calls)
	}
}

func TestResolveCachesNegative(t *testing.T) {
	r := &countingResolver{err: store.ErrNotFound}
	c, err := projectcache.New(r, time.Minute, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		_, err := c.Resolve(context.Background(), "missing")
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	}
	if atomic.LoadInt64(&r.calls) != 1 {
		t.Fatalf("backing calls = %d, want 1", r.calls)
	}
}

func TestResolveDoesNotCacheTransientError(t *testing.T) {
	boom := errors.New("db unavailable")
	r := &countingResolver{err: boom}
	c, err := projectcache.New(r, time.Minute, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		_, err := c.Resolve(context.Background(), "k1")
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want boom", err)
		}
	}
	if atomic.LoadInt64(&r.calls) != 3 {
		t.Fatalf("backing calls = %d, want 3 (not cached)", r.calls)
	}
}

func TestResolveExpiresAfterTTL(t *testing.T) {
	r := &countingResolver{id: 1}
	c, err := projectcache.New(r, 10*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Resolve(context.Background(), "k1")
	time.Sleep(30 * time.Millisecond)
	c.Resolve(context.Background(), "k1")
	if atomic.LoadInt64(&r.calls) != 2 {
		t.Fatalf("backing calls = %d, want 2 after expiry", r.calls)
	}
}

func TestResolveCoalescesConcurrentMisses(t *testing.T) {
	r := &countingResolver{id: 7}
	c, err := projectcache.New(r, time.Minute, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Resolve(context.Background(), "k1")
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&r.calls) != 1 {
		t.Fatalf("backing calls = %d, want 1 (coalesced)", r.calls)
	}
}
