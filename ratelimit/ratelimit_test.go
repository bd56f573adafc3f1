package ratelimit_test

import (
	"testing"
	"time"

	"github.com/hazyhaar/faultline/ratelimit"
)

func TestAllowAdmitsWithinBurst(t *testing.T) {
	l, err := ratelimit.New(ratelimit.Config{
		Global: ratelimit.NewRate(10, 2),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	admitted := 0
	for i := 0; i < 30; i++ {
		if l.Allow("1.2.3.4", 1) == ratelimit.Admitted {
			admitted++
		}
	}
	// burst = ceil(2*10) = 20
	if admitted != 20 {
		t.Fatalf("admitted = %d, want 20", admitted)
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l, err := ratelimit.New(ratelimit.Config{Global: ratelimit.NewRate(100, 1)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 100; i++ {
		l.Allow("1.2.3.4", 1)
	}
	if l.Allow("1.2.3.4", 1) != ratelimit.RejectedGlobal {
		t.Fatal("expected bucket exhausted")
	}
	time.Sleep(20 * time.Millisecond)
	if l.Allow("1.2.3.4", 1) != ratelimit.Admitted {
		t.Fatal("expected refill to admit after waiting")
	}
}

func TestAllowDisabledGlobalNeverRejects(t *testing.T) {
	l, err := ratelimit.New(ratelimit.Config{
		Global:  ratelimit.NewRate(0, 1),
		Subnet:  ratelimit.NewRate(1000, 1),
		Project: ratelimit.NewRate(1000, 1),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.Allow("1.2.3.4", 1) != ratelimit.Admitted {
		t.Fatal("disabled global bucket should never reject")
	}
}

func TestAllowProjectTierIndependentPerProject(t *testing.T) {
	l, err := ratelimit.New(ratelimit.Config{Project: ratelimit.NewRate(1, 1)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.Allow("1.2.3.4", 1) != ratelimit.Admitted {
		t.Fatal("first request to project 1 should admit")
	}
	if l.Allow("1.2.3.4", 1) != ratelimit.RejectedProject {
		t.Fatal("second immediate request to project 1 should reject")
	}
	if l.Allow("1.2.3.4", 2) != ratelimit.Admitted {
		t.Fatal("project 2 has its own bucket and should admit")
	}
}

func TestSubnetKeyIPv4GroupsSameThirdOctet(t *testing.T) {
	a := ratelimit.SubnetKey("10.0.0.1")
	b := ratelimit.SubnetKey("10.0.0.250")
	if a != b {
		t.Fatalf("expected same /24 key, got %q and %q", a, b)
	}
	c := ratelimit.SubnetKey("10.0.1.1")
	if a == c {
		t.Fatalf("different /24 should not collide: %q", a)
	}
}

func TestSubnetKeyIPv6Groups48(t *testing.T) {
	a := ratelimit.SubnetKey("2001:db8:1234:5678::1")
	b := ratelimit.SubnetKey("2001:db8:1234:9999::2")
	if a != b {
		t.Fatalf("expected same /48 key, got %q and %q", a, b)
	}
}

func TestSubnetCacheBounded(t *testing.T) {
	l, err := ratelimit.New(ratelimit.Config{
		Subnet:          ratelimit.NewRate(1, 1),
		SubnetCacheSize: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Allow("10.0.0.1", 0)
	l.Allow("10.0.1.1", 0)
	l.Allow("10.0.2.1", 0)
	// No assertion beyond "doesn't panic and keeps working" — LRU eviction
	// of an active bucket is an accepted, silent memory reset per spec §4.5.
	l.Allow("10.0.3.1", 0)
}
