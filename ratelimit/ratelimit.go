// Package ratelimit implements the three-tier token-bucket limiter from
// spec §4.5, replacing the teacher's fixed-window sync.Map counter
// (shield.RateLimiter) with continuous refill and LRU-bounded per-key
// state, grounded on the same shield.ExtractIP subnet-key idea but with
// hashicorp/golang-lru backing the bounded maps spec §4.5 calls for.
package ratelimit

import (
	"net"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Rate describes one bucket's refill rate and burst capacity. A Rate with
// PerSecond <= 0 disables the bucket — Allow never rejects on that tier.
type Rate struct {
	PerSecond float64
	Burst     float64
}

// NewRate computes burst = ceil(burstMultiplier * perSecond) per spec §4.5.
func NewRate(perSecond, burstMultiplier float64) Rate {
	if perSecond <= 0 {
		return Rate{}
	}
	burst := perSecond * burstMultiplier
	if burst < 1 {
		burst = 1
	}
	return Rate{PerSecond: perSecond, Burst: ceilFloat(burst)}
}

func ceilFloat(f float64) float64 {
	i := float64(int64(f))
	if i < f {
		i++
	}
	return i
}

func (r Rate) enabled() bool { return r.PerSecond > 0 }

// bucket is a single continuously-refilling token bucket.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	rate       float64
	capacity   float64
	lastRefill time.Time
}

func newBucket(r Rate) *bucket {
	return &bucket{tokens: r.Burst, rate: r.PerSecond, capacity: r.Burst, lastRefill: time.Now()}
}

// allow attempts to take one token, refilling first. It never partially
// consumes — either exactly one token is taken, or none.
func (b *bucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Config holds the three independent rates (spec §4.5, §6 env vars).
type Config struct {
	Global  Rate
	Subnet  Rate
	Project Rate
	// SubnetCacheSize and ProjectCacheSize bound the per-key bucket maps
	// (recommended cap 100k — spec §4.5); eviction of an active bucket
	// silently resets it, an acceptable loss of memory.
	SubnetCacheSize  int
	ProjectCacheSize int
}

const defaultCacheSize = 100_000

// Limiter is the process-wide, in-memory rate limiter. It holds no DB or
// network handle — bucket state never crosses process boundaries (spec
// §4.5: "no cross-process coordination").
type Limiter struct {
	cfg Config

	global *bucket

	subnetMu sync.Mutex
	subnets  *lru.Cache[string, *bucket]

	projectMu sync.Mutex
	projects  *lru.Cache[int64, *bucket]
}

// New builds a Limiter from cfg. A zero Rate disables that tier entirely.
func New(cfg Config) (*Limiter, error) {
	if cfg.SubnetCacheSize <= 0 {
		cfg.SubnetCacheSize = defaultCacheSize
	}
	if cfg.ProjectCacheSize <= 0 {
		cfg.ProjectCacheSize = defaultCacheSize
	}

	l := &Limiter{cfg: cfg}
	if cfg.Global.enabled() {
		l.global = newBucket(cfg.Global)
	}

	var err error
	if cfg.Subnet.enabled() {
		l.subnets, err = lru.New[string, *bucket](cfg.SubnetCacheSize)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Project.enabled() {
		l.projects, err = lru.New[int64, *bucket](cfg.ProjectCacheSize)
		if err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Decision reports which tier (if any) rejected a request.
type Decision int

const (
	// Admitted means every enabled tier had a token available.
	Admitted Decision = iota
	// RejectedGlobal means the single global bucket was empty.
	RejectedGlobal
	// RejectedSubnet means the caller's /24 (or /48) bucket was empty.
	RejectedSubnet
	// RejectedProject means the project's bucket was empty.
	RejectedProject
)

// Allow checks the three tiers in order — global, subnet, project — per
// spec §4.5. On rejection, no tokens are consumed from tiers not yet
// checked (global is consumed before subnet is checked, etc., but a
// subnet rejection never touches the project bucket).
func (l *Limiter) Allow(remoteIP string, projectID int64) Decision {
	now := time.Now()

	if l.global != nil && !l.global.allow(now) {
		return RejectedGlobal
	}

	if l.subnets != nil {
		key := SubnetKey(remoteIP)
		if !l.subnetBucket(key).allow(now) {
			return RejectedSubnet
		}
	}

	if l.projects != nil {
		if !l.projectBucket(projectID).allow(now) {
			return RejectedProject
		}
	}

	return Admitted
}

func (l *Limiter) subnetBucket(key string) *bucket {
	l.subnetMu.Lock()
	defer l.subnetMu.Unlock()

	if b, ok := l.subnets.Get(key); ok {
		return b
	}
	b := newBucket(l.cfg.Subnet)
	l.subnets.Add(key, b)
	return b
}

func (l *Limiter) projectBucket(id int64) *bucket {
	l.projectMu.Lock()
	defer l.projectMu.Unlock()

	if b, ok := l.projects.Get(id); ok {
		return b
	}
	b := newBucket(l.cfg.Project)
	l.projects.Add(id, b)
	return b
}

// SubnetKey reduces an IP address to its rate-limiting bucket key: the
// first three octets for IPv4, the /48 prefix for IPv6 (spec §4.5).
func SubnetKey(remoteIP string) string {
	ip := net.ParseIP(remoteIP)
	if ip == nil {
		return remoteIP
	}
	if v4 := ip.To4(); v4 != nil {
		return joinOctets(v4[0], v4[1], v4[2])
	}
	mask := net.CIDRMask(48, 128)
	return ip.Mask(mask).String()
}

func joinOctets(a, b, c byte) string {
	return strconv.Itoa(int(a)) + "." + strconv.Itoa(int(b)) + "." + strconv.Itoa(int(c))
}
