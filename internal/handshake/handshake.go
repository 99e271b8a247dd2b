// Package handshake implements HandshakeDefender (spec §4.6): a two-stage
// rate limit applied before a WebSocket upgrade completes, so an
// unauthenticated flood cannot consume session resources.
package handshake

import (
	"container/list"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/asyncnomad/wsprism/internal/clock"
	"github.com/asyncnomad/wsprism/internal/config"
	"github.com/asyncnomad/wsprism/internal/ratelimit"
)

const (
	defaultMaxIPEntries = 10000
)

// Defender guards the upgrade path with a global bucket and a bounded set
// of per-IP buckets, LRU-evicted when the set is full.
type Defender struct {
	enabled bool
	clock   clock.Clock
	global  *ratelimit.TokenBucket

	globalRPS, perIPRPS     float64
	globalBurst, perIPBurst int

	mu           sync.Mutex
	perIP        map[string]*list.Element
	lru          *list.List // front = most recently used
	maxIPEntries int
}

type ipEntry struct {
	addr   string
	bucket *ratelimit.TokenBucket
}

// New builds a Defender from the gateway's handshake_limit config.
func New(cfg config.HandshakeLimit, c clock.Clock) *Defender {
	if c == nil {
		c = clock.Real{}
	}
	maxEntries := cfg.MaxIPEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxIPEntries
	}
	d := &Defender{
		enabled:      cfg.Enabled,
		clock:        c,
		globalRPS:    cfg.GlobalRPS,
		globalBurst:  cfg.GlobalBurst,
		perIPRPS:     cfg.PerIPRPS,
		perIPBurst:   cfg.PerIPBurst,
		perIP:        make(map[string]*list.Element),
		lru:          list.New(),
		maxIPEntries: maxEntries,
	}
	if d.enabled {
		d.global = ratelimit.New(cfg.GlobalRPS, cfg.GlobalBurst, c)
	}
	return d
}

// Allow reports whether a handshake attempt from ip should proceed. ip
// must be a bare address with no port (callers strip RemoteAddr's
// ephemeral source port before calling this, so repeated attempts from
// the same client land in the same per-IP bucket). A rejected handshake
// must return HTTP 429 without any session resources having been
// allocated. Every attempt is tagged with a correlation id so a burst of
// rejections from the same IP can be traced through logs even though the
// handshake itself carries no session id yet.
func (d *Defender) Allow(ip string) bool {
	if !d.enabled {
		return true
	}
	reqID := uuid.New()
	if !d.global.TryTake(1) {
		slog.Warn("handshake rejected: global rate limit", "request_id", reqID, "remote", ip)
		return false
	}
	if !d.perIPBucket(ip).TryTake(1) {
		slog.Warn("handshake rejected: per-ip rate limit", "request_id", reqID, "remote", ip)
		return false
	}
	slog.Debug("handshake admitted", "request_id", reqID, "remote", ip)
	return true
}

func (d *Defender) perIPBucket(ip string) *ratelimit.TokenBucket {
	d.mu.Lock()
	defer d.mu.Unlock()

	if elem, ok := d.perIP[ip]; ok {
		d.lru.MoveToFront(elem)
		return elem.Value.(*ipEntry).bucket
	}

	if len(d.perIP) >= d.maxIPEntries {
		oldest := d.lru.Back()
		if oldest != nil {
			d.lru.Remove(oldest)
			delete(d.perIP, oldest.Value.(*ipEntry).addr)
		}
	}

	bucket := ratelimit.New(d.perIPRPS, d.perIPBurst, d.clock)
	elem := d.lru.PushFront(&ipEntry{addr: ip, bucket: bucket})
	d.perIP[ip] = elem
	return bucket
}

// TrackedIPs returns the number of IP entries currently held, for tests
// and diagnostics.
func (d *Defender) TrackedIPs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.perIP)
}
