// Package abuse tracks misbehaving clients: connection rate limits, loiter
// bans and blocked networks.
package abuse

import (
	"errors"
	"net/netip"
	"sync"
	"time"
)

var ErrInvalidAddress = errors.New("abuse: invalid address")

// RateLimiter counts events per IP in fixed windows.
type RateLimiter struct {
	mu     sync.Mutex
	counts map[netip.Addr]*rateLimitEntry
	limit  int
	window time.Duration
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type rateLimitEntry struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter allowing limit events per window from a
// single IP. A background goroutine evicts expired windows until Close.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		counts: make(map[netip.Addr]*rateLimitEntry),
		limit:  limit,
		window: window,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	go rl.cleanup(window * 2)
	return rl
}

func (rl *RateLimiter) cleanup(every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.Evict()
		}
	}
}

// Evict drops windows that have expired.
func (rl *RateLimiter) Evict() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for ip, entry := range rl.counts {
		if now.Sub(entry.windowStart) > rl.window {
			delete(rl.counts, ip)
		}
	}
}

// Allow records one event for ip and reports whether it is within the limit.
func (rl *RateLimiter) Allow(ip netip.Addr) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, ok := rl.counts[ip]
	if !ok || now.Sub(entry.windowStart) > rl.window {
		rl.counts[ip] = &rateLimitEntry{count: 1, windowStart: now}
		return rl.limit > 0
	}
	if entry.count >= rl.limit {
		return false
	}
	entry.count++
	return true
}

// Len returns the number of tracked addresses.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.counts)
}

// Close stops the eviction goroutine.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// BlockList holds statically blocked networks and temporary bans.
type BlockList struct {
	mu       sync.RWMutex
	prefixes []netip.Prefix
	bans     map[netip.Addr]time.Time
	now      func() time.Time
}

// NewBlockList creates a list blocking the given networks.
func NewBlockList(prefixes ...netip.Prefix) *BlockList {
	return &BlockList{
		prefixes: prefixes,
		bans:     make(map[netip.Addr]time.Time),
		now:      time.Now,
	}
}

// Blocked reports whether ip is inside a blocked network or banned.
func (b *BlockList) Blocked(ip netip.Addr) bool {
	if b == nil {
		return false
	}
	ip = ip.Unmap()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	until, ok := b.bans[ip]
	return ok && (until.IsZero() || b.now().Before(until))
}

// Ban blocks ip for d; d <= 0 bans permanently.
func (b *BlockList) Ban(ip netip.Addr, d time.Duration) {
	var until time.Time
	if d > 0 {
		until = b.now().Add(d)
	}
	b.mu.Lock()
	b.bans[ip.Unmap()] = until
	b.mu.Unlock()
}

// LoiterBan bans clients that repeatedly hold sessions open past their
// allowed duration.
type LoiterBan struct {
	limiter *RateLimiter
	blocks  *BlockList
	banFor  time.Duration
}

// NewLoiterBan bans an address once it exceeds limit over-long sessions in
// window. Bans are written to blocks and last banFor (<= 0 is permanent).
func NewLoiterBan(limit int, window, banFor time.Duration, blocks *BlockList) *LoiterBan {
	return &LoiterBan{
		limiter: NewRateLimiter(limit, window),
		blocks:  blocks,
		banFor:  banFor,
	}
}

// IsBanned records a loitering session from ip and reports whether the
// address is now banned.
func (l *LoiterBan) IsBanned(ip netip.Addr) (bool, error) {
	if l == nil {
		return false, nil
	}
	if !ip.IsValid() {
		return false, ErrInvalidAddress
	}
	if l.limiter.Allow(ip.Unmap()) {
		return false, nil
	}
	l.blocks.Ban(ip, l.banFor)
	return true, nil
}

// Close stops the background eviction.
func (l *LoiterBan) Close() {
	if l != nil {
		l.limiter.Close()
	}
}
