package listener

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyLimiter caps the number of sessions a listener runs at once.
// Acquisition never waits: a connection over the cap is refused.
type ConcurrencyLimiter struct {
	max    uint64
	sem    *semaphore.Weighted
	active atomic.Int64
}

// NewConcurrencyLimiter creates a limiter admitting max sessions; 0 means
// unlimited.
func NewConcurrencyLimiter(max uint64) *ConcurrencyLimiter {
	l := &ConcurrencyLimiter{max: max}
	if max > 0 {
		l.sem = semaphore.NewWeighted(int64(max))
	}
	return l
}

// TryAcquire returns a permit, or nil when the cap is met.
func (l *ConcurrencyLimiter) TryAcquire() *InFlight {
	if l.sem != nil && !l.sem.TryAcquire(1) {
		return nil
	}
	l.active.Add(1)
	return &InFlight{limiter: l}
}

// Active returns the number of permits currently held.
func (l *ConcurrencyLimiter) Active() int64 {
	return l.active.Load()
}

// Max returns the configured cap.
func (l *ConcurrencyLimiter) Max() uint64 {
	return l.max
}

// InFlight is a held permit.
type InFlight struct {
	limiter *ConcurrencyLimiter
	once    sync.Once
}

// Release returns the permit. Only the first call has an effect.
func (p *InFlight) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.limiter.active.Add(-1)
		if p.limiter.sem != nil {
			p.limiter.sem.Release(1)
		}
	})
}
