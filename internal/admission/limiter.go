package admission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/acquirer/internal/config"
)

// Class is a rate budget class.
type Class string

const (
	ClassAcquire Class = "acquire"
	ClassLookup  Class = "lookup"
	ClassStatus  Class = "status"
)

// Limit is a budget of Requests per Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// RateLimiter takes one unit of a client's budget for class, or reports how
// long until one is available.
type RateLimiter interface {
	Take(ctx context.Context, class Class, clientID string) (allowed bool, retryAfter time.Duration, err error)
}

// maxTrackedClients bounds the in-memory limiter map before idle entries are pruned.
const maxTrackedClients = 10000

type limiterKey struct {
	class  Class
	client string
}

// MemoryLimiter is a per-process token bucket limiter.
type MemoryLimiter struct {
	limits map[Class]Limit
	now    func() time.Time

	mu       sync.Mutex
	limiters map[limiterKey]*rate.Limiter
}

// NewMemoryLimiter creates a limiter with one token bucket per client and class.
// The bucket holds a full window's budget and refills evenly across the window.
func NewMemoryLimiter(limits map[Class]Limit) *MemoryLimiter {
	return &MemoryLimiter{
		limits:   limits,
		now:      time.Now,
		limiters: make(map[limiterKey]*rate.Limiter),
	}
}

// Take implements RateLimiter.
func (m *MemoryLimiter) Take(_ context.Context, class Class, clientID string) (bool, time.Duration, error) {
	limit, ok := m.limits[class]
	if !ok || limit.Requests <= 0 {
		return true, 0, nil
	}

	now := m.now()
	lim := m.limiterFor(limiterKey{class: class, client: clientID}, limit, now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, limit.Window, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

func (m *MemoryLimiter) limiterFor(key limiterKey, limit Limit, now time.Time) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lim, ok := m.limiters[key]; ok {
		return lim
	}

	if len(m.limiters) >= maxTrackedClients {
		m.pruneLocked(now)
	}

	every := limit.Window / time.Duration(limit.Requests)
	lim := rate.NewLimiter(rate.Every(every), limit.Requests)
	m.limiters[key] = lim
	return lim
}

// pruneLocked drops buckets that have fully refilled; recreating them is equivalent.
func (m *MemoryLimiter) pruneLocked(now time.Time) {
	for key, lim := range m.limiters {
		if lim.TokensAt(now) >= float64(lim.Burst()) {
			delete(m.limiters, key)
		}
	}
}

// LimitsFromConfig maps the configured budgets onto rate classes.
func LimitsFromConfig(cfg config.AdmissionConfig) map[Class]Limit {
	return map[Class]Limit{
		ClassAcquire: {Requests: cfg.AcquireLimit, Window: cfg.RateWindow},
		ClassLookup:  {Requests: cfg.LookupLimit, Window: cfg.RateWindow},
		ClassStatus:  {Requests: cfg.StatusLimit, Window: cfg.RateWindow},
	}
}
