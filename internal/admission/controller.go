// Package admission gates acquisitions on free storage, a concurrency
// ceiling and a per-client rate budget.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
	"github.com/jonesrussell/north-cloud/acquirer/internal/metrics"
	"github.com/jonesrussell/north-cloud/acquirer/internal/storage"
)

// waitPollInterval re-checks admission while waiting in case a release
// notification was missed across instances.
const waitPollInterval = 5 * time.Second

// Auditor receives every admission decision. Record must not wait on I/O.
type Auditor interface {
	Record(ctx context.Context, e domain.AuditEvent)
}

// Config holds the admission gates.
type Config struct {
	StoragePath   string
	MinFreeBytes  uint64
	MaxConcurrent int
}

// Controller admits acquisitions. It is safe for concurrent use.
type Controller struct {
	cfg     Config
	probe   storage.DiskProbe
	limiter RateLimiter
	auditor Auditor
	log     logger.Logger
	metrics *metrics.Metrics

	inFlight atomic.Int64

	releaseMu sync.Mutex
	released  chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithDiskProbe overrides the statfs probe.
func WithDiskProbe(p storage.DiskProbe) Option {
	return func(c *Controller) { c.probe = p }
}

// WithAuditor records decisions to a.
func WithAuditor(a Auditor) Option {
	return func(c *Controller) { c.auditor = a }
}

// WithMetrics records decisions to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// NewController creates a controller using limiter for rate budgets.
func NewController(cfg Config, limiter RateLimiter, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		probe:    storage.StatfsProbe{},
		limiter:  limiter,
		log:      logger.NewNop(),
		released: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(logger.Component("admission"))
	return c
}

// Token is one slot in the concurrency ceiling.
type Token struct {
	c        *Controller
	released atomic.Bool
}

// Release returns the slot. Only the first call has an effect.
func (t *Token) Release() {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return
	}
	t.c.release()
}

// InFlight reports outstanding tokens.
func (c *Controller) InFlight() int {
	return int(c.inFlight.Load())
}

// TryAdmit runs the storage, concurrency and rate checks in that order.
// The returned error is always an *Error.
func (c *Controller) TryAdmit(ctx context.Context, target domain.TargetKey, clientID string) (*Token, error) {
	return c.admit(ctx, target, clientID, nil)
}

// waitStats tracks an AdmitWait loop. Only its first rejection is audited;
// the eventual acceptance carries the totals.
type waitStats struct {
	start      time.Time
	rejections int
}

// AdmitWait retries TryAdmit while the rejection is transient, waiting for a
// release or the rate retry-after. Storage rejections return immediately.
func (c *Controller) AdmitWait(ctx context.Context, target domain.TargetKey, clientID string) (*Token, error) {
	wait := &waitStats{start: time.Now()}
	for {
		// Capture the release channel before checking so a release between
		// the check and the wait is not missed.
		releasedCh := c.releaseChan()

		tok, err := c.admit(ctx, target, clientID, wait)
		if err == nil {
			return tok, nil
		}
		wait.rejections++

		var aerr *Error
		if !errors.As(err, &aerr) || aerr.Reason == ReasonInsufficientStorage {
			return nil, err
		}

		delay := waitPollInterval
		if aerr.Reason == ReasonRateLimit && aerr.RetryAfter > 0 {
			delay = aerr.RetryAfter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-releasedCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Allow takes one unit of a client's budget for class.
func (c *Controller) Allow(ctx context.Context, class Class, clientID string) error {
	allowed, retryAfter, err := c.limiter.Take(ctx, class, clientID)
	if err != nil {
		c.log.Warn("Rate limiter unavailable, allowing request",
			logger.ClientID(clientID),
			logger.String("class", string(class)),
			logger.Error(err),
		)
		return nil
	}
	if !allowed {
		return &Error{
			Reason:     ReasonRateLimit,
			Message:    fmt.Sprintf("%s budget exhausted for client %s", class, clientID),
			RetryAfter: retryAfter,
		}
	}
	return nil
}

func (c *Controller) admit(ctx context.Context, target domain.TargetKey, clientID string, wait *waitStats) (*Token, error) {
	if err := c.checkStorage(); err != nil {
		c.decide(ctx, target, clientID, err, wait)
		return nil, err
	}

	if !c.reserve() {
		err := &Error{
			Reason:  ReasonConcurrencyLimit,
			Message: fmt.Sprintf("%d acquisitions already running", c.cfg.MaxConcurrent),
		}
		c.decide(ctx, target, clientID, err, wait)
		return nil, err
	}

	if err := c.Allow(ctx, ClassAcquire, clientID); err != nil {
		c.release()
		c.decide(ctx, target, clientID, err, wait)
		return nil, err
	}

	c.decide(ctx, target, clientID, nil, wait)
	return &Token{c: c}, nil
}

func (c *Controller) checkStorage() error {
	if c.cfg.MinFreeBytes == 0 {
		return nil
	}
	free, err := c.probe.FreeBytes(c.cfg.StoragePath)
	if err != nil {
		return &Error{
			Reason:  ReasonInsufficientStorage,
			Message: fmt.Sprintf("cannot determine free space: %v", err),
		}
	}
	if free <= c.cfg.MinFreeBytes {
		return &Error{
			Reason:  ReasonInsufficientStorage,
			Message: fmt.Sprintf("%d bytes free, %d required", free, c.cfg.MinFreeBytes),
		}
	}
	return nil
}

// reserve takes a slot with a compare-and-swap loop.
func (c *Controller) reserve() bool {
	limit := int64(c.cfg.MaxConcurrent)
	for {
		cur := c.inFlight.Load()
		if cur >= limit {
			return false
		}
		if c.inFlight.CompareAndSwap(cur, cur+1) {
			c.metrics.SetInFlight(int(cur + 1))
			return true
		}
	}
}

func (c *Controller) release() {
	n := c.inFlight.Add(-1)
	c.metrics.SetInFlight(int(n))

	c.releaseMu.Lock()
	close(c.released)
	c.released = make(chan struct{})
	c.releaseMu.Unlock()
}

func (c *Controller) releaseChan() <-chan struct{} {
	c.releaseMu.Lock()
	defer c.releaseMu.Unlock()
	return c.released
}

// decide counts the outcome and audits it.
func (c *Controller) decide(ctx context.Context, target domain.TargetKey, clientID string, err error, wait *waitStats) {
	if err == nil {
		c.metrics.RecordAdmission(true, "")
	} else {
		var aerr *Error
		if errors.As(err, &aerr) {
			c.metrics.RecordAdmission(false, string(aerr.Reason))
		}
	}

	if c.auditor == nil || (err != nil && wait != nil && wait.rejections > 0) {
		return
	}

	event := domain.AuditEvent{
		Kind:     domain.AuditAdmissionAccepted,
		ClientID: clientID,
		Target:   target.String(),
	}
	var aerr *Error
	if errors.As(err, &aerr) {
		event.Kind = domain.AuditAdmissionRejected
		event.Code = string(aerr.Reason)
		event.Detail = aerr.Message
		if aerr.RetryAfter > 0 {
			event.Attributes = domain.JSONBMap{"retry_after_seconds": aerr.RetryAfterSeconds()}
		}
	} else if wait != nil && wait.rejections > 0 {
		event.Attributes = domain.JSONBMap{
			"rejections":     wait.rejections,
			"waited_seconds": time.Since(wait.start).Seconds(),
		}
	}
	c.auditor.Record(ctx, event)
}
