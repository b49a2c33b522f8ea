package admission_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/acquirer/internal/admission"
	"github.com/jonesrussell/north-cloud/acquirer/internal/audit"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/storage"
)

const gib = 1 << 30

var target = domain.RegionTarget("ac", "app")

type recordingAuditor struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (r *recordingAuditor) Record(_ context.Context, e domain.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAuditor) all() []domain.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AuditEvent(nil), r.events...)
}

func (r *recordingAuditor) kinds() []domain.AuditKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AuditKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func newController(t *testing.T, maxConcurrent int, limits map[admission.Class]admission.Limit, opts ...admission.Option) *admission.Controller {
	t.Helper()
	cfg := admission.Config{StoragePath: t.TempDir(), MinFreeBytes: 10 * gib, MaxConcurrent: maxConcurrent}
	opts = append([]admission.Option{admission.WithDiskProbe(storage.FixedProbe{Free: 100 * gib})}, opts...)
	return admission.NewController(cfg, admission.NewMemoryLimiter(limits), opts...)
}

func requireReason(t *testing.T, err error, reason admission.Reason) *admission.Error {
	t.Helper()
	var aerr *admission.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, reason, aerr.Reason)
	return aerr
}

func TestTryAdmit_ConcurrentCallersNeverExceedCeiling(t *testing.T) {
	t.Parallel()

	const (
		callers = 64
		ceiling = 5
	)
	c := newController(t, ceiling, nil)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		start    = make(chan struct{})
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tok, err := c.TryAdmit(context.Background(), target, "client")
			if err != nil {
				var aerr *admission.Error
				if assert.ErrorAs(t, err, &aerr) {
					assert.Equal(t, admission.ReasonConcurrencyLimit, aerr.Reason)
				}
				return
			}
			assert.NotNil(t, tok)
			admitted.Add(1)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(ceiling), admitted.Load())
	assert.Equal(t, ceiling, c.InFlight())
}

func TestTryAdmit_CeilingOfOne(t *testing.T) {
	t.Parallel()

	c := newController(t, 1, nil)
	ctx := context.Background()

	a, err := c.TryAdmit(ctx, target, "client")
	require.NoError(t, err)

	_, err = c.TryAdmit(ctx, target, "client")
	requireReason(t, err, admission.ReasonConcurrencyLimit)

	a.Release()

	third, err := c.TryAdmit(ctx, target, "client")
	require.NoError(t, err)
	assert.NotNil(t, third)
}

func TestToken_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	c := newController(t, 2, nil)
	ctx := context.Background()

	a, err := c.TryAdmit(ctx, target, "client")
	require.NoError(t, err)
	b, err := c.TryAdmit(ctx, target, "client")
	require.NoError(t, err)
	require.Equal(t, 2, c.InFlight())

	a.Release()
	a.Release()
	assert.Equal(t, 1, c.InFlight())

	b.Release()
	assert.Equal(t, 0, c.InFlight())
}

func TestTryAdmit_InsufficientStorage(t *testing.T) {
	t.Parallel()

	auditor := &recordingAuditor{}
	c := newController(t, 5, nil,
		admission.WithDiskProbe(storage.FixedProbe{Free: 1 * gib}),
		admission.WithAuditor(auditor),
	)

	_, err := c.TryAdmit(context.Background(), target, "client")
	requireReason(t, err, admission.ReasonInsufficientStorage)
	assert.Equal(t, 0, c.InFlight())
	assert.Equal(t, []domain.AuditKind{domain.AuditAdmissionRejected}, auditor.kinds())
}

func TestTryAdmit_ProbeFailureRejects(t *testing.T) {
	t.Parallel()

	c := newController(t, 5, nil,
		admission.WithDiskProbe(storage.FixedProbe{Err: errors.New("statfs: permission denied")}))

	_, err := c.TryAdmit(context.Background(), target, "client")
	aerr := requireReason(t, err, admission.ReasonInsufficientStorage)
	assert.Contains(t, aerr.Message, "permission denied")
}

func TestTryAdmit_RateLimitReturnsSlotAndRetryAfter(t *testing.T) {
	t.Parallel()

	auditor := &recordingAuditor{}
	limits := map[admission.Class]admission.Limit{
		admission.ClassAcquire: {Requests: 2, Window: time.Minute},
	}
	c := newController(t, 10, limits, admission.WithAuditor(auditor))
	ctx := context.Background()

	for range 2 {
		_, err := c.TryAdmit(ctx, target, "client-a")
		require.NoError(t, err)
	}

	_, err := c.TryAdmit(ctx, target, "client-a")
	aerr := requireReason(t, err, admission.ReasonRateLimit)
	assert.Positive(t, aerr.RetryAfter)
	assert.LessOrEqual(t, aerr.RetryAfter, 30*time.Second)
	assert.GreaterOrEqual(t, aerr.RetryAfterSeconds(), 1)
	assert.Equal(t, 2, c.InFlight(), "rejected rate check must return its slot")

	// Budgets are per client.
	_, err = c.TryAdmit(ctx, target, "client-b")
	require.NoError(t, err)

	assert.Equal(t, []domain.AuditKind{
		domain.AuditAdmissionAccepted,
		domain.AuditAdmissionAccepted,
		domain.AuditAdmissionRejected,
		domain.AuditAdmissionAccepted,
	}, auditor.kinds())
}

func TestTryAdmit_ConcurrencyCheckedBeforeRate(t *testing.T) {
	t.Parallel()

	limits := map[admission.Class]admission.Limit{
		admission.ClassAcquire: {Requests: 2, Window: time.Minute},
	}
	c := newController(t, 1, limits)
	ctx := context.Background()

	_, err := c.TryAdmit(ctx, target, "client")
	require.NoError(t, err)

	// Concurrency rejections do not spend rate budget.
	for range 3 {
		_, err = c.TryAdmit(ctx, target, "client")
		requireReason(t, err, admission.ReasonConcurrencyLimit)
	}
}

func TestAdmitWait_UnblocksOnRelease(t *testing.T) {
	t.Parallel()

	c := newController(t, 1, nil)
	ctx := context.Background()

	held, err := c.TryAdmit(ctx, target, "client")
	require.NoError(t, err)

	got := make(chan *admission.Token, 1)
	go func() {
		tok, waitErr := c.AdmitWait(ctx, target, "scheduler")
		if waitErr == nil {
			got <- tok
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("AdmitWait returned while the ceiling was full")
	case <-time.After(50 * time.Millisecond):
	}

	held.Release()

	select {
	case tok := <-got:
		require.NotNil(t, tok)
	case <-time.After(2 * time.Second):
		t.Fatal("AdmitWait did not wake on release")
	}
}

func TestAdmitWait_StopsOnContextAndStorage(t *testing.T) {
	t.Parallel()

	c := newController(t, 1, nil)
	_, err := c.TryAdmit(context.Background(), target, "client")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.AdmitWait(ctx, target, "client")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	full := newController(t, 1, nil, admission.WithDiskProbe(storage.FixedProbe{Free: 0}))
	_, err = full.AdmitWait(context.Background(), target, "client")
	requireReason(t, err, admission.ReasonInsufficientStorage)
}

func TestAllow_ClassesAreIndependent(t *testing.T) {
	t.Parallel()

	limits := map[admission.Class]admission.Limit{
		admission.ClassLookup: {Requests: 1, Window: time.Minute},
		admission.ClassStatus: {Requests: 100, Window: time.Minute},
	}
	c := newController(t, 1, limits)
	ctx := context.Background()

	require.NoError(t, c.Allow(ctx, admission.ClassLookup, "client"))
	requireReason(t, c.Allow(ctx, admission.ClassLookup, "client"), admission.ReasonRateLimit)
	require.NoError(t, c.Allow(ctx, admission.ClassStatus, "client"))
}

type brokenLimiter struct{}

func (brokenLimiter) Take(context.Context, admission.Class, string) (bool, time.Duration, error) {
	return false, 0, errors.New("connection refused")
}

func TestAllow_LimiterFailureFailsOpen(t *testing.T) {
	t.Parallel()

	c := admission.NewController(admission.Config{MaxConcurrent: 1}, brokenLimiter{})
	require.NoError(t, c.Allow(context.Background(), admission.ClassAcquire, "client"))

	tok, err := c.TryAdmit(context.Background(), target, "client")
	require.NoError(t, err)
	tok.Release()
}

func TestAdmitWait_AuditsFirstRejectionAndWaitSummary(t *testing.T) {
	t.Parallel()

	auditor := &recordingAuditor{}
	c := newController(t, 1, nil, admission.WithAuditor(auditor))
	ctx := context.Background()

	held, err := c.TryAdmit(ctx, target, "client")
	require.NoError(t, err)

	got := make(chan *admission.Token, 1)
	go func() {
		tok, _ := c.AdmitWait(ctx, target, "scheduler")
		got <- tok
	}()

	require.Eventually(t, func() bool { return len(auditor.all()) == 2 }, time.Second, 5*time.Millisecond)
	held.Release()

	select {
	case tok := <-got:
		require.NotNil(t, tok)
	case <-time.After(2 * time.Second):
		t.Fatal("AdmitWait did not wake on release")
	}

	events := auditor.all()
	require.Len(t, events, 3)
	assert.Equal(t, domain.AuditAdmissionAccepted, events[0].Kind)
	assert.Equal(t, domain.AuditAdmissionRejected, events[1].Kind)
	assert.Equal(t, string(admission.ReasonConcurrencyLimit), events[1].Code)

	summary := events[2]
	assert.Equal(t, domain.AuditAdmissionAccepted, summary.Kind)
	assert.Equal(t, "scheduler", summary.ClientID)
	assert.GreaterOrEqual(t, summary.Attributes["rejections"], 1)
	assert.Greater(t, summary.Attributes["waited_seconds"], 0.0)
}

type stalledSink struct {
	unblock chan struct{}
	written atomic.Int32
}

func (s *stalledSink) Name() string { return "stalled" }

func (s *stalledSink) Write(ctx context.Context, _ *domain.AuditEvent) error {
	select {
	case <-s.unblock:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.written.Add(1)
	return nil
}

func TestTryAdmit_DoesNotWaitOnAuditSinks(t *testing.T) {
	t.Parallel()

	sink := &stalledSink{unblock: make(chan struct{})}
	rec := audit.NewRecorder(nil, nil, sink)
	rec.Start(8)

	c := newController(t, 2, nil, admission.WithAuditor(rec))

	done := make(chan error, 1)
	go func() {
		tok, err := c.TryAdmit(context.Background(), target, "client")
		tok.Release()
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("TryAdmit blocked on a stalled audit sink")
	}
	assert.Equal(t, 0, c.InFlight())

	close(sink.unblock)
	require.NoError(t, rec.Close(context.Background()))
	assert.Equal(t, int32(1), sink.written.Load())
}
