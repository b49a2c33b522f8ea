// Package scheduler fires recurring acquisition policies.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/north-cloud/acquirer/internal/database"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/job"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
	"github.com/jonesrussell/north-cloud/acquirer/internal/metrics"
)

const staleLogDetail = "interrupted"

var (
	// ErrPolicyPaused is returned when running a paused policy on demand.
	ErrPolicyPaused = errors.New("schedule policy is paused")
	// ErrStopped is returned for commands sent after the engine stopped.
	ErrStopped = errors.New("scheduler stopped")
)

// JobSubmitter starts scheduled jobs.
type JobSubmitter interface {
	SubmitScheduled(ctx context.Context, target domain.TargetKey, origin job.Origin) (*job.Handle, error)
}

// Auditor receives firing events.
type Auditor interface {
	Record(ctx context.Context, e domain.AuditEvent)
}

// policyState is the loop-owned view of one policy.
type policyState struct {
	policy   domain.SchedulePolicy
	schedule cron.Schedule
	entry    *fireEntry // nil when not in the heap
	running  bool
}

// Engine owns a min-heap of fire times. Only the loop goroutine touches the
// heap and policy states; everything else goes through commands.
type Engine struct {
	policies database.PolicyStore
	logs     database.ExecutionLogStore
	jobs     JobSubmitter
	auditor  Auditor
	log      logger.Logger
	metrics  *metrics.Metrics
	loc      *time.Location
	now      func() time.Time

	cmds    chan func()
	started chan struct{}
	stopped chan struct{}
	batches sync.WaitGroup

	// loop-owned
	runCtx context.Context
	heap   fireHeap
	states map[string]*policyState
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuditor records firings to a.
func WithAuditor(a Auditor) Option {
	return func(e *Engine) { e.auditor = a }
}

// WithMetrics records firings to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithLocation evaluates triggers in loc.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine. Call Run to load policies and start firing.
func NewEngine(policies database.PolicyStore, logs database.ExecutionLogStore, jobs JobSubmitter, opts ...Option) *Engine {
	e := &Engine{
		policies: policies,
		logs:     logs,
		jobs:     jobs,
		log:      logger.NewNop(),
		loc:      time.UTC,
		now:      time.Now,
		cmds:     make(chan func()),
		started:  make(chan struct{}),
		stopped:  make(chan struct{}),
		states:   make(map[string]*policyState),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(logger.Component("scheduler"))
	return e
}

// Run closes stale execution logs, loads every policy, and fires them until
// ctx ends. It returns after in-flight batches have closed their logs.
func (e *Engine) Run(ctx context.Context) error {
	err := e.load(ctx)
	if err == nil {
		e.runCtx = ctx
		close(e.started)
		e.loop(ctx)
	}

	close(e.stopped)
	e.batches.Wait()
	e.log.Info("Scheduler stopped")
	return err
}

// Started is closed once policies are loaded and commands are served.
func (e *Engine) Started() <-chan struct{} { return e.started }

func (e *Engine) load(ctx context.Context) error {
	closed, err := e.logs.CloseStale(ctx, staleLogDetail)
	if err != nil {
		return fmt.Errorf("failed to close stale execution logs: %w", err)
	}
	if closed > 0 {
		e.log.Warn("Closed execution logs left open by a previous run", logger.Int64("count", closed))
	}

	policies, err := e.policies.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedule policies: %w", err)
	}

	now := e.clock()
	for _, p := range policies {
		schedule, parseErr := ParseTrigger(p.Trigger, now)
		if parseErr != nil {
			e.log.Error("Skipping policy with invalid trigger",
				logger.PolicyID(p.ID),
				logger.Error(parseErr),
			)
			continue
		}
		st := &policyState{policy: *p, schedule: schedule}
		e.states[p.ID] = st
		if p.Active {
			e.arm(st, now)
		}
	}

	e.log.Info("Scheduler loaded policies",
		logger.Int("policies", len(e.states)),
		logger.Int("armed", e.heap.Len()),
	)
	return nil
}

func (e *Engine) clock() time.Time {
	return e.now().In(e.loc)
}

func (e *Engine) loop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		e.resetTimer(timer)

		select {
		case <-ctx.Done():
			return
		case fn := <-e.cmds:
			fn()
		case <-timer.C:
			e.fireDue(ctx)
		}
	}
}

// resetTimer points the timer at the heap head, or parks it when empty.
func (e *Engine) resetTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	head := e.heap.peek()
	if head == nil {
		timer.Reset(time.Hour)
		return
	}
	timer.Reset(max(head.next.Sub(e.clock()), 0))
}

func (e *Engine) fireDue(ctx context.Context) {
	now := e.clock()
	for {
		head := e.heap.peek()
		if head == nil || head.next.After(now) {
			return
		}
		heap.Pop(&e.heap)

		st, ok := e.states[head.policyID]
		if !ok {
			continue
		}
		st.entry = nil
		if !st.policy.Active {
			continue
		}

		e.fire(ctx, st)
		e.arm(st, now)
	}
}

// arm computes the next fire time after now and pushes the policy.
func (e *Engine) arm(st *policyState, now time.Time) {
	next := st.schedule.Next(now)
	if next.IsZero() {
		e.log.Warn("Policy has no future fire time", logger.PolicyID(st.policy.ID))
		return
	}
	if st.entry != nil {
		st.entry.next = next
		heap.Fix(&e.heap, st.entry.index)
		return
	}
	st.entry = &fireEntry{policyID: st.policy.ID, next: next}
	heap.Push(&e.heap, st.entry)
}

func (e *Engine) disarm(st *policyState) {
	if st.entry == nil {
		return
	}
	heap.Remove(&e.heap, st.entry.index)
	st.entry = nil
}

// fire starts a batch unless one is already running for the policy.
func (e *Engine) fire(ctx context.Context, st *policyState) {
	if st.running {
		e.log.Warn("Skipping firing, previous batch still running", logger.PolicyID(st.policy.ID))
		e.metrics.RecordFiring(st.policy.ID, "skipped", 0)
		e.audit(ctx, domain.AuditScheduleSkipped, st.policy.ID, "", "previous batch still running")
		return
	}
	st.running = true

	policy := st.policy
	e.batches.Add(1)
	go func() {
		defer e.batches.Done()
		defer e.markIdle(policy.ID)
		e.runBatch(ctx, policy)
	}()
}

func (e *Engine) markIdle(policyID string) {
	_ = e.do(context.Background(), func() {
		if st, ok := e.states[policyID]; ok {
			st.running = false
		}
	})
}

// do runs fn on the loop goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn()
	}

	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) audit(ctx context.Context, kind domain.AuditKind, policyID, code, detail string) {
	if e.auditor == nil {
		return
	}
	id := policyID
	e.auditor.Record(ctx, domain.AuditEvent{
		Kind:     kind,
		PolicyID: &id,
		Code:     code,
		Detail:   detail,
	})
}

func newLogID() string {
	return uuid.New().String()
}
