package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/jonesrussell/north-cloud/acquirer/internal/database"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
)

// Pause deactivates a policy. The store is written before the heap changes.
// Jobs already admitted keep running.
func (e *Engine) Pause(ctx context.Context, policyID string) error {
	if err := e.policies.SetActive(ctx, policyID, false); err != nil {
		return err
	}
	return e.apply(ctx, policyID, "paused", func(st *policyState) error {
		st.policy.Active = false
		e.disarm(st)
		return nil
	})
}

// Resume reactivates a policy and arms its next fire time.
func (e *Engine) Resume(ctx context.Context, policyID string) error {
	if err := e.policies.SetActive(ctx, policyID, true); err != nil {
		return err
	}
	return e.apply(ctx, policyID, "resumed", func(st *policyState) error {
		st.policy.Active = true
		e.arm(st, e.clock())
		return nil
	})
}

// Reschedule replaces a policy trigger and recomputes its next fire time.
func (e *Engine) Reschedule(ctx context.Context, policyID, trigger string) error {
	schedule, err := ParseTrigger(trigger, e.clock())
	if err != nil {
		return err
	}
	if err = e.policies.UpdateTrigger(ctx, policyID, trigger); err != nil {
		return err
	}
	return e.apply(ctx, policyID, "rescheduled", func(st *policyState) error {
		st.policy.Trigger = trigger
		st.schedule = schedule
		if st.policy.Active {
			e.arm(st, e.clock())
		}
		return nil
	})
}

// RunNow fires an active policy immediately without moving its next fire time.
func (e *Engine) RunNow(ctx context.Context, policyID string) error {
	return e.withState(ctx, policyID, func(st *policyState) error {
		if !st.policy.Active {
			return fmt.Errorf("%w: %s", ErrPolicyPaused, policyID)
		}
		if st.running {
			return fmt.Errorf("%w: %s", database.ErrExecutionInProgress, policyID)
		}
		e.log.Info("Policy run requested", logger.PolicyID(policyID))
		e.fire(e.runCtx, st)
		return nil
	})
}

// Policies returns every loaded policy with its next fire time, ordered by id.
func (e *Engine) Policies(ctx context.Context) ([]domain.SchedulePolicy, error) {
	var out []domain.SchedulePolicy
	err := e.do(ctx, func() {
		out = make([]domain.SchedulePolicy, 0, len(e.states))
		for _, st := range e.states {
			out = append(out, e.snapshot(st))
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Policy returns one policy snapshot.
func (e *Engine) Policy(ctx context.Context, policyID string) (domain.SchedulePolicy, error) {
	var out domain.SchedulePolicy
	err := e.withState(ctx, policyID, func(st *policyState) error {
		out = e.snapshot(st)
		return nil
	})
	return out, err
}

// ExecutionLogs returns the newest execution logs, optionally for one policy.
func (e *Engine) ExecutionLogs(ctx context.Context, policyID string, limit int) ([]*domain.ScheduleExecutionLog, error) {
	return e.logs.List(ctx, policyID, limit)
}

func (e *Engine) snapshot(st *policyState) domain.SchedulePolicy {
	p := st.policy
	p.TargetSelector = append(domain.TargetSelector(nil), st.policy.TargetSelector...)
	if st.entry != nil {
		next := st.entry.next
		p.NextFireTime = &next
	}
	return p
}

// apply runs fn on a policy's state and audits the change.
func (e *Engine) apply(ctx context.Context, policyID, change string, fn func(*policyState) error) error {
	if err := e.withState(ctx, policyID, fn); err != nil {
		return err
	}
	e.log.Info("Policy changed", logger.PolicyID(policyID), logger.String("change", change))
	e.audit(ctx, domain.AuditPolicyChanged, policyID, "", change)
	return nil
}

func (e *Engine) withState(ctx context.Context, policyID string, fn func(*policyState) error) error {
	var fnErr error
	err := e.do(ctx, func() {
		st, ok := e.states[policyID]
		if !ok {
			fnErr = fmt.Errorf("%w: %s", database.ErrPolicyNotFound, policyID)
			return
		}
		fnErr = fn(st)
	})
	if err != nil {
		return err
	}
	return fnErr
}
