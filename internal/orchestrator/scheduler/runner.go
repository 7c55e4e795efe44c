package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
)

var allowedTransitions = map[domain.AttemptState]map[domain.AttemptState]struct{}{
	domain.AttemptPending: {
		domain.AttemptRunning: {},
		domain.AttemptFailed:  {},
	},
	domain.AttemptRunning: {
		domain.AttemptSucceeded: {},
		domain.AttemptRetrying:  {},
		domain.AttemptFailed:    {},
	},
	domain.AttemptRetrying: {
		domain.AttemptRunning: {},
		domain.AttemptFailed:  {},
	},
}

// runner drives one service of a bundle through its attempts. All fields are
// guarded by the owning Scheduler's mutex.
type runner struct {
	bundleID   string
	index      int
	record     domain.AttemptRecord
	maxRetries int

	readyAt    time.Time
	retryTimer *time.Timer
	holdsSlot  bool
	stop       context.CancelFunc
}

func newRunner(bundleID string, index int, svc domain.ServiceDescriptor, maxRetries int) *runner {
	return &runner{
		bundleID:   bundleID,
		index:      index,
		maxRetries: maxRetries,
		record: domain.AttemptRecord{
			Service:       svc,
			AttemptNumber: 1,
			State:         domain.AttemptPending,
		},
	}
}

func (r *runner) name() string {
	return r.record.Service.Name
}

func (r *runner) priority() domain.Priority {
	return r.record.Service.Priority
}

// eligible reports whether the runner may be admitted at now
func (r *runner) eligible(now time.Time) bool {
	switch r.record.State {
	case domain.AttemptPending:
		return true
	case domain.AttemptRetrying:
		return !now.Before(r.readyAt)
	default:
		return false
	}
}

func (r *runner) transition(to domain.AttemptState, cause error, now time.Time) (domain.Transition, error) {
	from := r.record.State
	if _, ok := allowedTransitions[from][to]; !ok {
		return domain.Transition{}, fmt.Errorf("invalid attempt transition %s -> %s for %s", from, to, r.name())
	}

	r.record.State = to
	if cause != nil {
		r.record.LastError = cause.Error()
	}
	if to.Terminal() {
		settled := now
		r.record.SettledAt = &settled
	}

	t := domain.Transition{
		BundleID:      r.bundleID,
		ServiceName:   r.name(),
		From:          from,
		To:            to,
		AttemptNumber: r.record.AttemptNumber,
		At:            now,
	}
	if cause != nil {
		t.Error = cause.Error()
	}
	return t, nil
}

// begin moves the runner to RUNNING. Re-admission after a retry wait starts the next attempt number.
func (r *runner) begin(now time.Time) (domain.Transition, error) {
	if r.record.State == domain.AttemptRetrying {
		r.record.AttemptNumber++
	}
	started := now
	r.record.StartedAt = &started
	r.readyAt = time.Time{}
	return r.transition(domain.AttemptRunning, nil, now)
}

// settle applies an executor outcome and reports whether a retry wait was entered
func (r *runner) settle(out domain.Outcome, now time.Time) (domain.Transition, bool, error) {
	switch out.Kind {
	case domain.OutcomeSucceeded:
		r.record.LastError = ""
		t, err := r.transition(domain.AttemptSucceeded, nil, now)
		return t, false, err

	case domain.OutcomeRetryable:
		if r.record.AttemptNumber < r.maxRetries {
			t, err := r.transition(domain.AttemptRetrying, outcomeErr(out), now)
			return t, true, err
		}
		t, err := r.transition(domain.AttemptFailed, fmt.Errorf("%w: %v", domain.ErrRetriesExhausted, outcomeErr(out)), now)
		return t, false, err

	default:
		t, err := r.transition(domain.AttemptFailed, outcomeErr(out), now)
		return t, false, err
	}
}

// abort fails a non-terminal runner with the given cause
func (r *runner) abort(cause error, now time.Time) (domain.Transition, bool) {
	if r.record.State.Terminal() {
		return domain.Transition{}, false
	}
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
	t, err := r.transition(domain.AttemptFailed, cause, now)
	if err != nil {
		return domain.Transition{}, false
	}
	return t, true
}

// execute calls the executor once. A panicking executor counts as a terminal failure.
func execute(ctx context.Context, exec Executor, svc domain.ServiceDescriptor, timeout time.Duration) (out domain.Outcome) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			out = domain.Terminal(fmt.Errorf("executor panic: %v", p))
		}
	}()

	return exec.Attempt(ctx, svc)
}

func outcomeErr(out domain.Outcome) error {
	if out.Err != nil {
		return out.Err
	}
	switch out.Kind {
	case domain.OutcomeRetryable:
		return errors.New("retryable failure")
	case domain.OutcomeTerminal:
		return errors.New("terminal failure")
	default:
		return fmt.Errorf("unclassified outcome %d", out.Kind)
	}
}
