package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/orchestrator/backoff"
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
)

// job is the scheduler's aggregate for one bundle. Guarded by Scheduler.mu.
type job struct {
	id       string
	seq      uint64
	mode     domain.Mode
	criteria domain.Criteria
	runners  []*runner
	state    domain.BundleState

	submittedAt   time.Time
	deadline      time.Time
	finishedAt    *time.Time
	nextLaunchAt  time.Time
	deadlineTimer *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

func newJob(parent context.Context, id string, seq uint64, req domain.BundleRequest, now, deadline time.Time, policy backoff.Policy) *job {
	ctx, cancel := context.WithCancel(parent)
	j := &job{
		id:          id,
		seq:         seq,
		mode:        req.Mode,
		criteria:    req.Criteria,
		state:       domain.BundlePending,
		submittedAt: now,
		deadline:    deadline,
		ctx:         ctx,
		cancel:      cancel,
	}
	for i, svc := range req.Services {
		j.runners = append(j.runners, newRunner(id, i, svc, policy.MaxRetries(svc.Priority)))
	}
	return j
}

// ctxForAttempt derives an attempt context that dies with the bundle
func (j *job) ctxForAttempt() (context.Context, context.CancelFunc) {
	return context.WithCancel(j.ctx)
}

func (j *job) records() []domain.AttemptRecord {
	out := make([]domain.AttemptRecord, len(j.runners))
	for i, r := range j.runners {
		out[i] = r.record.Clone()
	}
	return out
}

func (j *job) allTerminal() bool {
	for _, r := range j.runners {
		if !r.record.State.Terminal() {
			return false
		}
	}
	return true
}

func (j *job) snapshot() domain.Snapshot {
	snap := domain.Snapshot{
		BundleID:    j.id,
		Mode:        j.mode,
		State:       j.state,
		Criteria:    j.criteria.Clone(),
		Attempts:    j.records(),
		SubmittedAt: j.submittedAt,
		Deadline:    j.deadline,
	}
	if j.finishedAt != nil {
		t := *j.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}

// normalize fills defaults and rejects malformed bundles
func normalize(req domain.BundleRequest) (domain.BundleRequest, error) {
	if len(req.Services) == 0 {
		return req, fmt.Errorf("%w: service list is empty", domain.ErrInvalidBundleSpec)
	}

	switch req.Mode {
	case "":
		req.Mode = domain.ModeConcurrent
	case domain.ModeConcurrent, domain.ModeSequential:
	default:
		return req, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidBundleSpec, req.Mode)
	}

	if req.Criteria.MinSuccessRatio < 0 || req.Criteria.MinSuccessRatio > 1 {
		return req, fmt.Errorf("%w: min success ratio %v is outside [0,1]", domain.ErrInvalidBundleSpec, req.Criteria.MinSuccessRatio)
	}

	services := make([]domain.ServiceDescriptor, len(req.Services))
	names := make(map[string]struct{}, len(req.Services))
	for i, svc := range req.Services {
		if svc.Name == "" {
			return req, fmt.Errorf("%w: service %d has no name", domain.ErrInvalidBundleSpec, i)
		}
		if _, dup := names[svc.Name]; dup {
			return req, fmt.Errorf("%w: duplicate service %q", domain.ErrInvalidBundleSpec, svc.Name)
		}
		names[svc.Name] = struct{}{}

		if svc.Priority == "" {
			svc.Priority = domain.PriorityMedium
		}
		if !svc.Priority.Valid() {
			return req, fmt.Errorf("%w: service %q has unknown priority %q", domain.ErrInvalidBundleSpec, svc.Name, svc.Priority)
		}
		svc.Capabilities = append([]string(nil), svc.Capabilities...)
		services[i] = svc
	}
	req.Services = services

	for _, name := range req.Criteria.RequiredServices {
		if _, ok := names[name]; !ok {
			return req, fmt.Errorf("%w: required service %q is not in the service list", domain.ErrInvalidBundleSpec, name)
		}
	}
	req.Criteria = req.Criteria.Clone()

	return req, nil
}
