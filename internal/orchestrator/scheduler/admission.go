package scheduler

import (
	"log/slog"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
)

// pump admits eligible attempts while the global budget has headroom.
// Caller holds s.mu.
func (s *Scheduler) pump() {
	if s.stopped {
		return
	}

	now := s.now()
	for s.inFlight < s.maxConcurrent {
		j, r, wakeAt := s.nextCandidate(now)
		if r == nil {
			s.armPump(wakeAt, now)
			return
		}
		s.admit(j, r, now)
	}
}

// nextCandidate applies the admission tie-break: earliest-submitted bundle
// first, then the bundle's own pick. When only staggered bundles have work
// it returns the earliest time one of them becomes launchable.
func (s *Scheduler) nextCandidate(now time.Time) (*job, *runner, time.Time) {
	var wakeAt time.Time
	for _, j := range s.order {
		r := j.candidate(now)
		if r == nil {
			continue
		}
		if j.mode == domain.ModeConcurrent && now.Before(j.nextLaunchAt) {
			if wakeAt.IsZero() || j.nextLaunchAt.Before(wakeAt) {
				wakeAt = j.nextLaunchAt
			}
			continue
		}
		return j, r, time.Time{}
	}
	return nil, nil, wakeAt
}

// candidate picks the bundle's next attempt to admit, if any
func (j *job) candidate(now time.Time) *runner {
	if j.state != domain.BundleRunning {
		return nil
	}

	if j.mode == domain.ModeSequential {
		for _, r := range j.runners {
			switch r.record.State {
			case domain.AttemptRunning:
				return nil
			case domain.AttemptRetrying:
				if r.eligible(now) {
					return r
				}
				return nil
			}
		}
		for _, r := range j.runners {
			if r.record.State == domain.AttemptPending {
				return r
			}
		}
		return nil
	}

	var best *runner
	for _, r := range j.runners {
		if !r.eligible(now) {
			continue
		}
		if best == nil || r.priority().Rank() < best.priority().Rank() {
			best = r
		}
	}
	return best
}

func (s *Scheduler) admit(j *job, r *runner, now time.Time) {
	t, err := r.begin(now)
	if err != nil {
		s.logger.Error("Failed to admit attempt",
			slog.String("bundle_id", j.id),
			slog.String("error", err.Error()),
		)
		return
	}
	r.retryTimer = nil

	s.inFlight++
	r.holdsSlot = true
	s.metrics.SetInFlight(s.inFlight)
	if j.mode == domain.ModeConcurrent {
		j.nextLaunchAt = now.Add(s.delayBetweenLaunches)
	}
	s.emitAttempt(t)

	s.logger.Debug("Attempt admitted",
		slog.String("bundle_id", j.id),
		slog.String("service", r.name()),
		slog.Int("attempt", r.record.AttemptNumber),
		slog.Int("in_flight", s.inFlight),
	)

	ctx, cancel := j.ctxForAttempt()
	r.stop = cancel
	attempt := r.record.AttemptNumber
	svc := r.record.Service

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out := execute(ctx, s.executor, svc, s.attemptTimeout)
		s.complete(j, r, attempt, out)
	}()
}

// armPump schedules a pump for the next staggered launch
func (s *Scheduler) armPump(at, now time.Time) {
	if at.IsZero() {
		return
	}
	if s.pumpTimer != nil && !s.pumpAt.IsZero() && !s.pumpAt.After(at) && s.pumpAt.After(now) {
		return
	}
	if s.pumpTimer != nil {
		s.pumpTimer.Stop()
	}
	s.pumpAt = at
	s.pumpTimer = time.AfterFunc(at.Sub(now), s.wake)
}
