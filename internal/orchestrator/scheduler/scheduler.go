package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/orchestrator/archive"
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/backoff"
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/verdict"
	"github.com/google/uuid"
)

// ErrStopped is returned by Submit once the scheduler has shut down
var ErrStopped = errors.New("scheduler stopped")

const (
	defaultArchiveRetryDelay = time.Second
	archiveRetryCeiling      = time.Minute
	archiveSaveTimeout       = 5 * time.Second
)

// Executor performs one external provisioning attempt. It must be safe for
// concurrent use by up to MaxConcurrent callers.
type Executor interface {
	Attempt(ctx context.Context, svc domain.ServiceDescriptor) domain.Outcome
}

// EventSink receives every state transition in emission order
type EventSink interface {
	AttemptTransition(t domain.Transition)
	BundleTransition(t domain.BundleTransition)
}

// Archive keeps finalized bundles after they leave the active table
type Archive interface {
	Save(ctx context.Context, snap domain.Snapshot) error
	Load(ctx context.Context, bundleID string) (domain.Snapshot, error)
}

// Recorder receives scheduler metrics
type Recorder interface {
	SetInFlight(n int)
	SetActiveBundles(n int)
	ObserveAttempt(service string, state domain.AttemptState)
	ObserveVerdict(state domain.BundleState, elapsed time.Duration)
}

// Config holds scheduler configuration
type Config struct {
	Logger               *slog.Logger
	Executor             Executor
	Sink                 EventSink
	Archive              Archive
	Metrics              Recorder
	Backoff              backoff.Policy
	MaxConcurrent        int
	DelayBetweenLaunches time.Duration
	BundleTimeout        time.Duration
	AttemptTimeout       time.Duration
	Jitter               float64
	FailFastRequired     bool
	Retention            time.Duration
	ArchiveRetryDelay    time.Duration
	Clock                func() time.Time
}

// Stats is a point-in-time view of scheduler load
type Stats struct {
	InFlight       int `json:"in_flight"`
	MaxConcurrent  int `json:"max_concurrent"`
	ActiveBundles  int `json:"active_bundles"`
	WaitingAttempt int `json:"waiting_attempts"`
}

// Scheduler owns the global concurrency budget and every active bundle
type Scheduler struct {
	logger               *slog.Logger
	executor             Executor
	sink                 EventSink
	archive              Archive
	fallback             *archive.Memory
	archiveRetryDelay    time.Duration
	metrics              Recorder
	policy               backoff.Policy
	maxConcurrent        int
	delayBetweenLaunches time.Duration
	bundleTimeout        time.Duration
	attemptTimeout       time.Duration
	jitter               float64
	failFast             bool
	now                  func() time.Time

	mu        sync.Mutex
	jobs      map[string]*job
	order     []*job
	seq       uint64
	inFlight  int
	pumpTimer *time.Timer
	pumpAt    time.Time
	stopped   bool
	queue     []func()

	notify  chan struct{}
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a new scheduler instance
func NewScheduler(cfg *Config) (*Scheduler, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("scheduler executor is required")
	}
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("scheduler max concurrent must be greater than 0")
	}
	if cfg.BundleTimeout <= 0 {
		return nil, fmt.Errorf("scheduler bundle timeout must be greater than 0")
	}
	if err := cfg.Backoff.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backoff policy: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = nopSink{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	arch := cfg.Archive
	if arch == nil {
		arch = archive.NewMemory(cfg.Retention)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	retryDelay := cfg.ArchiveRetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultArchiveRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:               logger,
		executor:             cfg.Executor,
		sink:                 sink,
		archive:              arch,
		fallback:             archive.NewMemory(cfg.Retention),
		archiveRetryDelay:    retryDelay,
		metrics:              metrics,
		policy:               cfg.Backoff,
		maxConcurrent:        cfg.MaxConcurrent,
		delayBetweenLaunches: cfg.DelayBetweenLaunches,
		bundleTimeout:        cfg.BundleTimeout,
		attemptTimeout:       cfg.AttemptTimeout,
		jitter:               cfg.Jitter,
		failFast:             cfg.FailFastRequired,
		now:                  clock,
		jobs:                 make(map[string]*job),
		notify:               make(chan struct{}, 1),
		baseCtx:              ctx,
		cancel:               cancel,
	}, nil
}

// Start delivers events until ctx is canceled, then cancels every active
// bundle and waits for in-flight attempts to return
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler",
		slog.Int("max_concurrent", s.maxConcurrent),
		slog.Duration("bundle_timeout", s.bundleTimeout),
		slog.Duration("delay_between_launches", s.delayBetweenLaunches),
	)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-s.notify:
			s.drain()
		}
	}
}

func (s *Scheduler) shutdown() {
	s.logger.Info("Stopping scheduler...")

	s.mu.Lock()
	s.stopped = true
	if s.pumpTimer != nil {
		s.pumpTimer.Stop()
	}
	for _, j := range append([]*job(nil), s.order...) {
		s.abortJob(j, domain.ErrCancelled)
		s.finalize(j, s.evaluateForced(j))
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.drain()

	s.logger.Info("Scheduler stopped")
}

// Submit validates and registers a bundle, then starts admitting its attempts
func (s *Scheduler) Submit(ctx context.Context, req domain.BundleRequest) (string, error) {
	req, err := normalize(req)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return "", ErrStopped
	}

	now := s.now()
	s.seq++
	j := newJob(s.baseCtx, uuid.NewString(), s.seq, req, now, s.deadlineFor(req, now), s.policy)
	s.jobs[j.id] = j
	s.order = append(s.order, j)

	j.deadlineTimer = time.AfterFunc(j.deadline.Sub(now), func() { s.expire(j.id) })

	s.logger.Info("Bundle submitted",
		slog.String("bundle_id", j.id),
		slog.String("mode", string(j.mode)),
		slog.Int("services", len(j.runners)),
		slog.Time("deadline", j.deadline),
	)

	s.setBundleState(j, domain.BundleRunning, now)
	s.metrics.SetActiveBundles(len(s.order))
	s.pump()

	return j.id, nil
}

// Cancel fails every non-terminal attempt of a bundle and finalizes its verdict
func (s *Scheduler) Cancel(ctx context.Context, bundleID string) error {
	s.mu.Lock()
	j, ok := s.jobs[bundleID]
	if !ok {
		s.mu.Unlock()
		if _, err := s.loadArchived(ctx, bundleID); err != nil {
			if errors.Is(err, domain.ErrUnknownBundle) {
				return fmt.Errorf("%w: %s", domain.ErrUnknownBundle, bundleID)
			}
			return fmt.Errorf("failed to load archived bundle: %w", err)
		}
		return nil
	}
	defer s.mu.Unlock()

	if j.state.Final() {
		return nil
	}

	s.logger.Info("Cancelling bundle",
		slog.String("bundle_id", bundleID),
	)

	s.abortJob(j, domain.ErrCancelled)
	s.finalize(j, s.evaluateForced(j))
	s.pump()
	return nil
}

// GetStatus returns a snapshot of an active or archived bundle
func (s *Scheduler) GetStatus(ctx context.Context, bundleID string) (domain.Snapshot, error) {
	s.mu.Lock()
	j, ok := s.jobs[bundleID]
	if ok {
		snap := j.snapshot()
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	snap, err := s.loadArchived(ctx, bundleID)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownBundle) {
			return domain.Snapshot{}, fmt.Errorf("%w: %s", domain.ErrUnknownBundle, bundleID)
		}
		return domain.Snapshot{}, fmt.Errorf("failed to load archived bundle: %w", err)
	}
	return snap, nil
}

// List returns snapshots of every bundle still held in the active table
func (s *Scheduler) List() []domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].seq < jobs[b].seq })

	out := make([]domain.Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.snapshot())
	}
	return out
}

// Stats returns the current load of the scheduler
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiting := 0
	for _, j := range s.order {
		for _, r := range j.runners {
			if r.record.State == domain.AttemptPending || r.record.State == domain.AttemptRetrying {
				waiting++
			}
		}
	}
	return Stats{
		InFlight:       s.inFlight,
		MaxConcurrent:  s.maxConcurrent,
		ActiveBundles:  len(s.order),
		WaitingAttempt: waiting,
	}
}

func (s *Scheduler) deadlineFor(req domain.BundleRequest, now time.Time) time.Time {
	timeout := s.bundleTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	weight := 1.0
	for _, svc := range req.Services {
		if m := s.policy.TimeoutMultiplier(svc.Priority); m > weight {
			weight = m
		}
	}
	return now.Add(time.Duration(float64(timeout) * weight))
}

// expire runs when a bundle's deadline timer fires
func (s *Scheduler) expire(bundleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[bundleID]
	if !ok || j.state.Final() {
		return
	}

	if s.abortJob(j, domain.ErrDeadlineExceeded) {
		s.logger.Warn("Bundle deadline exceeded",
			slog.String("bundle_id", bundleID),
		)
		s.finalize(j, domain.BundleTimedOut)
	} else {
		s.finalize(j, s.evaluateForced(j))
	}
	s.pump()
}

// complete applies the outcome of an attempt goroutine
func (s *Scheduler) complete(j *job, r *runner, attempt int, out domain.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.record.AttemptNumber != attempt || r.record.State != domain.AttemptRunning {
		s.logger.Debug("Discarding late attempt result",
			slog.String("bundle_id", j.id),
			slog.String("service", r.name()),
			slog.Int("attempt", attempt),
			slog.String("outcome", out.Kind.String()),
		)
		return
	}

	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
	s.release(r)

	now := s.now()
	t, retry, err := r.settle(out, now)
	if err != nil {
		s.logger.Error("Failed to settle attempt",
			slog.String("bundle_id", j.id),
			slog.String("error", err.Error()),
		)
		return
	}
	s.emitAttempt(t)

	if retry {
		delay := backoff.Jitter(s.policy.NextDelay(r.record.AttemptNumber, r.priority()), s.jitter)
		r.readyAt = now.Add(delay)
		r.retryTimer = time.AfterFunc(delay, s.wake)

		s.logger.Info("Attempt will be retried",
			slog.String("bundle_id", j.id),
			slog.String("service", r.name()),
			slog.Int("attempt", r.record.AttemptNumber),
			slog.Int("max_retries", r.maxRetries),
			slog.Duration("retry_after", delay),
		)
	}

	s.settleJob(j)
	s.pump()
}

// settleJob finalizes a bundle once its verdict stops being provisional
func (s *Scheduler) settleJob(j *job) {
	if j.state.Final() {
		return
	}

	res := verdict.Evaluate(j.records(), j.criteria.RequiredServices, j.criteria.MinSuccessRatio, false)
	if !res.Final {
		return
	}

	if !j.allTerminal() {
		if !(s.failFast && res.Verdict == domain.BundleFailed) {
			return
		}
		s.logger.Info("Required service failed, cancelling remaining attempts",
			slog.String("bundle_id", j.id),
		)
		s.abortJob(j, domain.ErrRequiredServiceFailed)
	}
	s.finalize(j, res.Verdict)
}

func (s *Scheduler) evaluateForced(j *job) domain.BundleState {
	return verdict.Evaluate(j.records(), j.criteria.RequiredServices, j.criteria.MinSuccessRatio, true).Verdict
}

// abortJob fails every non-terminal attempt and reports whether any was cut off
func (s *Scheduler) abortJob(j *job, cause error) bool {
	now := s.now()
	aborted := false
	for _, r := range j.runners {
		holds := r.holdsSlot
		t, ok := r.abort(cause, now)
		if !ok {
			continue
		}
		if holds {
			s.release(r)
		}
		aborted = true
		s.emitAttempt(t)
	}
	return aborted
}

// finalize records the verdict and queues the bundle for archiving
func (s *Scheduler) finalize(j *job, state domain.BundleState) {
	if j.state.Final() {
		return
	}

	now := s.now()
	j.finishedAt = &now
	if j.deadlineTimer != nil {
		j.deadlineTimer.Stop()
	}
	j.cancel()

	s.removeFromOrder(j)
	s.setBundleState(j, state, now)
	s.metrics.ObserveVerdict(state, now.Sub(j.submittedAt))
	s.metrics.SetActiveBundles(len(s.order))

	s.logger.Info("Bundle finalized",
		slog.String("bundle_id", j.id),
		slog.String("verdict", string(state)),
		slog.Duration("elapsed", now.Sub(j.submittedAt)),
	)

	snap := j.snapshot()
	s.enqueue(func() { s.retire(snap) })
}

// retire archives a finalized bundle and evicts it from the active table.
// A failed save parks the snapshot in the fallback archive and retries it in
// the background.
func (s *Scheduler) retire(snap domain.Snapshot) {
	if err := s.saveArchived(snap); err != nil {
		s.logger.Error("Failed to archive bundle, keeping local copy",
			slog.String("bundle_id", snap.BundleID),
			slog.String("error", err.Error()),
		)
		_ = s.fallback.Save(context.Background(), snap)
		s.retryArchive(snap)
	}

	s.mu.Lock()
	delete(s.jobs, snap.BundleID)
	s.mu.Unlock()

	s.logger.Debug("Bundle evicted from active table",
		slog.String("bundle_id", snap.BundleID),
	)
}

func (s *Scheduler) saveArchived(snap domain.Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), archiveSaveTimeout)
	defer cancel()
	return s.archive.Save(ctx, snap)
}

func (s *Scheduler) retryArchive(snap domain.Snapshot) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for attempt := 1; ; attempt++ {
			timer := time.NewTimer(backoff.Exponential(s.archiveRetryDelay, 2, attempt, archiveRetryCeiling))
			select {
			case <-s.baseCtx.Done():
				timer.Stop()
				s.logger.Warn("Gave up archiving bundle",
					slog.String("bundle_id", snap.BundleID),
					slog.Int("attempts", attempt-1),
				)
				return
			case <-timer.C:
			}

			if err := s.saveArchived(snap); err != nil {
				s.logger.Warn("Archive retry failed",
					slog.String("bundle_id", snap.BundleID),
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.fallback.Delete(snap.BundleID)
			s.logger.Info("Bundle archived after retry",
				slog.String("bundle_id", snap.BundleID),
				slog.Int("attempt", attempt),
			)
			return
		}
	}()
}

// loadArchived prefers the configured archive and falls back to snapshots
// whose save is still being retried
func (s *Scheduler) loadArchived(ctx context.Context, bundleID string) (domain.Snapshot, error) {
	snap, err := s.archive.Load(ctx, bundleID)
	if err == nil {
		return snap, nil
	}
	if parked, ferr := s.fallback.Load(ctx, bundleID); ferr == nil {
		return parked, nil
	}
	return domain.Snapshot{}, err
}

func (s *Scheduler) setBundleState(j *job, to domain.BundleState, now time.Time) {
	from := j.state
	j.state = to
	bt := domain.BundleTransition{
		BundleID: j.id,
		From:     from,
		To:       to,
		Snapshot: j.snapshot(),
		At:       now,
	}
	s.enqueue(func() { s.sink.BundleTransition(bt) })
}

func (s *Scheduler) emitAttempt(t domain.Transition) {
	s.metrics.ObserveAttempt(t.ServiceName, t.To)
	s.enqueue(func() { s.sink.AttemptTransition(t) })
}

// enqueue appends an event for the delivery loop. Caller holds s.mu so
// events keep the order in which transitions happened.
func (s *Scheduler) enqueue(fn func()) {
	s.queue = append(s.queue, fn)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

func (s *Scheduler) release(r *runner) {
	if !r.holdsSlot {
		return
	}
	r.holdsSlot = false
	s.inFlight--
	s.metrics.SetInFlight(s.inFlight)
}

func (s *Scheduler) removeFromOrder(j *job) {
	for i, o := range s.order {
		if o == j {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pump()
}

type nopSink struct{}

func (nopSink) AttemptTransition(domain.Transition)      {}
func (nopSink) BundleTransition(domain.BundleTransition) {}

type nopRecorder struct{}

func (nopRecorder) SetInFlight(int)                                  {}
func (nopRecorder) SetActiveBundles(int)                             {}
func (nopRecorder) ObserveAttempt(string, domain.AttemptState)       {}
func (nopRecorder) ObserveVerdict(domain.BundleState, time.Duration) {}
