package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/orchestrator/archive"
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/backoff"
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("captcha timeout")

var errArchiveDown = errors.New("dial tcp 127.0.0.1:6379: connection refused")

// flakyArchive fails the first saveFailures saves, and every load when loadErr is set
type flakyArchive struct {
	mu           sync.Mutex
	saveFailures int
	saveCalls    int
	loadErr      error
	inner        *archive.Memory
}

func newFlakyArchive(saveFailures int) *flakyArchive {
	return &flakyArchive{saveFailures: saveFailures, inner: archive.NewMemory(time.Minute)}
}

func (a *flakyArchive) Save(ctx context.Context, snap domain.Snapshot) error {
	a.mu.Lock()
	a.saveCalls++
	if a.saveFailures > 0 {
		a.saveFailures--
		a.mu.Unlock()
		return errArchiveDown
	}
	a.mu.Unlock()
	return a.inner.Save(ctx, snap)
}

func (a *flakyArchive) Load(ctx context.Context, bundleID string) (domain.Snapshot, error) {
	a.mu.Lock()
	err := a.loadErr
	a.mu.Unlock()
	if err != nil {
		return domain.Snapshot{}, err
	}
	return a.inner.Load(ctx, bundleID)
}

func (a *flakyArchive) stored() int {
	return a.inner.Len()
}

// fakeExecutor plays back scripted outcomes per service and records concurrency
type fakeExecutor struct {
	mu        sync.Mutex
	script    map[string][]domain.Outcome
	calls     map[string]int
	starts    []string
	gates     map[string]chan struct{}
	delay     time.Duration
	ignoreCtx bool

	current int32
	peak    int32
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		script: make(map[string][]domain.Outcome),
		calls:  make(map[string]int),
		gates:  make(map[string]chan struct{}),
	}
}

func (e *fakeExecutor) on(service string, outcomes ...domain.Outcome) *fakeExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.script[service] = append(e.script[service], outcomes...)
	return e
}

// gate makes every attempt of service block until the returned func is called
func (e *fakeExecutor) gate(service string) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan struct{})
	e.gates[service] = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (e *fakeExecutor) Attempt(ctx context.Context, svc domain.ServiceDescriptor) domain.Outcome {
	n := atomic.AddInt32(&e.current, 1)
	defer atomic.AddInt32(&e.current, -1)
	for {
		p := atomic.LoadInt32(&e.peak)
		if n <= p || atomic.CompareAndSwapInt32(&e.peak, p, n) {
			break
		}
	}

	e.mu.Lock()
	e.calls[svc.Name]++
	e.starts = append(e.starts, svc.Name)
	gate := e.gates[svc.Name]
	e.mu.Unlock()

	done := ctx.Done()
	if e.ignoreCtx {
		done = nil
	}

	if gate != nil {
		select {
		case <-gate:
		case <-done:
			return domain.Retryable(ctx.Err())
		}
	}
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-done:
			return domain.Retryable(ctx.Err())
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	queue := e.script[svc.Name]
	if len(queue) == 0 {
		return domain.Succeeded()
	}
	out := queue[0]
	e.script[svc.Name] = queue[1:]
	return out
}

func (e *fakeExecutor) callCount(service string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[service]
}

func (e *fakeExecutor) startOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.starts...)
}

// recordingSink keeps every emitted transition in delivery order
type recordingSink struct {
	mu       sync.Mutex
	attempts []domain.Transition
	bundles  []domain.BundleTransition
}

func (s *recordingSink) AttemptTransition(t domain.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, t)
}

func (s *recordingSink) BundleTransition(t domain.BundleTransition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles = append(s.bundles, t)
}

func (s *recordingSink) attemptsFor(bundleID, service string) []domain.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transition
	for _, t := range s.attempts {
		if t.BundleID == bundleID && t.ServiceName == service {
			out = append(out, t)
		}
	}
	return out
}

func (s *recordingSink) allAttempts() []domain.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Transition(nil), s.attempts...)
}

func (s *recordingSink) finalized(bundleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bundles {
		if b.BundleID == bundleID && b.To.Final() {
			return true
		}
	}
	return false
}

func testPolicy() backoff.Policy {
	p := backoff.DefaultPolicy()
	p.BaseDelay = 5 * time.Millisecond
	p.CapBase = 10 * time.Millisecond
	return p
}

func newTestScheduler(t *testing.T, exec Executor, mutate func(cfg *Config)) (*Scheduler, *recordingSink) {
	t.Helper()

	sink := &recordingSink{}
	cfg := &Config{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Executor:      exec,
		Sink:          sink,
		Backoff:       testPolicy(),
		MaxConcurrent: 2,
		BundleTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	s, err := NewScheduler(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return s, sink
}

func services(names ...string) []domain.ServiceDescriptor {
	out := make([]domain.ServiceDescriptor, len(names))
	for i, n := range names {
		out[i] = domain.ServiceDescriptor{Name: n, Priority: domain.PriorityMedium}
	}
	return out
}

func waitForState(t *testing.T, s *Scheduler, bundleID string, want domain.BundleState) domain.Snapshot {
	t.Helper()
	var snap domain.Snapshot
	require.Eventually(t, func() bool {
		got, err := s.GetStatus(context.Background(), bundleID)
		if err != nil {
			return false
		}
		snap = got
		return got.State == want
	}, 3*time.Second, 5*time.Millisecond, "bundle %s never reached %s", bundleID, want)
	return snap
}

func waitForAttempt(t *testing.T, s *Scheduler, bundleID, service string, want domain.AttemptState) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := s.GetStatus(context.Background(), bundleID)
		if err != nil {
			return false
		}
		a, ok := snap.Attempt(service)
		return ok && a.State == want
	}, 3*time.Second, 5*time.Millisecond, "%s/%s never reached %s", bundleID, service, want)
}
