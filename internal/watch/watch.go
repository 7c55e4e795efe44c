// Package watch follows bundles over the real-time channel and re-reads their
// status over HTTP whenever the channel (re)opens, so events missed while
// disconnected are never lost.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/channel"
	"github.com/cuongbtq/trial-bundler/internal/events"
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
)

// Config holds watcher configuration
type Config struct {
	Logger               *slog.Logger
	ServerURL            string
	AuthToken            string
	BundleIDs            []string
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	HTTPClient           *http.Client
}

// Watcher follows a fixed set of bundles until all of them are finalized
type Watcher struct {
	logger     *slog.Logger
	apiURL     string
	wsURL      string
	cfg        Config
	httpClient *http.Client

	changes   chan channel.StateChange
	snapshots chan domain.Snapshot

	mu     sync.Mutex
	states map[string]domain.BundleState
}

// New creates a watcher
func New(cfg *Config) (*Watcher, error) {
	if len(cfg.BundleIDs) == 0 {
		return nil, fmt.Errorf("at least one bundle id is required")
	}

	base, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}

	ws := *base
	switch base.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	default:
		return nil, fmt.Errorf("server url must be http or https, got %q", base.Scheme)
	}
	ws.Path = base.Path + "/ws"

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	states := make(map[string]domain.BundleState, len(cfg.BundleIDs))
	for _, id := range cfg.BundleIDs {
		states[id] = ""
	}

	return &Watcher{
		logger:     logger,
		apiURL:     base.String() + "/api/v1/bundles/",
		wsURL:      ws.String(),
		cfg:        *cfg,
		httpClient: client,
		changes:    make(chan channel.StateChange, 16),
		snapshots:  make(chan domain.Snapshot, 64),
		states:     states,
	}, nil
}

// Run watches until every bundle is finalized, ctx is canceled, or the channel gives up reconnecting
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session, err := channel.NewSession(&channel.SessionConfig{
		Logger:               w.logger,
		Dialer:               channel.WebsocketDialer{URL: w.wsURL},
		AuthToken:            w.cfg.AuthToken,
		HeartbeatInterval:    w.cfg.HeartbeatInterval,
		MaxReconnectAttempts: w.cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   w.cfg.ReconnectBaseDelay,
		OnStateChange: func(change channel.StateChange) {
			select {
			case w.changes <- change:
			case <-ctx.Done():
			}
		},
	})
	if err != nil {
		return err
	}

	sessionDone := make(chan struct{})
	go func() {
		defer close(sessionDone)
		_ = session.Start(ctx)
	}()
	defer func() {
		cancel()
		<-sessionDone
	}()

	w.register(ctx, session)
	for _, id := range w.cfg.BundleIDs {
		if err := session.Subscribe(id); err != nil {
			return err
		}
	}
	if err := session.Connect(); err != nil {
		return err
	}

	w.logger.Info("Watching bundles",
		slog.String("server", w.wsURL),
		slog.Int("bundles", len(w.cfg.BundleIDs)),
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case change := <-w.changes:
			w.logger.Info("Channel state changed",
				slog.String("from", change.From.String()),
				slog.String("to", change.To.String()),
			)
			if change.To == channel.StateClosed && change.Err != nil {
				return fmt.Errorf("channel closed: %w", change.Err)
			}
			if change.To == channel.StateOpen {
				w.refresh(ctx)
				if w.done() {
					return nil
				}
			}

		case snap := <-w.snapshots:
			w.record(snap)
			if w.done() {
				return nil
			}
		}
	}
}

// States returns the last known state of every watched bundle
func (w *Watcher) States() map[string]domain.BundleState {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]domain.BundleState, len(w.states))
	for id, st := range w.states {
		out[id] = st
	}
	return out
}

func (w *Watcher) register(ctx context.Context, session *channel.Session) {
	_ = session.On(channel.TypeTrialUpdate, func(msg channel.Message) {
		var t domain.Transition
		if err := msg.Decode(&t); err != nil {
			w.logger.Warn("Undecodable trial update", slog.String("error", err.Error()))
			return
		}
		w.logger.Info("Trial update",
			slog.String("bundle_id", t.BundleID),
			slog.String("service", t.ServiceName),
			slog.String("from", string(t.From)),
			slog.String("to", string(t.To)),
			slog.Int("attempt", t.AttemptNumber),
			slog.String("error", t.Error),
		)
	})

	_ = session.On(channel.TypeStatusChange, func(msg channel.Message) {
		var change events.StatusChange
		if err := msg.Decode(&change); err != nil {
			w.logger.Warn("Undecodable status change", slog.String("error", err.Error()))
			return
		}
		w.logger.Info("Bundle status changed",
			slog.String("bundle_id", change.BundleID),
			slog.String("from", string(change.From)),
			slog.String("to", string(change.To)),
		)
	})

	_ = session.On(channel.TypeBundleUpdate, func(msg channel.Message) {
		var snap domain.Snapshot
		if err := msg.Decode(&snap); err != nil {
			w.logger.Warn("Undecodable bundle update", slog.String("error", err.Error()))
			return
		}
		select {
		case w.snapshots <- snap:
		case <-ctx.Done():
		}
	})

	_ = session.On(channel.TypeLog, func(msg channel.Message) {
		var line events.LogLine
		if err := msg.Decode(&line); err != nil {
			w.logger.Warn("Undecodable log line", slog.String("error", err.Error()))
			return
		}
		level := slog.LevelInfo
		switch line.Level {
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		w.logger.Log(ctx, level, line.Text,
			slog.String("bundle_id", line.BundleID),
			slog.String("service", line.Service),
		)
	})

	_ = session.On(channel.TypeError, func(msg channel.Message) {
		w.logger.Warn("Server rejected request", slog.String("message", msg.Message))
	})
}

// refresh reads every unfinished bundle over HTTP
func (w *Watcher) refresh(ctx context.Context) {
	for id, st := range w.States() {
		if st.Final() {
			continue
		}
		snap, err := w.fetch(ctx, id)
		if err != nil {
			w.logger.Warn("Failed to refresh bundle",
				slog.String("bundle_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.record(snap)
	}
}

func (w *Watcher) fetch(ctx context.Context, bundleID string) (domain.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.apiURL+url.PathEscape(bundleID), nil)
	if err != nil {
		return domain.Snapshot{}, err
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Snapshot{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var snap domain.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to decode bundle: %w", err)
	}
	return snap, nil
}

func (w *Watcher) record(snap domain.Snapshot) {
	w.mu.Lock()
	prev, watched := w.states[snap.BundleID]
	if watched && !prev.Final() {
		w.states[snap.BundleID] = snap.State
	}
	w.mu.Unlock()

	if !watched || prev == snap.State || prev.Final() {
		return
	}

	attrs := []any{
		slog.String("bundle_id", snap.BundleID),
		slog.String("state", string(snap.State)),
	}
	if snap.State.Final() {
		var succeeded int
		for _, a := range snap.Attempts {
			if a.State == domain.AttemptSucceeded {
				succeeded++
			}
		}
		attrs = append(attrs, slog.Int("succeeded", succeeded), slog.Int("services", len(snap.Attempts)))
		w.logger.Info("Bundle finalized", attrs...)
		return
	}
	w.logger.Info("Bundle state", attrs...)
}

func (w *Watcher) done() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, st := range w.states {
		if !st.Final() {
			return false
		}
	}
	return true
}
