package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/channel"
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/scheduler"
	workerdomain "github.com/cuongbtq/trial-bundler/internal/worker/domain"
	"github.com/gorilla/websocket"
)

// BundleService is the part of the scheduler the handlers use
type BundleService interface {
	Submit(ctx context.Context, req domain.BundleRequest) (string, error)
	Cancel(ctx context.Context, bundleID string) error
	GetStatus(ctx context.Context, bundleID string) (domain.Snapshot, error)
	List() []domain.Snapshot
	Stats() scheduler.Stats
}

// EventLog reads the persisted event history of a bundle
type EventLog interface {
	ListEvents(ctx context.Context, bundleID string) ([]workerdomain.EventRecord, error)
}

// PeerTracker counts live channel peers
type PeerTracker interface {
	PeerConnected()
	PeerDisconnected()
}

// ChannelConfig configures server-side channel peers
type ChannelConfig struct {
	AuthToken        string
	HeartbeatTimeout time.Duration
	SendBuffer       int
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	// Context bounds the lifetime of websocket peers, which outlive their request
	Context   context.Context
	Logger    *slog.Logger
	Scheduler BundleService
	// Events is nil unless bundle events are persisted
	Events   EventLog
	Registry channel.Registry
	Peers    PeerTracker
	Channel  ChannelConfig
	// Metrics serves the Prometheus scrape endpoint when set
	Metrics http.Handler
}

// BundleHandler handles bundle-related HTTP requests
type BundleHandler struct {
	logger    *slog.Logger
	scheduler BundleService
	events    EventLog
}

// NewBundleHandler creates a new BundleHandler instance
func NewBundleHandler(deps *Dependencies) *BundleHandler {
	return &BundleHandler{
		logger:    deps.Logger,
		scheduler: deps.Scheduler,
		events:    deps.Events,
	}
}

// ChannelHandler upgrades HTTP connections to channel peers
type ChannelHandler struct {
	ctx      context.Context
	logger   *slog.Logger
	registry channel.Registry
	peers    PeerTracker
	cfg      ChannelConfig
	upgrader websocket.Upgrader
}

// NewChannelHandler creates a new ChannelHandler instance
func NewChannelHandler(deps *Dependencies) *ChannelHandler {
	ctx := deps.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return &ChannelHandler{
		ctx:      ctx,
		logger:   deps.Logger,
		registry: deps.Registry,
		peers:    deps.Peers,
		cfg:      deps.Channel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// CORS is open on the REST API as well
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}
