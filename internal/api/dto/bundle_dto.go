package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
)

type ServiceRequest struct {
	Name         string   `json:"name" binding:"required"`
	Priority     string   `json:"priority"`
	Capabilities []string `json:"capabilities"`
}

type CreateBundleRequest struct {
	Services         []ServiceRequest `json:"services" binding:"required,min=1,dive"`
	Mode             string           `json:"mode"`
	MinSuccessRatio  float64          `json:"min_success_ratio"`
	RequiredServices []string         `json:"required_services"`
	TimeoutSeconds   int              `json:"timeout_seconds" binding:"gte=0"`
}

// ToDomain converts the request into a scheduler submission
func (r CreateBundleRequest) ToDomain() domain.BundleRequest {
	services := make([]domain.ServiceDescriptor, len(r.Services))
	for i, s := range r.Services {
		services[i] = domain.ServiceDescriptor{
			Name:         s.Name,
			Priority:     domain.Priority(s.Priority),
			Capabilities: s.Capabilities,
		}
	}
	return domain.BundleRequest{
		Services: services,
		Mode:     domain.Mode(r.Mode),
		Criteria: domain.Criteria{
			MinSuccessRatio:  r.MinSuccessRatio,
			RequiredServices: r.RequiredServices,
		},
		Timeout: time.Duration(r.TimeoutSeconds) * time.Second,
	}
}

type CreateBundleResponse struct {
	BundleID string             `json:"bundle_id"`
	State    domain.BundleState `json:"state"`
	Deadline time.Time          `json:"deadline"`
}

type ListBundlesRequest struct {
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListBundlesResponse struct {
	Bundles    []domain.Snapshot `json:"bundles"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// BundleEvent is one event from a bundle's recorded history
type BundleEvent struct {
	EventID    string          `json:"event_id"`
	Service    string          `json:"service,omitempty"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type BundleEventsResponse struct {
	BundleID string        `json:"bundle_id"`
	Events   []BundleEvent `json:"events"`
}
