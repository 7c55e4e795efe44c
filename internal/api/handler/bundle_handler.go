package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/cuongbtq/trial-bundler/internal/api/dto"
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateBundle handles POST /api/v1/bundles
// Submits a bundle to the scheduler. Progress is observed by polling or over the channel.
func (h *BundleHandler) CreateBundle(c *gin.Context) {
	var req dto.CreateBundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	ctx := c.Request.Context()
	bundleID, err := h.scheduler.Submit(ctx, req.ToDomain())
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidBundleSpec):
			h.logger.Warn("Rejected bundle", slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
		case errors.Is(err, scheduler.ErrStopped):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Scheduler is shutting down",
			})
		default:
			h.logger.Error("Failed to submit bundle", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to submit bundle",
			})
		}
		return
	}

	snap, err := h.scheduler.GetStatus(ctx, bundleID)
	if err != nil {
		h.logger.Error("Failed to read submitted bundle",
			slog.String("bundle_id", bundleID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusAccepted, dto.CreateBundleResponse{BundleID: bundleID, State: domain.BundleRunning})
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateBundleResponse{
		BundleID: bundleID,
		State:    snap.State,
		Deadline: snap.Deadline,
	})
}

// GetBundle handles GET /api/v1/bundles/:bundle_id
func (h *BundleHandler) GetBundle(c *gin.Context) {
	bundleID, ok := h.bundleID(c)
	if !ok {
		return
	}

	snap, err := h.scheduler.GetStatus(c.Request.Context(), bundleID)
	if err != nil {
		h.writeLookupError(c, bundleID, err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

// ListBundles handles GET /api/v1/bundles
// Lists active bundles in submission order with optional state filter and cursor pagination
func (h *BundleHandler) ListBundles(c *gin.Context) {
	var req dto.ListBundlesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := decodeBundleCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	all := h.scheduler.List()
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].SubmittedAt.Equal(all[j].SubmittedAt) {
			return all[i].SubmittedAt.Before(all[j].SubmittedAt)
		}
		return all[i].BundleID < all[j].BundleID
	})

	page := make([]domain.Snapshot, 0, req.PageSize)
	hasMore := false
	for _, snap := range all {
		if req.State != "" && string(snap.State) != req.State {
			continue
		}
		if !cursor.after(snap.SubmittedAt, snap.BundleID) {
			continue
		}
		if len(page) == req.PageSize {
			hasMore = true
			break
		}
		page = append(page, snap)
	}

	resp := dto.ListBundlesResponse{Bundles: page}
	if hasMore {
		last := page[len(page)-1]
		resp.NextCursor = encodeBundleCursor(&bundleCursor{SubmittedAt: last.SubmittedAt, BundleID: last.BundleID})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelBundle handles POST /api/v1/bundles/:bundle_id/cancel
// Fails every unfinished attempt and returns the finalized bundle
func (h *BundleHandler) CancelBundle(c *gin.Context) {
	bundleID, ok := h.bundleID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := h.scheduler.Cancel(ctx, bundleID); err != nil {
		h.writeLookupError(c, bundleID, err)
		return
	}

	snap, err := h.scheduler.GetStatus(ctx, bundleID)
	if err != nil {
		h.writeLookupError(c, bundleID, err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

// ListBundleEvents handles GET /api/v1/bundles/:bundle_id/events
// Returns the recorded event history, available only when events are persisted
func (h *BundleHandler) ListBundleEvents(c *gin.Context) {
	bundleID, ok := h.bundleID(c)
	if !ok {
		return
	}

	if h.events == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "Event history is not recorded by this deployment",
		})
		return
	}

	records, err := h.events.ListEvents(c.Request.Context(), bundleID)
	if err != nil {
		h.logger.Error("Failed to list bundle events",
			slog.String("bundle_id", bundleID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list bundle events",
		})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "No events recorded for bundle",
		})
		return
	}

	resp := dto.BundleEventsResponse{
		BundleID: bundleID,
		Events:   make([]dto.BundleEvent, len(records)),
	}
	for i, rec := range records {
		resp.Events[i] = dto.BundleEvent{
			EventID:    rec.EventID,
			Service:    rec.Service,
			EventType:  rec.EventType,
			Payload:    rec.Payload,
			OccurredAt: rec.OccurredAt,
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Stats handles GET /api/v1/stats
func (h *BundleHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Stats())
}

func (h *BundleHandler) bundleID(c *gin.Context) (string, bool) {
	bundleID := c.Param("bundle_id")
	if _, err := uuid.Parse(bundleID); err != nil {
		h.logger.Warn("Invalid bundle_id format",
			slog.String("bundle_id", bundleID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "bundle_id must be a valid UUID",
		})
		return "", false
	}
	return bundleID, true
}

func (h *BundleHandler) writeLookupError(c *gin.Context, bundleID string, err error) {
	if errors.Is(err, domain.ErrUnknownBundle) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Bundle not found",
		})
		return
	}

	h.logger.Error("Failed to look up bundle",
		slog.String("bundle_id", bundleID),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "Failed to look up bundle",
	})
}
