package router

import (
	"net/http"

	"github.com/cuongbtq/trial-bundler/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "bundle-api-service",
			"stats":   deps.Scheduler.Stats(),
		})
	})

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	bundleHandler := handler.NewBundleHandler(deps)
	channelHandler := handler.NewChannelHandler(deps)

	// Real-time channel
	r.GET("/ws", channelHandler.Connect)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		bundles := v1.Group("/bundles")
		{
			// POST /api/v1/bundles - Submit a trial bundle
			bundles.POST("", bundleHandler.CreateBundle)

			// GET /api/v1/bundles - List active bundles with filtering and pagination
			bundles.GET("", bundleHandler.ListBundles)

			// GET /api/v1/bundles/:bundle_id - Get bundle snapshot
			bundles.GET("/:bundle_id", bundleHandler.GetBundle)

			// GET /api/v1/bundles/:bundle_id/events - Recorded event history
			bundles.GET("/:bundle_id/events", bundleHandler.ListBundleEvents)

			// POST /api/v1/bundles/:bundle_id/cancel - Cancel a bundle
			bundles.POST("/:bundle_id/cancel", bundleHandler.CancelBundle)
		}

		// GET /api/v1/stats - Scheduler load
		v1.GET("/stats", bundleHandler.Stats)
	}

	return r
}
