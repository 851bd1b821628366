package http

import (
	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/TraceHub/internal/api/middleware"
)

// RegisterRoutes mounts the TraceHub API on r. Only the ingest routes are
// guarded by the shared secret.
func RegisterRoutes(r gin.IRouter, h *Handlers, secret string) {
	ingest := r.Group("/ingest", middleware.DecompressRequest(), middleware.RequireSecret(secret))
	ingest.POST("", h.Ingest)
	ingest.POST("/single", h.IngestSingle)

	// Query
	r.GET("/recent", h.Recent)
	r.GET("/traces/:id", h.Chain)
	r.GET("/traces/:id/stream", h.Stream)
	r.GET("/correlations", h.Correlations)

	// Adaptive tracing
	r.GET("/tracing/config", h.TracingConfig)
	r.GET("/tracing/status", h.TracingStatus)
	r.POST("/tracing/enable/:id", h.EnableTracing)
	r.POST("/tracing/disable/:id", h.DisableTracing)
	r.GET("/tracing/rate/:id", h.TraceRate)

	// Admin
	r.GET("/stats", h.Stats)
	r.GET("/stats/sources", h.StatsSources)
	r.GET("/health", h.Health)
	r.DELETE("/cleanup", h.Cleanup)
	r.GET("/metrics", h.Metrics)
}
