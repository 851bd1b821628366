package http

import (
	"context"
	"math"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TraceHub/internal/domain/adaptive"
	"github.com/GriffinCanCode/TraceHub/internal/domain/broadcast"
	"github.com/GriffinCanCode/TraceHub/internal/domain/collector"
	"github.com/GriffinCanCode/TraceHub/internal/domain/stats"
	"github.com/GriffinCanCode/TraceHub/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/TraceHub/internal/infrastructure/tracing"
)

// ServiceName is reported by /health.
const ServiceName = "tracehub"

// Database describes the trace store for health and stats output.
type Database interface {
	Path() string
	Size() int64
}

// SubscriberStats reports live stream registrations.
type SubscriberStats interface {
	Stats() broadcast.Stats
}

// Cleaner runs a retention sweep on demand.
type Cleaner interface {
	Reap(ctx context.Context) (int64, error)
}

// Deps are the components the handlers read from.
type Deps struct {
	Collector      *collector.Collector
	Controller     *adaptive.Controller
	Tracker        *stats.Tracker
	Subscribers    SubscriberStats
	Database       Database
	Cleaner        Cleaner
	Metrics        *monitoring.Metrics
	RetentionHours int
}

// Handlers contains all HTTP handlers
type Handlers struct {
	collector      *collector.Collector
	controller     *adaptive.Controller
	tracker        *stats.Tracker
	subscribers    SubscriberStats
	db             Database
	cleaner        Cleaner
	metrics        *monitoring.Metrics
	retentionHours int
	logger         *zap.Logger
	now            func() time.Time
}

// NewHandlers creates a new handler set
func NewHandlers(deps Deps, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		collector:      deps.Collector,
		controller:     deps.Controller,
		tracker:        deps.Tracker,
		subscribers:    deps.Subscribers,
		db:             deps.Database,
		cleaner:        deps.Cleaner,
		metrics:        deps.Metrics,
		retentionHours: deps.RetentionHours,
		logger:         logger,
		now:            time.Now,
	}
}

// log returns the handler logger tagged with the request trace.
func (h *Handlers) log(c *gin.Context) *zap.Logger {
	return h.logger.With(tracing.Fields(c.Request.Context())...)
}

// Health handles the liveness probe
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"service":         ServiceName,
		"db":              h.db.Path(),
		"retention_hours": h.retentionHours,
	})
}

type requestStats struct {
	stats.Counters
	RecentRPM int `json:"recent_rpm"`
}

type databaseStats struct {
	Path           string  `json:"path"`
	SizeMB         float64 `json:"size_mb"`
	RetentionHours int     `json:"retention_hours"`
}

type memoryStats struct {
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	SysMB       float64 `json:"sys_mb"`
	NumGC       uint32  `json:"num_gc"`
	Goroutines  int     `json:"goroutines"`
}

// Stats handles the operational summary
func (h *Handlers) Stats(c *gin.Context) {
	snap := h.tracker.Snapshot(h.now())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int64(snap.Uptime.Seconds()),
		"subscribers":    h.subscribers.Stats(),
		"requests": requestStats{
			Counters:  snap.Counters,
			RecentRPM: snap.RecentRPM,
		},
		"database": databaseStats{
			Path:           h.db.Path(),
			SizeMB:         megabytes(uint64(max(h.db.Size(), 0))),
			RetentionHours: h.retentionHours,
		},
		"memory": memoryStats{
			HeapAllocMB: megabytes(mem.HeapAlloc),
			SysMB:       megabytes(mem.Sys),
			NumGC:       mem.NumGC,
			Goroutines:  runtime.NumGoroutine(),
		},
		"top_sources": snap.TopSources,
		"http":        h.metrics.HTTPSnapshot(),
	})
}

// StatsSources handles the per-source ingest report
func (h *Handlers) StatsSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sources":        h.tracker.Sources(h.now()),
		"window_seconds": int(h.tracker.Config().SourceWindow.Seconds()),
	})
}

// Cleanup runs the retention sweep synchronously
func (h *Handlers) Cleanup(c *gin.Context) {
	deleted, err := h.cleaner.Reap(c.Request.Context())
	if err != nil {
		h.log(c).Error("Cleanup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cleanup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// Metrics serves the Prometheus exposition
func (h *Handlers) Metrics(c *gin.Context) {
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

func megabytes(n uint64) float64 {
	return math.Round(float64(n)/(1<<20)*100) / 100
}
