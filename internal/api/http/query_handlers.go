package http

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TraceHub/internal/domain/stats"
	"github.com/GriffinCanCode/TraceHub/internal/domain/trace"
)

// RecentQuery are the /recent parameters.
type RecentQuery struct {
	Limit   int    `form:"limit,default=200" binding:"min=1,max=1000"`
	SinceID int64  `form:"since_id" binding:"min=0"`
	Source  string `form:"source"`
}

// ChainQuery are the /traces/:id parameters.
type ChainQuery struct {
	Source string  `form:"source"`
	Since  float64 `form:"since" binding:"min=0"`
}

// StreamQuery are the stream parameters. Timeout is in seconds.
type StreamQuery struct {
	Timeout int `form:"timeout" binding:"min=0"`
}

// Duration returns the requested stream length. Zero means the default.
func (q StreamQuery) Duration() time.Duration {
	return time.Duration(q.Timeout) * time.Second
}

// CorrelationsQuery are the /correlations parameters.
type CorrelationsQuery struct {
	Limit int `form:"limit,default=50" binding:"min=1,max=1000"`
}

// Recent handles the newest entries across all chains
func (h *Handlers) Recent(c *gin.Context) {
	var q RecentQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query: " + err.Error()})
		return
	}

	entries, err := h.collector.Recent(c.Request.Context(), trace.RecentFilter{
		Limit:        q.Limit,
		SinceID:      q.SinceID,
		SourcePrefix: q.Source,
	})
	switch {
	case errors.Is(err, stats.ErrRateLimited):
		cfg := h.tracker.Config()
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded: max %d requests/%s", cfg.RecentLimit, windowUnit(cfg.RecentWindow)),
		})
		return
	case err != nil:
		h.log(c).Error("Failed to load recent traces", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load recent traces"})
		return
	}

	entries = nonNil(entries)
	c.JSON(http.StatusOK, gin.H{"traces": entries, "count": len(entries)})
}

// Chain handles a correlation's history and promotes it to HOT
func (h *Handlers) Chain(c *gin.Context) {
	var q ChainQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query: " + err.Error()})
		return
	}
	id := c.Param("id")

	chain, err := h.collector.Chain(c.Request.Context(), id, trace.QueryFilter{
		SourceID: q.Source,
		Since:    q.Since,
	})
	if err != nil {
		h.log(c).Error("Failed to load chain", zap.String("correlation_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load traces"})
		return
	}

	chain.Traces = nonNil(chain.Traces)
	c.JSON(http.StatusOK, chain)
}

// Correlations handles the chain listing
func (h *Handlers) Correlations(c *gin.Context) {
	var q CorrelationsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query: " + err.Error()})
		return
	}

	summaries, err := h.collector.Correlations(c.Request.Context(), q.Limit)
	if err != nil {
		h.log(c).Error("Failed to list correlations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list correlations"})
		return
	}
	if summaries == nil {
		summaries = []trace.CorrelationSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"correlations": summaries, "count": len(summaries)})
}

// Stream handles the live SSE feed for one chain
func (h *Handlers) Stream(c *gin.Context) {
	var q StreamQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query: " + err.Error()})
		return
	}
	id := c.Param("id")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	h.metrics.StreamOpened(transportSSE)
	defer h.metrics.StreamClosed(transportSSE)

	sink := newSSESink(c.Writer, h.metrics)
	err := h.collector.Stream(c.Request.Context(), id, q.Duration(), sink)
	if err != nil && c.Request.Context().Err() == nil {
		h.log(c).Debug("Stream ended early", zap.String("correlation_id", id), zap.Error(err))
	}
}

func windowUnit(d time.Duration) string {
	if d == time.Minute {
		return "minute"
	}
	return d.String()
}

func nonNil(entries []trace.Entry) []trace.Entry {
	if entries == nil {
		return []trace.Entry{}
	}
	return entries
}
