package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TraceHub/internal/domain/adaptive"
)

// TracingConfig serves the sampling document producers poll. A matching
// If-None-Match yields 304 with no body.
func (h *Handlers) TracingConfig(c *gin.Context) {
	snap := h.controller.Snapshot()
	etag := `"` + snap.ETag + `"`

	if inm := c.GetHeader("If-None-Match"); inm != "" && strings.Trim(strings.TrimSpace(inm), `"`) == snap.ETag {
		c.Header("ETag", etag)
		c.Status(http.StatusNotModified)
		return
	}

	c.Header("ETag", etag)
	c.JSON(http.StatusOK, snap)
}

// TracingStatus lists every HOT and WARM id
func (h *Handlers) TracingStatus(c *gin.Context) {
	entries := h.controller.Status()
	if entries == nil {
		entries = []adaptive.StatusEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"correlations": entries, "count": len(entries)})
}

// EnableTracing promotes an id to HOT
func (h *Handlers) EnableTracing(c *gin.Context) {
	id := c.Param("id")
	prev := h.controller.MarkHot(id)

	h.log(c).Info("Tracing enabled", zap.String("correlation_id", id), zap.String("previous_state", string(prev)))
	c.JSON(http.StatusOK, gin.H{
		"correlation_id": id,
		"state":          adaptive.StateHot,
		"previous_state": prev,
		"ttl":            int64(h.controller.Config().HotTTL.Seconds()),
	})
}

// DisableTracing forgets an id, returning it to COLD
func (h *Handlers) DisableTracing(c *gin.Context) {
	id := c.Param("id")
	prev := h.controller.Disable(id)

	h.log(c).Info("Tracing disabled", zap.String("correlation_id", id), zap.String("previous_state", string(prev)))
	c.JSON(http.StatusOK, gin.H{
		"correlation_id": id,
		"state":          adaptive.StateCold,
		"previous_state": prev,
	})
}

// TraceRate reports the sampling rate a producer should apply to an id
func (h *Handlers) TraceRate(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"correlation_id": id,
		"state":          h.controller.State(id),
		"rate":           h.controller.TraceRate(id),
	})
}
