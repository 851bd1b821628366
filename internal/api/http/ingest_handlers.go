package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TraceHub/internal/domain/trace"
)

// EntryPayload is an entry as producers send it. Required fields must be
// present but may hold zero values.
type EntryPayload struct {
	SourceID      *string          `json:"source_id" binding:"required"`
	CorrelationID *string          `json:"correlation_id" binding:"required"`
	Timestamp     *float64         `json:"timestamp" binding:"required"`
	Suffix        *string          `json:"suffix" binding:"required"`
	Direction     *trace.Direction `json:"direction" binding:"required"`
	Operation     *string          `json:"operation" binding:"required"`
	Endpoint      *string          `json:"endpoint" binding:"required"`
	Data          map[string]any   `json:"data"`
	Hostname      string           `json:"hostname"`
	RawLine       *string          `json:"raw_line"`
}

// Entry converts a bound payload.
func (p EntryPayload) Entry() trace.Entry {
	return trace.Entry{
		SourceID:      *p.SourceID,
		CorrelationID: *p.CorrelationID,
		Timestamp:     *p.Timestamp,
		Suffix:        *p.Suffix,
		Direction:     *p.Direction,
		Operation:     *p.Operation,
		Endpoint:      *p.Endpoint,
		Data:          p.Data,
		Hostname:      p.Hostname,
		RawLine:       p.RawLine,
	}
}

// IngestRequest is a batch of entries from one producer flush.
type IngestRequest struct {
	Traces []EntryPayload `json:"traces" binding:"required,dive"`
}

// Entries converts the bound batch.
func (r IngestRequest) Entries() []trace.Entry {
	out := make([]trace.Entry, len(r.Traces))
	for i, p := range r.Traces {
		out[i] = p.Entry()
	}
	return out
}

// Ingest handles batch ingestion. Duplicates are counted, never rejected.
func (h *Handlers) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ingest request: " + err.Error()})
		return
	}

	sum := h.collector.Ingest(c.Request.Context(), req.Entries())

	h.log(c).Debug("Traces ingested",
		zap.Int("accepted", sum.Accepted),
		zap.Int("inserted", sum.Inserted),
		zap.Int("duplicates", sum.Duplicates),
	)
	c.JSON(http.StatusOK, sum)
}

// IngestSingle handles one entry.
func (h *Handlers) IngestSingle(c *gin.Context) {
	var p EntryPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid trace entry: " + err.Error()})
		return
	}

	res := h.collector.IngestOne(c.Request.Context(), p.Entry())
	c.JSON(http.StatusOK, gin.H{"inserted": res.Inserted()})
}
