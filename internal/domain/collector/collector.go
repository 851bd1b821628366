package collector

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/TraceHub/internal/domain/adaptive"
	"github.com/GriffinCanCode/TraceHub/internal/domain/broadcast"
	"github.com/GriffinCanCode/TraceHub/internal/domain/stats"
	"github.com/GriffinCanCode/TraceHub/internal/domain/trace"
	"github.com/GriffinCanCode/TraceHub/internal/infrastructure/monitoring"
)

// Recent page sizes.
const (
	DefaultRecentLimit = 200
	MaxRecentLimit     = 1000
)

// DefaultCorrelationLimit is the listing size when none is requested.
const DefaultCorrelationLimit = 50

// hintRetryAfter tells a caller how long to wait for full-rate traces after
// a cold id was promoted.
const hintRetryAfter = 45

// Store is the persistence the collector needs.
type Store interface {
	Insert(ctx context.Context, e trace.Entry) trace.InsertResult
	Query(ctx context.Context, correlationID string, filter trace.QueryFilter) ([]trace.Entry, error)
	Recent(ctx context.Context, filter trace.RecentFilter) ([]trace.Entry, error)
	ListCorrelations(ctx context.Context, limit int) ([]trace.CorrelationSummary, error)
}

// Deps are the shared structures the collector coordinates.
type Deps struct {
	Store      Store
	Hub        *broadcast.Hub[trace.Entry]
	Controller *adaptive.Controller
	Tracker    *stats.Tracker
}

// Collector moves entries from producers into storage and out to readers.
type Collector struct {
	store      Store
	hub        *broadcast.Hub[trace.Entry]
	controller *adaptive.Controller
	tracker    *stats.Tracker
	stream     StreamConfig
	logger     *zap.Logger
	metrics    *monitoring.Metrics
	now        func() time.Time
}

// New creates a collector.
func New(cfg StreamConfig, deps Deps, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		store:      deps.Store,
		hub:        deps.Hub,
		controller: deps.Controller,
		tracker:    deps.Tracker,
		stream:     cfg.withDefaults(),
		logger:     logger,
		now:        time.Now,
	}
}

// WithMetrics adds metrics tracking to the collector
func (c *Collector) WithMetrics(metrics *monitoring.Metrics) *Collector {
	c.metrics = metrics
	return c
}

// IngestSummary is the result of a batch ingest.
type IngestSummary struct {
	Accepted   int `json:"accepted"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// Ingest stores a batch. Per-row faults are absorbed into the duplicate
// count; the batch itself never fails.
func (c *Collector) Ingest(ctx context.Context, entries []trace.Entry) IngestSummary {
	sum := IngestSummary{Accepted: len(entries)}
	for _, e := range entries {
		if c.IngestOne(ctx, e).Inserted() {
			sum.Inserted++
		}
	}
	sum.Duplicates = sum.Accepted - sum.Inserted
	c.metrics.RecordIngestBatch(len(entries))
	return sum
}

// IngestOne stores one entry, notifies live listeners when it is new and
// records per-source stats whatever the outcome.
func (c *Collector) IngestOne(ctx context.Context, e trace.Entry) trace.InsertResult {
	e.Normalize()
	res := c.store.Insert(ctx, e)
	if res.Err != nil {
		c.logger.Warn("Failed to store trace",
			zap.String("correlation_id", e.CorrelationID),
			zap.String("source_id", e.SourceID),
			zap.Error(res.Err),
		)
	}
	if res.Inserted() {
		e.ID = res.ID
		c.hub.Notify(e.CorrelationID, e)
	}
	c.tracker.RecordIngest(e.SourceID, res.Outcome, c.now())
	c.metrics.RecordIngest(res.Outcome.String())
	return res
}

// AdaptiveHint tells a reader the chain was cold before this query.
type AdaptiveHint struct {
	PreviousState     adaptive.State `json:"previous_state"`
	CurrentState      adaptive.State `json:"current_state"`
	Message           string         `json:"message"`
	RetryAfterSeconds int            `json:"retry_after_seconds"`
}

// Chain is a correlation's stored history.
type Chain struct {
	CorrelationID string        `json:"correlation_id"`
	Traces        []trace.Entry `json:"traces"`
	Count         int           `json:"count"`
	Complete      bool          `json:"complete"`
	AdaptiveHint  *AdaptiveHint `json:"adaptive_hint,omitempty"`
}

// Chain promotes the id to HOT and returns its history.
func (c *Collector) Chain(ctx context.Context, correlationID string, filter trace.QueryFilter) (Chain, error) {
	prev := c.controller.MarkHot(correlationID)
	c.tracker.RecordQuery()

	entries, err := c.store.Query(ctx, correlationID, filter)
	if err != nil {
		return Chain{}, fmt.Errorf("loading chain %s: %w", correlationID, err)
	}

	chain := Chain{
		CorrelationID: correlationID,
		Traces:        entries,
		Count:         len(entries),
		Complete:      trace.Complete(entries),
	}
	if prev == adaptive.StateCold {
		chain.AdaptiveHint = &AdaptiveHint{
			PreviousState:     adaptive.StateCold,
			CurrentState:      adaptive.StateHot,
			Message:           "Tracing activated. Previous traces may be incomplete (COLD mode). Full recording started.",
			RetryAfterSeconds: hintRetryAfter,
		}
	}
	return chain, nil
}

// Recent returns the newest entries across all chains, subject to the
// global cap. Returns stats.ErrRateLimited when the cap is hit.
func (c *Collector) Recent(ctx context.Context, filter trace.RecentFilter) ([]trace.Entry, error) {
	if err := c.tracker.AllowRecent(c.now()); err != nil {
		c.metrics.IncRecentRejected()
		return nil, err
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultRecentLimit
	case filter.Limit > MaxRecentLimit:
		filter.Limit = MaxRecentLimit
	}
	entries, err := c.store.Recent(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("loading recent traces: %w", err)
	}
	return entries, nil
}

// Correlations lists chain summaries, most recently active first.
func (c *Collector) Correlations(ctx context.Context, limit int) ([]trace.CorrelationSummary, error) {
	if limit <= 0 {
		limit = DefaultCorrelationLimit
	}
	summaries, err := c.store.ListCorrelations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing correlations: %w", err)
	}
	return summaries, nil
}
