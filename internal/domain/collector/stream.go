package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/TraceHub/internal/domain/trace"
)

// StreamConfig bounds live streams.
type StreamConfig struct {
	Keepalive      time.Duration
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// DefaultStreamConfig keeps streams alive every second for a minute, capped at an hour.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Keepalive:      time.Second,
		DefaultTimeout: 60 * time.Second,
		MaxTimeout:     time.Hour,
	}
}

func (c StreamConfig) withDefaults() StreamConfig {
	def := DefaultStreamConfig()
	if c.Keepalive <= 0 {
		c.Keepalive = def.Keepalive
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = def.MaxTimeout
	}
	return c
}

// Timeout resolves a requested stream duration against the limits.
func (c StreamConfig) Timeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return c.DefaultTimeout
	}
	if requested > c.MaxTimeout {
		return c.MaxTimeout
	}
	return requested
}

// StreamSink receives the frames of one live stream. Any error ends the stream.
type StreamSink interface {
	Trace(e trace.Entry) error
	Keepalive() error
	End() error
}

// StreamConfig returns the resolved stream limits.
func (c *Collector) StreamConfig() StreamConfig { return c.stream }

// Stream replays a chain's history into sink, then forwards live entries
// until the timeout, emitting keepalives while idle and a terminal End. The
// timeout starts before the replay. It subscribes before reading history and
// skips live entries already replayed. The registration is released on every
// return path, and cancellation still attempts a final End.
//
// A storage fault while loading history is logged and the stream carries on
// with live entries only.
func (c *Collector) Stream(ctx context.Context, correlationID string, timeout time.Duration, sink StreamSink) error {
	timeout = c.stream.Timeout(timeout)

	c.controller.MarkHot(correlationID)
	c.tracker.RecordQuery()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	sub := c.hub.Subscribe(correlationID)
	defer c.hub.Unsubscribe(sub)

	history, err := c.store.Query(ctx, correlationID, trace.QueryFilter{})
	if err != nil {
		c.logger.Warn("Failed to load stream history",
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		history = nil
	}

	replayed := make(map[int64]struct{}, len(history))
	for _, e := range history {
		select {
		case <-deadline.C:
			return sink.End()
		default:
		}
		replayed[e.ID] = struct{}{}
		if err := sink.Trace(e); err != nil {
			return err
		}
	}

	keepalive := time.NewTicker(c.stream.Keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = sink.End()
			return ctx.Err()
		case <-deadline.C:
			return sink.End()
		case e := <-sub.C():
			if _, dup := replayed[e.ID]; dup {
				delete(replayed, e.ID)
				continue
			}
			if err := sink.Trace(e); err != nil {
				return err
			}
			keepalive.Reset(c.stream.Keepalive)
		case <-keepalive.C:
			c.hub.Touch(correlationID)
			if err := sink.Keepalive(); err != nil {
				return err
			}
		}
	}
}
