/*
Package monitoring provides Prometheus metrics for TraceHub.

# Overview

Metrics live on an injected registry rather than the global default, so
tests can build as many servers as they like without duplicate
registration panics.

# Features

- HTTP request metrics (latency, throughput, size) keyed by route template
- Ingest outcomes and batch sizes
- Live stream gauges and frame counters
- Subscriber and adaptive-state gauges refreshed by the scheduler
- Maintenance task durations, failures and retention deletions
- Go runtime and process collectors

# Usage

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics, "retention")
	deleted, err := store.Sweep(ctx, horizon)
	timer.Stop(err)
*/
package monitoring
