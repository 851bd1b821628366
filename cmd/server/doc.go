// Package main is the entry point for the TraceHub server.
//
// TraceHub collects checkpoint traces from many producers, stores them in an
// embedded SQLite database and serves them back per correlation id, either
// as a snapshot or as a live stream. Querying an id turns full-rate tracing
// on for it; the adaptive config endpoint tells producers which ids are hot.
//
// Configuration:
//   - Defaults
//   - YAML file named by TRACEHUB_CONFIG
//   - Environment variables (TRACEHUB_*, ADAPTIVE_*, STREAM_*, ...)
//   - CLI flags (override everything above)
//
// Usage:
//
//	# Defaults: 0.0.0.0:8099, /tmp/tracehub.db
//	./server
//
//	# Custom address and database, coloured debug logs
//	./server -host 127.0.0.1 -port 9000 -db /var/lib/tracehub.db -dev
//
// The process stops on SIGINT or SIGTERM, draining open requests for up to
// TRACEHUB_SHUTDOWN_TIMEOUT before closing the database.
package main
