// Package stats keeps the in-process request counters and sliding windows:
// the global cap on /recent, per-source ingest rates and the lifetime
// counters reported by /stats. Nothing here survives a restart.
package stats
