// Package client is the Go SDK for TraceHub.
//
// Producers use a Sender to ship checkpoint entries without blocking the
// instrumented code path:
//
//	cfg, _ := client.ConfigFromEnv() // TRACEHUB_URL, TRACEHUB_SECRET, ...
//	sender := client.NewSender(cfg, logger)
//	defer sender.Close(ctx)
//
//	sender.Send(client.NewEntry("WK", corrID, client.DirectionEntry, "RPC", "/foo", nil))
//
// Entries are batched (10 per request or every second), optionally gzipped,
// and retried with a short linear backoff. Auth failures are not retried.
// A circuit breaker drops batches while the server is unreachable.
//
// QueryClient reads chains back, including the live SSE stream.
package client
