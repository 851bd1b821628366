/*
Package tracing tags every HTTP request with a trace and span ID.

IDs arrive in, and are echoed back through, the X-Trace-ID and X-Span-ID
headers. A missing trace ID starts a new trace with a req_-prefixed ULID.
Finished spans go to a buffered channel and are logged by a single
collector goroutine; a full buffer drops the span rather than blocking the
request.

# Usage

	tracer := tracing.New("tracehub", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	// inside a handler
	logger.Info("Chain queried", tracing.Fields(c.Request.Context())...)
*/
package tracing
