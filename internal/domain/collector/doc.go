/*
Package collector ties the trace store, the subscriber hub, the adaptive
controller and the stats tracker together.

Ingest path:

	entry -> store.Insert -> (new row) hub.Notify -> tracker.RecordIngest

Read path:

	Chain:  controller.MarkHot -> store.Query -> completeness + hint
	Stream: controller.MarkHot -> hub.Subscribe -> store.Query (replay)
	        -> live entries / keepalives -> End at timeout

Transports (SSE, WebSocket) implement StreamSink and stay ignorant of the
replay and dedup rules.
*/
package collector
