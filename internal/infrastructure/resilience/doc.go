/*
Package resilience provides the circuit breaker used by the ingest client.

When the hub is down, the sender stops posting batches for Timeout and then
lets MaxRequests probes through. A successful probe closes the breaker.

	Closed --[ReadyToTrip]-> Open --[Timeout]-> Half-Open --[successes]-> Closed
	                                                |
	                                            [failure]
	                                                v
	                                              Open

# Usage

	breaker := resilience.New("tracehub-ingest", resilience.Settings{
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	})

	err := breaker.Execute(func() error {
		return post(batch)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		// drop the batch
	}
*/
package resilience
