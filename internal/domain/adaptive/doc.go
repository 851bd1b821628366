/*
Package adaptive implements the HOT/WARM/COLD sampling state machine.

# States

	COLD --query/enable--> HOT --ttl expired (tick)--> WARM --ttl expired (tick)--> COLD
	                        ^                            |
	                        +-----------query------------+

Any state returns to COLD on disable. COLD is the absence of an entry.

Producers poll the config document and compare its etag; the etag moves on
every promotion, on every disable that removed an id and at most once per
cooldown pass.

# Usage

	ctrl := adaptive.NewController(adaptive.DefaultConfig())
	prev := ctrl.MarkHot("req-42")
	rate := ctrl.TraceRate("req-42") // 1.0
	ctrl.Cooldown()                  // called by the maintenance scheduler
*/
package adaptive
