/*
Package maintenance runs TraceHub's periodic housekeeping.

A single Scheduler ticks at a base interval (10s by default):

	every tick        adaptive cooldown
	every 6th tick    stale subscriber sweep, rate window trim
	every 360th tick  retention sweep (Reaper)

A failing or panicking task is logged and counted; the loop keeps going.
*/
package maintenance
