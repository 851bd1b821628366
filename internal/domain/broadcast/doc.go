// Package broadcast fans live values out to listeners grouped by key.
//
// Each listener owns a bounded channel. Notify never blocks: a listener whose
// channel is full misses the value and is removed from its bucket after the
// pass. Buckets that outlive their streams are reclaimed by SweepStale.
package broadcast
