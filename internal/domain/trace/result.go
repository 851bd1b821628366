package trace

// Outcome classifies what happened to a single insert attempt.
type Outcome int

const (
	// OutcomeInserted means a new row was stored.
	OutcomeInserted Outcome = iota
	// OutcomeRefreshed means a soft duplicate refreshed an existing row in place.
	OutcomeRefreshed
	// OutcomeDuplicate means the exact (correlation_id, timestamp, suffix) already existed.
	OutcomeDuplicate
	// OutcomeFailed means the storage layer faulted.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// InsertResult is the internal outcome of Store.Insert. Callers that only
// need the boolean contract use Inserted.
type InsertResult struct {
	Outcome Outcome
	ID      int64
	Err     error
}

// Inserted reports whether a genuinely new row was written.
func (r InsertResult) Inserted() bool {
	return r.Outcome == OutcomeInserted
}
