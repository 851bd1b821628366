package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NoCorrelation is the sentinel correlation id producers use for unattributed chatter.
const NoCorrelation = "-"

// DefaultHostname is stored when a producer does not report one.
const DefaultHostname = "unknown"

// ErrInvalidDirection is returned when a direction is neither ENTRY nor EXIT.
var ErrInvalidDirection = errors.New("direction must be one of ->, <-, ENTRY, EXIT")

// Direction marks whether an entry records entering or leaving an operation.
type Direction string

const (
	DirectionEntry Direction = "->"
	DirectionExit  Direction = "<-"
)

// ParseDirection normalizes the accepted spellings to the arrow form.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "->", "ENTRY", "IN":
		return DirectionEntry, nil
	case "<-", "EXIT", "OUT":
		return DirectionExit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
}

// UnmarshalJSON accepts both the arrow and the word form.
func (d *Direction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDirection(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Direction) String() string { return string(d) }

// Entry is one checkpoint event in a request chain.
type Entry struct {
	ID            int64          `json:"id,omitempty"`
	SourceID      string         `json:"source_id"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     float64        `json:"timestamp"`
	Suffix        string         `json:"suffix"`
	Direction     Direction      `json:"direction"`
	Operation     string         `json:"operation"`
	Endpoint      string         `json:"endpoint"`
	Data          map[string]any `json:"data"`
	Hostname      string         `json:"hostname"`
	RawLine       *string        `json:"raw_line"`
}

// Normalize clears server-owned fields and fills defaults before storage.
func (e *Entry) Normalize() {
	e.ID = 0
	if e.Hostname == "" {
		e.Hostname = DefaultHostname
	}
}

// QueryFilter narrows a correlation query. Zero values mean no filter.
type QueryFilter struct {
	SourceID string
	Since    float64
}

// RecentFilter selects a page of the newest entries across all chains.
type RecentFilter struct {
	Limit        int
	SinceID      int64
	SourcePrefix string
}

// CorrelationSummary describes one chain for listings.
type CorrelationSummary struct {
	CorrelationID string   `json:"correlation_id"`
	TraceCount    int      `json:"trace_count"`
	FirstTS       float64  `json:"first_ts"`
	LastTS        float64  `json:"last_ts"`
	DurationMS    int64    `json:"duration_ms"`
	Sources       []string `json:"sources"`
}

// Complete reports whether a chain has at least one ENTRY and as many EXITs.
func Complete(entries []Entry) bool {
	var in, out int
	for _, e := range entries {
		switch e.Direction {
		case DirectionEntry:
			in++
		case DirectionExit:
			out++
		}
	}
	return in > 0 && in == out
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
