package client

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GriffinCanCode/TraceHub/internal/domain/collector"
	"github.com/GriffinCanCode/TraceHub/internal/domain/trace"
)

type (
	// Entry is one checkpoint event as accepted by /ingest.
	Entry = trace.Entry
	// Direction is ENTRY ("->") or EXIT ("<-").
	Direction = trace.Direction
	// Chain is the /traces/{id} response.
	Chain = collector.Chain
	// CorrelationSummary is one row of the /correlations response.
	CorrelationSummary = trace.CorrelationSummary
)

const (
	DirectionEntry = trace.DirectionEntry
	DirectionExit  = trace.DirectionExit
)

var hostname = sync.OnceValue(func() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return trace.DefaultHostname
	}
	return h
})

// NewEntry builds an entry stamped with the current time in milliseconds,
// this host's name and a random 8-character suffix.
func NewEntry(sourceID, correlationID string, dir Direction, operation, endpoint string, data map[string]any) Entry {
	return Entry{
		SourceID:      sourceID,
		CorrelationID: correlationID,
		Timestamp:     float64(time.Now().UnixMilli()),
		Suffix:        NewSuffix(),
		Direction:     dir,
		Operation:     operation,
		Endpoint:      endpoint,
		Data:          data,
		Hostname:      hostname(),
	}
}

// NewSuffix returns a short random id for pairing an entry with its exit.
func NewSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
