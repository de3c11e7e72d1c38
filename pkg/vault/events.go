package vault

import (
	"time"

	"cosmossdk.io/math"
	"github.com/google/uuid"
)

// EventKind identifies an entry in the observability feed. Events are
// informational only; correctness never depends on them.
type EventKind string

const (
	EventContributionRecorded EventKind = "contribution_recorded"
	EventConverted            EventKind = "converted"
	EventYieldDeposited       EventKind = "yield_deposited"
	EventClaimed              EventKind = "claimed"
)

// Event is an append-only notification for dashboards and indexers.
type Event struct {
	ID         uuid.UUID  `json:"id"`
	Kind       EventKind  `json:"kind"`
	Benefactor string     `json:"benefactor,omitempty"`
	Amount     math.Int   `json:"amount"`
	RoundID    *uuid.UUID `json:"round_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
