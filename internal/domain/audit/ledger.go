package audit

import (
	"context"
	"time"
)

// TrailFilter narrows trail and activity queries.
type TrailFilter struct {
	Action    *Action
	ActorRole *string
	From      *time.Time
	To        *time.Time
	Limit     int
}

// StatsFilter narrows aggregate statistics.
type StatsFilter struct {
	From *time.Time
	To   *time.Time
}

// Stats aggregates entry counts per action kind and per actor role.
type Stats struct {
	Total    int64             `json:"total"`
	ByAction map[Action]int64  `json:"by_action"`
	ByRole   map[string]int64  `json:"by_role"`
}

// Ledger is the append-only audit store. Append failures are logged and
// swallowed by callers; they never propagate to the primary operation.
type Ledger interface {
	// Append persists an entry with a server-assigned timestamp.
	Append(ctx context.Context, e *Entry) (*Entry, error)

	// Trail returns a record's entries newest-first.
	Trail(ctx context.Context, recordID string, f TrailFilter) ([]Entry, error)

	// Activity returns an actor's entries newest-first.
	Activity(ctx context.Context, actorID, actorRole string, f TrailFilter) ([]Entry, error)

	// Stats returns aggregate counts per action kind and role.
	Stats(ctx context.Context, f StatsFilter) (*Stats, error)

	// ValidateIntegrity walks a record's entries in timestamp order and
	// reports defects without failing.
	ValidateIntegrity(ctx context.Context, recordID string) ([]Defect, error)
}
