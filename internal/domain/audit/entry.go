// Package audit implements the append-only audit ledger: immutable entries,
// payload sanitization, trail queries, and the integrity diagnostic.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action is the closed enumeration of recordable actions.
type Action string

const (
	ActionCreated      Action = "created"
	ActionUpdated      Action = "updated"
	ActionDeleted      Action = "deleted"
	ActionViewed       Action = "viewed"
	ActionDownloaded   Action = "downloaded"
	ActionVerified     Action = "verified"
	ActionDispensed    Action = "dispensed"
	ActionPDFGenerated Action = "pdf_generated"
)

// ValidAction reports whether a is a known action kind.
func ValidAction(a Action) bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionDeleted, ActionViewed,
		ActionDownloaded, ActionVerified, ActionDispensed, ActionPDFGenerated:
		return true
	}
	return false
}

// Entry is one immutable fact about an action taken against a record.
// RecordID is nil only for list-level viewed actions. Once persisted no
// field may change and no entry may be deleted.
type Entry struct {
	ID        string                 `json:"id"`
	RecordID  *string                `json:"record_id,omitempty"`
	Action    Action                 `json:"action"`
	ActorID   string                 `json:"actor_id"`
	ActorRole string                 `json:"actor_role"`
	ActorName string                 `json:"actor_name,omitempty"`
	Changes   map[string]interface{} `json:"changes,omitempty"`
	Previous  map[string]interface{} `json:"previous,omitempty"`
	IP        string                 `json:"ip,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEntry builds an entry with a fresh ID. The timestamp is assigned by
// the ledger at append time, not by the caller.
func NewEntry(recordID *string, action Action, actorID, actorRole, actorName string) *Entry {
	return &Entry{
		ID:        uuid.New().String(),
		RecordID:  recordID,
		Action:    action,
		ActorID:   actorID,
		ActorRole: actorRole,
		ActorName: actorName,
	}
}
