package record

import (
	"context"
	"time"
)

// ListQuery filters and scopes a record listing. OwnerPrescriberID and
// OwnerPatientID are ownership scopes applied by the service layer based on
// the caller's role; empty means unscoped.
type ListQuery struct {
	OwnerPrescriberID string
	OwnerPatientID    string
	Status            *Status
	From              *time.Time
	To                *time.Time
	Page              int
	PageSize          int
}

// Page is one page of a record listing with pagination metadata.
type Page struct {
	Records    []*Prescription `json:"records"`
	Total      int64           `json:"total"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	TotalPages int             `json:"total_pages"`
}

// Repository owns canonical record state. Implementations must provide
// one-writer-at-a-time semantics per individual record; concurrent writes
// to two different records never contend.
type Repository interface {
	// Create validates the candidate, assigns a fresh number, sets
	// version=1 and status=active, and persists the record.
	Create(ctx context.Context, p *Prescription) (*Prescription, error)

	// Get returns a non-deleted record by ID or by its human-readable
	// number. Unparseable identifiers resolve to NOT_FOUND.
	Get(ctx context.Context, idOrNumber string) (*Prescription, error)

	// List returns a filtered, scoped page of non-deleted records.
	List(ctx context.Context, q ListQuery) (*Page, error)

	// Update merges the patch, re-validates, increments the version and
	// persists. Terminal records fail with IMMUTABLE_RECORD. The record may
	// be addressed by ID or number, like Get.
	Update(ctx context.Context, idOrNumber string, patch *Patch) (*Prescription, error)

	// SoftDelete cancels the record atomically with the soft-delete flag
	// and timestamp. Dispensed records fail with IMMUTABLE_RECORD.
	SoftDelete(ctx context.Context, idOrNumber string) (*Prescription, error)

	// Verify locates a record by ID or by its human-readable number and
	// stamps the verifying actor. Status is unchanged.
	Verify(ctx context.Context, idOrNumber, actorID string) (*Prescription, error)

	// DispenseItem marks one medicine line item dispensed and, when all
	// items are dispensed, transitions the record to dispensed.
	DispenseItem(ctx context.Context, idOrNumber string, index int, actorID, notes string) (*Prescription, error)
}
