// Package record implements the prescription record, its state machine,
// validation, and persistence.
package record

import (
	"strings"
	"time"
)

// Status represents the record lifecycle status
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDispensed Status = "dispensed"
	StatusCancelled Status = "cancelled"
)

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusActive, StatusCompleted, StatusDispensed, StatusCancelled:
		return true
	}
	return false
}

// Gender is the fixed patient gender enumeration
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderOther  Gender = "other"
)

// ValidGender reports whether g is a known gender value.
func ValidGender(g Gender) bool {
	switch g {
	case GenderMale, GenderFemale, GenderOther:
		return true
	}
	return false
}

// PrescriberInfo is the prescriber snapshot captured at creation time.
// Denormalized so the record stays legible if the profile later changes.
type PrescriberInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Specialty     string `json:"specialty"`
	LicenseNumber string `json:"license_number"`
	Contact       string `json:"contact,omitempty"`
}

// PatientInfo is the patient snapshot captured at creation time.
type PatientInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Age           int    `json:"age"`
	Gender        Gender `json:"gender"`
	MRN           string `json:"mrn,omitempty"`
	AppointmentID string `json:"appointment_id,omitempty"`
}

// Medicine is one line item in a record's ordered medicine list.
type Medicine struct {
	Name          string     `json:"name"`
	Dosage        string     `json:"dosage"`
	Frequency     string     `json:"frequency"`
	Duration      string     `json:"duration"`
	Instructions  string     `json:"instructions,omitempty"`
	Dispensed     bool       `json:"dispensed"`
	DispensedAt   *time.Time `json:"dispensed_at,omitempty"`
	DispensedBy   string     `json:"dispensed_by,omitempty"`
	DispenseNotes string     `json:"dispense_notes,omitempty"`
}

// Prescription is the canonical clinical record.
type Prescription struct {
	ID         string         `json:"id"`
	Number     string         `json:"number"`
	Prescriber PrescriberInfo `json:"prescriber"`
	Patient    PatientInfo    `json:"patient"`
	Medicines  []Medicine     `json:"medicines"`
	Notes      string         `json:"notes,omitempty"`
	LabTests   []string       `json:"lab_tests,omitempty"`
	FollowUp   string         `json:"follow_up,omitempty"`
	Status     Status         `json:"status"`
	Version    int            `json:"version"`
	Deleted    bool           `json:"deleted"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty"`
	VerifiedBy string         `json:"verified_by,omitempty"`
	VerifiedAt *time.Time     `json:"verified_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Patch carries the mutable fields of an update request. Nil fields keep
// the stored value.
type Patch struct {
	Patient   *PatientInfo `json:"patient,omitempty"`
	Medicines []Medicine   `json:"medicines,omitempty"`
	Notes     *string      `json:"notes,omitempty"`
	LabTests  []string     `json:"lab_tests,omitempty"`
	FollowUp  *string      `json:"follow_up,omitempty"`
	Status    *Status      `json:"status,omitempty"`
}

// nextVersion is the single place the version counter advances. Called on
// every successful mutation after creation, never on creation itself.
func nextVersion(current int) int { return current + 1 }

// Terminal reports whether the record accepts further mutation. A dispensed
// or soft-deleted record is locked except through the soft-delete path.
func (p *Prescription) Terminal() bool {
	return p.Status == StatusDispensed || p.Deleted
}

// AllDispensed reports whether every medicine line item has been dispensed.
func (p *Prescription) AllDispensed() bool {
	for i := range p.Medicines {
		if !p.Medicines[i].Dispensed {
			return false
		}
	}
	return len(p.Medicines) > 0
}

// Normalize trims all free-text fields in place.
func (p *Prescription) Normalize() {
	p.Prescriber.Name = strings.TrimSpace(p.Prescriber.Name)
	p.Prescriber.Specialty = strings.TrimSpace(p.Prescriber.Specialty)
	p.Prescriber.LicenseNumber = strings.TrimSpace(p.Prescriber.LicenseNumber)
	p.Prescriber.Contact = strings.TrimSpace(p.Prescriber.Contact)
	p.Patient.Name = strings.TrimSpace(p.Patient.Name)
	p.Patient.MRN = strings.TrimSpace(p.Patient.MRN)
	p.Notes = strings.TrimSpace(p.Notes)
	p.FollowUp = strings.TrimSpace(p.FollowUp)
	for i := range p.Medicines {
		m := &p.Medicines[i]
		m.Name = strings.TrimSpace(m.Name)
		m.Dosage = strings.TrimSpace(m.Dosage)
		m.Frequency = strings.TrimSpace(m.Frequency)
		m.Duration = strings.TrimSpace(m.Duration)
		m.Instructions = strings.TrimSpace(m.Instructions)
	}
	for i := range p.LabTests {
		p.LabTests[i] = strings.TrimSpace(p.LabTests[i])
	}
}

// ApplyUpdate merges a patch into the record, validates the merged result,
// and advances the version. The caller persists the result atomically.
func (p *Prescription) ApplyUpdate(patch *Patch, now time.Time) error {
	if p.Terminal() {
		return ErrImmutable(p.ID)
	}

	if patch.Patient != nil {
		// The identity reference never changes through an update.
		patient := *patch.Patient
		if patient.ID == "" {
			patient.ID = p.Patient.ID
		}
		p.Patient = patient
	}
	if patch.Medicines != nil {
		p.Medicines = patch.Medicines
	}
	if patch.Notes != nil {
		p.Notes = *patch.Notes
	}
	if patch.LabTests != nil {
		p.LabTests = patch.LabTests
	}
	if patch.FollowUp != nil {
		p.FollowUp = *patch.FollowUp
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}

	p.Normalize()
	if result := Validate(p, true); !result.Valid {
		return ErrValidation(result.Errors)
	}

	p.Version = nextVersion(p.Version)
	p.UpdatedAt = now
	return nil
}

// SoftDelete cancels the record. The record keeps its identity and audit
// trail; it is never hard-deleted.
func (p *Prescription) SoftDelete(now time.Time) error {
	if p.Status == StatusDispensed {
		return ErrImmutable(p.ID)
	}
	if p.Deleted {
		return ErrNotFound(p.ID)
	}
	p.Deleted = true
	p.DeletedAt = &now
	p.Status = StatusCancelled
	p.Version = nextVersion(p.Version)
	p.UpdatedAt = now
	return nil
}

// MarkVerified stamps the verifying actor and timestamp. Status is unchanged,
// but the terminal lock applies: a dispensed or deleted record keeps its
// original verification stamp.
func (p *Prescription) MarkVerified(actorID string, now time.Time) error {
	if p.Deleted {
		return ErrNotFound(p.ID)
	}
	if p.Status == StatusDispensed {
		return ErrImmutable(p.ID)
	}
	p.VerifiedBy = actorID
	p.VerifiedAt = &now
	p.Version = nextVersion(p.Version)
	p.UpdatedAt = now
	return nil
}

// DispenseItem marks one medicine line item as dispensed. When the last
// remaining item is dispensed the record transitions to the dispensed
// terminal state; that check runs last so it is the final gate before
// the terminal lock flips.
func (p *Prescription) DispenseItem(index int, actorID, notes string, now time.Time) error {
	if p.Deleted {
		return ErrNotFound(p.ID)
	}
	if index < 0 || index >= len(p.Medicines) {
		return ErrIndexOutOfRange(index, len(p.Medicines))
	}
	item := &p.Medicines[index]
	if item.Dispensed {
		return ErrAlreadyDispensed(index)
	}

	item.Dispensed = true
	item.DispensedAt = &now
	item.DispensedBy = actorID
	item.DispenseNotes = strings.TrimSpace(notes)

	if p.AllDispensed() {
		p.Status = StatusDispensed
	}
	p.Version = nextVersion(p.Version)
	p.UpdatedAt = now
	return nil
}
