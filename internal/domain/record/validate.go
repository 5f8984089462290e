package record

import (
	"fmt"
	"strings"
)

// ValidationResult carries every violated rule, not just the first.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks a candidate record's structural and business-rule
// correctness. Pure; no I/O. For creation the prescriber and patient
// references are mandatory; for updates only the fields present are checked.
// All violations accumulate so one response can report every problem.
func Validate(p *Prescription, isUpdate bool) ValidationResult {
	var errs []string

	if !isUpdate {
		if p.Prescriber.ID == "" {
			errs = append(errs, "prescriber reference is required")
		}
		if p.Patient.ID == "" {
			errs = append(errs, "patient reference is required")
		}
	}

	if p.Prescriber.ID != "" || !isUpdate {
		if strings.TrimSpace(p.Prescriber.Name) == "" {
			errs = append(errs, "prescriber name is required")
		}
		if strings.TrimSpace(p.Prescriber.Specialty) == "" {
			errs = append(errs, "prescriber specialty is required")
		}
		if strings.TrimSpace(p.Prescriber.LicenseNumber) == "" {
			errs = append(errs, "prescriber license number is required")
		}
	}

	if p.Patient.ID != "" || !isUpdate {
		if strings.TrimSpace(p.Patient.Name) == "" {
			errs = append(errs, "patient name is required")
		}
		if p.Patient.Age < 1 || p.Patient.Age > 150 {
			errs = append(errs, fmt.Sprintf("patient age must be between 1 and 150, got %d", p.Patient.Age))
		}
		if !ValidGender(p.Patient.Gender) {
			errs = append(errs, fmt.Sprintf("patient gender must be one of male, female, other; got %q", p.Patient.Gender))
		}
	}

	if len(p.Medicines) == 0 {
		errs = append(errs, "at least one medicine is required")
	}
	for i := range p.Medicines {
		m := &p.Medicines[i]
		if strings.TrimSpace(m.Name) == "" {
			errs = append(errs, fmt.Sprintf("medicine %d: name is required", i))
		}
		if strings.TrimSpace(m.Dosage) == "" {
			errs = append(errs, fmt.Sprintf("medicine %d: dosage is required", i))
		}
		if strings.TrimSpace(m.Frequency) == "" {
			errs = append(errs, fmt.Sprintf("medicine %d: frequency is required", i))
		}
		if strings.TrimSpace(m.Duration) == "" {
			errs = append(errs, fmt.Sprintf("medicine %d: duration is required", i))
		}
	}

	if p.Status != "" && !ValidStatus(p.Status) {
		errs = append(errs, fmt.Sprintf("status must be one of active, completed, dispensed, cancelled; got %q", p.Status))
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
