package actor

// Operation is one of the gated operations on a record.
type Operation string

const (
	OpCreate    Operation = "create"
	OpRead      Operation = "read"
	OpList      Operation = "list"
	OpUpdate    Operation = "update"
	OpDelete    Operation = "delete"
	OpVerify    Operation = "verify"
	OpDispense  Operation = "dispense"
	OpAuditRead Operation = "audit_read"
)

// Ownership identifies the parties a record belongs to. The gate never
// touches storage; callers pass the references from the loaded record.
// Both fields empty means the operation has no record context (create, list).
type Ownership struct {
	PrescriberID string
	PatientID    string
}

// match describes which callers an allow rule covers.
type match int

const (
	matchAny             match = iota // any actor holding the role
	matchOwnPrescription              // actor must be the record's prescriber
	matchOwnPatient                   // actor must be the record's patient
)

// rules is the single decision table for role authorization. Deny is the
// default; every allow path is an explicit positive entry.
var rules = map[Operation]map[Role]match{
	OpCreate: {
		RolePrescriber: matchAny,
	},
	OpRead: {
		RolePrescriber: matchOwnPrescription,
		RolePatient:    matchOwnPatient,
		RoleDispenser:  matchAny,
		RoleOverseer:   matchAny,
	},
	OpList: {
		RolePrescriber: matchAny, // scoped to own records by the repository query
		RolePatient:    matchAny, // scoped to own records by the repository query
		RoleDispenser:  matchAny,
		RoleOverseer:   matchAny,
	},
	OpUpdate: {
		RolePrescriber: matchOwnPrescription,
	},
	OpDelete: {
		RolePrescriber: matchOwnPrescription,
	},
	OpVerify: {
		RoleDispenser: matchAny,
	},
	OpDispense: {
		RoleDispenser: matchAny,
	},
	OpAuditRead: {
		RolePrescriber: matchOwnPrescription,
		RolePatient:    matchOwnPatient,
		RoleDispenser:  matchAny,
		RoleOverseer:   matchAny,
	},
}

// Allow decides whether the actor may perform op against a record with the
// given ownership. Pure function over the decision table.
func Allow(a Actor, op Operation, own Ownership) bool {
	byRole, ok := rules[op]
	if !ok {
		return false
	}
	m, ok := byRole[a.Role]
	if !ok {
		return false
	}
	switch m {
	case matchAny:
		return true
	case matchOwnPrescription:
		return own.PrescriberID != "" && own.PrescriberID == a.ID
	case matchOwnPatient:
		return own.PatientID != "" && own.PatientID == a.ID
	}
	return false
}
