package audit

import "fmt"

// Defect is one integrity finding for a record's trail. Findings are
// diagnostic; the ledger's write path already prevents direct mutation and
// deletion, but clock skew across writers can still produce an out-of-order
// sequence worth detecting.
type Defect struct {
	EntryID string `json:"entry_id"`
	Reason  string `json:"reason"`
}

// CheckIntegrity walks a record's entries in insertion order and flags
// entries missing actor identity, role or action, and timestamps lower than
// their predecessor's. It never fails; it reports.
func CheckIntegrity(entries []Entry) []Defect {
	var defects []Defect
	for i := range entries {
		e := &entries[i]
		if e.ActorID == "" || e.ActorRole == "" || e.Action == "" {
			defects = append(defects, Defect{
				EntryID: e.ID,
				Reason:  "missing actor identity, role or action",
			})
		}
		if i > 0 && e.Timestamp.Before(entries[i-1].Timestamp) {
			defects = append(defects, Defect{
				EntryID: e.ID,
				Reason: fmt.Sprintf("timestamp %s precedes previous entry %s",
					e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
					entries[i-1].Timestamp.Format("2006-01-02T15:04:05.000Z07:00")),
			})
		}
	}
	return defects
}
