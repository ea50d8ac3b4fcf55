package store

import "time"

// FormEntry is the single document shape shared by the active draft and
// archived records; IsComplete distinguishes the two.
type FormEntry struct {
	ID         string
	Fields     map[string]string
	IsComplete bool
	Updates    []FieldUpdate
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// FieldUpdate is one row of the append-only attribution log.
type FieldUpdate struct {
	FieldName  string
	FieldValue string
	UpdatedBy  string
	UpdatedAt  time.Time
}

// LatestUpdateFor returns the most recent log entry for a field, if any.
// Per-field attribution is always the latest entry for that field name.
func (e FormEntry) LatestUpdateFor(fieldName string) (FieldUpdate, bool) {
	for i := len(e.Updates) - 1; i >= 0; i-- {
		if e.Updates[i].FieldName == fieldName {
			return e.Updates[i], true
		}
	}
	return FieldUpdate{}, false
}

// Principal identifies an authenticated session: the client-chosen display
// name and the access tier granted by the password used at login.
type Principal struct {
	Name string
	Tier string
}
