// Package form defines the shared entry's field set: the canonical field
// names, the completeness predicate, and the input policy for the budget and
// phone fields.
package form

import (
	"strings"
	"unicode"
)

const (
	FieldInitiatedBy          = "initiated_by"
	FieldProduct              = "product"
	FieldAgentName            = "agent_name"
	FieldTeamBrand            = "team_brand"
	FieldABTesting            = "ab_testing"
	FieldBudget               = "budget"
	FieldApprovedByBI         = "approved_by_bi"
	FieldApprovedByDigital    = "approved_by_digital"
	FieldApprovedByOperations = "approved_by_operations"
	FieldPhoneNumber          = "phone_number"
	FieldApprovedByMadam      = "approved_by_madam"
)

// Names lists the eleven required fields in display order.
var Names = []string{
	FieldInitiatedBy,
	FieldProduct,
	FieldAgentName,
	FieldTeamBrand,
	FieldABTesting,
	FieldBudget,
	FieldApprovedByBI,
	FieldApprovedByDigital,
	FieldApprovedByOperations,
	FieldPhoneNumber,
	FieldApprovedByMadam,
}

var known = func() map[string]struct{} {
	m := make(map[string]struct{}, len(Names))
	for _, name := range Names {
		m[name] = struct{}{}
	}
	return m
}()

// Known reports whether name is one of the eleven recognized field names.
func Known(name string) bool {
	_, ok := known[name]
	return ok
}

// IsComplete reports whether every required field is non-empty after trimming.
func IsComplete(fields map[string]string) bool {
	for _, name := range Names {
		if strings.TrimSpace(fields[name]) == "" {
			return false
		}
	}
	return true
}

// AllBlank reports whether every required field is empty after trimming.
// Submitted records in this state are treated as corrupted and filtered out.
func AllBlank(fields map[string]string) bool {
	for _, name := range Names {
		if strings.TrimSpace(fields[name]) != "" {
			return false
		}
	}
	return true
}

// maxPhoneDigits caps the phone field; longer input is truncated, not rejected.
const maxPhoneDigits = 11

// Normalize applies the per-field input policy and returns the value to store.
// The budget field accepts digits and numeric separators only; the phone field
// is reduced to digits and truncated. All other fields pass through unchanged.
func Normalize(name, value string) (string, error) {
	switch name {
	case FieldBudget:
		if !validBudget(value) {
			return "", &PolicyError{Field: name, Reason: "budget must contain only digits and numeric separators"}
		}
		return value, nil
	case FieldPhoneNumber:
		return normalizePhone(value), nil
	default:
		return value, nil
	}
}

// PolicyError reports a value rejected by the field input policy.
type PolicyError struct {
	Field  string
	Reason string
}

func (e *PolicyError) Error() string {
	return e.Field + ": " + e.Reason
}

func validBudget(value string) bool {
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case r == ',' || r == '.' || r == ' ':
		default:
			return false
		}
	}
	return true
}

func normalizePhone(value string) string {
	var digits strings.Builder
	for _, r := range value {
		if !unicode.IsDigit(r) {
			continue
		}
		digits.WriteRune(r)
		if digits.Len() == maxPhoneDigits {
			break
		}
	}
	return digits.String()
}
