package extraction

import (
	"fmt"
	"strings"
)

// MalformedEntityError describes a single entity that violates the entity
// contract. It is reported alongside a result, never as a batch failure.
type MalformedEntityError struct {
	Index   int      `json:"index"`
	Missing []string `json:"missing,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

func (e *MalformedEntityError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if e.Index >= 0 {
		return fmt.Sprintf("malformed entity at index %d: %s", e.Index, strings.Join(parts, "; "))
	}
	return "malformed entity: " + strings.Join(parts, "; ")
}

// ClassificationError wraps a failure of the external classifier. Retryable
// is set for transient conditions (throttling, unavailability, timeouts).
type ClassificationError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *ClassificationError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("classify via %s (%s): %v", e.Provider, kind, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }
