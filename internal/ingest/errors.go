package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyBatch is returned for a batch without positions.
var ErrEmptyBatch = errors.New("positions array is required")

// ValidationError reports a rejected write. It is never retried.
type ValidationError struct {
	// Index is the position of the offending element in a batch, -1 for a
	// single write.
	Index         int
	MissingFields []string
	InvalidFields []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.MissingFields) > 0 {
		parts = append(parts, "Missing required fields: "+strings.Join(e.MissingFields, ", "))
	}
	if len(e.InvalidFields) > 0 {
		parts = append(parts, "Invalid fields: "+strings.Join(e.InvalidFields, ", "))
	}
	msg := strings.Join(parts, "; ")
	if msg == "" {
		msg = "invalid position"
	}
	if e.Index >= 0 {
		return fmt.Sprintf("positions[%d]: %s", e.Index, msg)
	}
	return msg
}

// PersistenceError wraps a datastore failure. Nothing was broadcast.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
