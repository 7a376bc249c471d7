package patient

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("patient record not found")
	ErrReviewBatchNotFound = errors.New("review batch not found")
	ErrNoSourceDocument    = errors.New("no archived source document for record")
	ErrEmptyDocument       = errors.New("document text is empty")
	ErrSearchUnavailable   = errors.New("search index is not configured")
	ErrReviewDisabled      = errors.New("review hold is not configured")
)

// Pipeline stages named in PipelineError.
const (
	StageInput    = "input"
	StageClassify = "classify"
	StageIdentity = "identity"
	StageStore    = "store"
)

// IdentityParseError reports an identity value that could not be parsed. The
// field is left unset and counts as missing at the gate.
type IdentityParseError struct {
	Field string
	Value string
	Err   error
}

func (e *IdentityParseError) Error() string {
	return fmt.Sprintf("parse %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *IdentityParseError) Unwrap() error { return e.Err }

// IncompleteIdentityError is returned when a record lacks the identity fields
// required for commit.
type IncompleteIdentityError struct {
	MissingFields []string
	ParseErrors   []*IdentityParseError
}

func (e *IncompleteIdentityError) Error() string {
	msg := "incomplete identity: missing " + strings.Join(e.MissingFields, ", ")
	if len(e.ParseErrors) > 0 {
		msg += " (" + e.ParseErrors[0].Error() + ")"
	}
	return msg
}

// StoreError wraps a persistence failure. Nothing from the failing operation
// was committed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// PipelineError names the stage a pipeline run failed in. Partial is set when
// entities were extracted but the record could not be committed.
type PipelineError struct {
	Stage         string
	Partial       bool
	ReviewBatchID *uuid.UUID
	Err           error
}

func (e *PipelineError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *PipelineError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrReviewBatchNotFound) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
