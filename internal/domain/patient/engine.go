package patient

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/NdodaEnde/Hospital-Platform/internal/domain/extraction"
)

// IDGenerator produces opaque unique ids for newly committed records. It must
// be safe for concurrent use.
type IDGenerator func() string

// NewUniqueID is the default IDGenerator.
func NewUniqueID() string { return uuid.NewString() }

// Outcome is the result of one reconciliation run. Record is always set, even
// when identity gating failed, so callers can hold the batch for review.
type Outcome struct {
	Record         *Record
	Skipped        []*extraction.MalformedEntityError
	IdentityErrors []*IdentityParseError
}

// SkippedCount is the number of malformed entities that were dropped.
func (o *Outcome) SkippedCount() int { return len(o.Skipped) }

// Engine folds classified entities into a patient record. It holds no
// per-run state and is safe for concurrent use.
type Engine struct {
	newID IDGenerator
}

func NewEngine(newID IDGenerator) *Engine {
	if newID == nil {
		newID = NewUniqueID
	}
	return &Engine{newID: newID}
}

// Reconcile builds a new record from entities. When name and date of birth
// are both resolved the record receives a freshly generated unique id;
// otherwise an *IncompleteIdentityError is returned with the partial outcome.
func (en *Engine) Reconcile(entities []extraction.Entity) (*Outcome, error) {
	out := build(entities)
	if err := gate(out); err != nil {
		return out, err
	}
	out.Record.UniqueID = en.newID()
	return out, nil
}

// Preview builds and gates a record exactly like Reconcile but leaves
// UniqueID empty. Unique ids are only minted for records that get committed.
func (en *Engine) Preview(entities []extraction.Entity) (*Outcome, error) {
	out := build(entities)
	if err := gate(out); err != nil {
		return out, err
	}
	return out, nil
}

// Rebuild recomputes an existing record from a replacement entity sequence.
// Identity and derived collections are replaced wholesale; the record keeps
// its id, unique id and creation time.
func (en *Engine) Rebuild(existing *Record, entities []extraction.Entity) (*Outcome, error) {
	out := build(entities)
	out.Record.ID = existing.ID
	out.Record.UniqueID = existing.UniqueID
	out.Record.CreatedAt = existing.CreatedAt
	if err := gate(out); err != nil {
		return out, err
	}
	return out, nil
}

// ParseDateOfBirth parses a date of birth strictly as YYYY-MM-DD.
func ParseDateOfBirth(text string) (time.Time, error) {
	return time.Parse(DateLayout, strings.TrimSpace(text))
}

func build(entities []extraction.Entity) *Outcome {
	out := &Outcome{Record: &Record{
		Conditions:  []string{},
		Medications: []Medication{},
		TestResults: []TestResult{},
		Entities:    make([]extraction.Entity, 0, len(entities)),
	}}

	for i, e := range entities {
		if err := e.Validate(); err != nil {
			me := err.(*extraction.MalformedEntityError)
			me.Index = i
			out.Skipped = append(out.Skipped, me)
			continue
		}
		out.Record.Entities = append(out.Record.Entities, e.Normalized())
	}

	resolveIdentity(out)
	extractClinical(out.Record)
	return out
}

// resolveIdentity applies first-occurrence-wins per PHI type, independent of
// score. A date that fails to parse still claims the slot.
func resolveIdentity(out *Outcome) {
	rec := out.Record
	var nameSeen, dobSeen, genderSeen bool
	for _, e := range rec.Entities {
		if e.Category != extraction.CategoryPHI {
			continue
		}
		switch e.Type {
		case extraction.TypeName:
			if !nameSeen {
				nameSeen = true
				rec.Name = e.Text
			}
		case extraction.TypeDate:
			if !dobSeen {
				dobSeen = true
				dob, err := ParseDateOfBirth(e.Text)
				if err != nil {
					out.IdentityErrors = append(out.IdentityErrors, &IdentityParseError{
						Field: "date_of_birth", Value: e.Text, Err: err,
					})
					continue
				}
				rec.DateOfBirth = &dob
			}
		case extraction.TypeGender:
			if !genderSeen {
				genderSeen = true
				rec.Gender = strPtr(e.Text)
			}
		}
	}
}

func extractClinical(rec *Record) {
	for _, e := range rec.Entities {
		switch {
		case e.Is(extraction.CategoryMedicalCondition, extraction.TypeDxName):
			rec.Conditions = append(rec.Conditions, e.Text)

		case e.Is(extraction.CategoryMedication, extraction.TypeGenericName):
			m := Medication{Name: e.Text}
			if v, ok := e.FirstAttribute(extraction.AttrDosage); ok {
				m.Dosage = strPtr(v)
			}
			if v, ok := e.FirstAttribute(extraction.AttrFrequency); ok {
				m.Frequency = strPtr(v)
			}
			rec.Medications = append(rec.Medications, m)

		case e.Is(extraction.CategoryTestTreatmentProcedure, extraction.TypeTestName):
			tr := TestResult{Name: e.Text}
			if v, ok := e.FirstAttribute(extraction.AttrTestValue); ok {
				tr.Value = strPtr(v)
			}
			rec.TestResults = append(rec.TestResults, tr)
		}
	}
}

func gate(out *Outcome) error {
	var missing []string
	if out.Record.Name == "" {
		missing = append(missing, "name")
	}
	if out.Record.DateOfBirth == nil {
		missing = append(missing, "date_of_birth")
	}
	if len(missing) == 0 {
		return nil
	}
	return &IncompleteIdentityError{MissingFields: missing, ParseErrors: out.IdentityErrors}
}
