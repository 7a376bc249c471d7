package patient

import (
	"time"

	"github.com/google/uuid"

	"github.com/NdodaEnde/Hospital-Platform/internal/domain/extraction"
)

// DateLayout is the only accepted date-of-birth format.
const DateLayout = "2006-01-02"

// Record maps to the patient table and owns the raw entities it was built from.
type Record struct {
	ID          uuid.UUID           `db:"id" json:"id"`
	UniqueID    string              `db:"unique_id" json:"unique_id,omitempty"`
	Name        string              `db:"name" json:"name"`
	DateOfBirth *time.Time          `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Gender      *string             `db:"gender" json:"gender,omitempty"`
	Conditions  []string            `db:"conditions" json:"conditions"`
	Medications []Medication        `db:"medications" json:"medications"`
	TestResults []TestResult        `db:"test_results" json:"test_results"`
	Entities    []extraction.Entity `json:"entities,omitempty"`
	CreatedAt   time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time           `db:"updated_at" json:"updated_at"`
}

// Medication is derived from a MEDICATION/GENERIC_NAME entity.
type Medication struct {
	Name      string  `json:"name"`
	Dosage    *string `json:"dosage,omitempty"`
	Frequency *string `json:"frequency,omitempty"`
}

// TestResult is derived from a TEST_TREATMENT_PROCEDURE/TEST_NAME entity.
type TestResult struct {
	Name  string  `json:"name"`
	Value *string `json:"value,omitempty"`
}

// ReviewBatch is an extraction result held back because identity gating
// failed. It keeps everything needed to commit it later.
type ReviewBatch struct {
	ID            uuid.UUID           `db:"id" json:"id"`
	Reason        string              `db:"reason" json:"reason"`
	MissingFields []string            `db:"missing_fields" json:"missing_fields"`
	Text          string              `db:"text" json:"text,omitempty"`
	Entities      []extraction.Entity `db:"entities" json:"entities"`
	CreatedAt     time.Time           `db:"created_at" json:"created_at"`
}

// IdentityOverride supplies identity values a reviewer resolved by hand.
type IdentityOverride struct {
	Name        string `json:"name,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Gender      string `json:"gender,omitempty"`
}

// Entities converts the override into leading PHI entities, so that
// first-occurrence-wins lets them take precedence over extracted values.
func (o IdentityOverride) Entities() []extraction.Entity {
	var out []extraction.Entity
	add := func(typ, text string) {
		if text == "" {
			return
		}
		out = append(out, extraction.Entity{
			Type:       typ,
			Category:   extraction.CategoryPHI,
			Text:       text,
			Score:      1,
			Attributes: []extraction.Attribute{},
		})
	}
	add(extraction.TypeName, o.Name)
	add(extraction.TypeDate, o.DateOfBirth)
	add(extraction.TypeGender, o.Gender)
	return out
}

// IngestResult is what a successful pipeline run reports to its caller.
type IngestResult struct {
	Text      string                             `json:"text"`
	Entities  []extraction.Entity                `json:"entities"`
	PatientID uuid.UUID                          `json:"patient_id"`
	UniqueID  string                             `json:"unique_id"`
	Skipped   int                                `json:"skipped"`
	Warnings  []*extraction.MalformedEntityError `json:"warnings,omitempty"`
	Record    *Record                            `json:"record,omitempty"`
}

func strPtr(s string) *string { return &s }
