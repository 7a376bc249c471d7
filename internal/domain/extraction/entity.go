// Package extraction defines the classified-entity contract shared by the
// classifier adapters, the reconciliation engine and the record stores.
package extraction

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Categories emitted by clinical entity classifiers.
const (
	CategoryPHI                    = "PROTECTED_HEALTH_INFORMATION"
	CategoryMedicalCondition       = "MEDICAL_CONDITION"
	CategoryMedication             = "MEDICATION"
	CategoryTestTreatmentProcedure = "TEST_TREATMENT_PROCEDURE"
	CategoryAnatomy                = "ANATOMY"
)

// Entity and attribute types the reconciliation engine understands. The
// vocabulary is open-ended; anything else is kept for audit only.
const (
	TypeName        = "NAME"
	TypeDate        = "DATE"
	TypeGender      = "GENDER"
	TypeAge         = "AGE"
	TypeDxName      = "DX_NAME"
	TypeGenericName = "GENERIC_NAME"
	TypeBrandName   = "BRAND_NAME"
	TypeTestName    = "TEST_NAME"

	AttrDosage    = "DOSAGE"
	AttrFrequency = "FREQUENCY"
	AttrTestValue = "TEST_VALUE"
)

// Attribute is a nested sub-entity attached to an Entity, such as the dosage
// of a medication. Order is significant and duplicates are allowed.
type Attribute struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Entity is a single classified span of text.
type Entity struct {
	Type        string      `json:"type"`
	Category    string      `json:"category"`
	Text        string      `json:"text"`
	Score       float64     `json:"score"`
	BeginOffset *int        `json:"begin_offset,omitempty"`
	EndOffset   *int        `json:"end_offset,omitempty"`
	Attributes  []Attribute `json:"attributes"`

	// populated by UnmarshalJSON; a zero Entity built in code has neither
	missing []string
	invalid []string
}

// Is reports whether the entity has the given category and type.
func (e Entity) Is(category, typ string) bool {
	return e.Category == category && e.Type == typ
}

// FirstAttribute returns the text of the first attribute of the given type.
func (e Entity) FirstAttribute(typ string) (string, bool) {
	for _, a := range e.Attributes {
		if a.Type == typ {
			return a.Text, true
		}
	}
	return "", false
}

// Normalized returns a copy whose attribute slice is never nil and does not
// alias the receiver's backing array.
func (e Entity) Normalized() Entity {
	out := e
	out.Attributes = make([]Attribute, len(e.Attributes))
	copy(out.Attributes, e.Attributes)
	out.missing = nil
	out.invalid = nil
	return out
}

// Validate checks the entity invariants: text present, type and category not
// both empty, score present and within [0, 1].
func (e Entity) Validate() error {
	missing := append([]string(nil), e.missing...)
	reasons := append([]string(nil), e.invalid...)

	if e.Text == "" && !contains(missing, "text") {
		missing = append(missing, "text")
	}
	if e.Type == "" && e.Category == "" {
		missing = append(missing, "type|category")
	}
	if math.IsNaN(e.Score) || e.Score < 0 || e.Score > 1 {
		reasons = append(reasons, fmt.Sprintf("score %v outside [0, 1]", e.Score))
	}

	if len(missing) == 0 && len(reasons) == 0 {
		return nil
	}
	return &MalformedEntityError{Index: -1, Missing: missing, Reason: strings.Join(reasons, "; ")}
}

// UnmarshalJSON decodes an entity leniently. Keys are matched case-insensitively
// with underscores ignored, so both provider output ("Type", "BeginOffset") and
// the service's own snake_case ("entity_type", "begin_offset") decode. Missing
// or mistyped fields are recorded and reported later by Validate instead of
// failing the enclosing batch.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		*e = Entity{Attributes: []Attribute{}, invalid: []string{"entity must be a JSON object"}}
		return nil
	}
	fields := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		fields[strings.ReplaceAll(strings.ToLower(k), "_", "")] = v
	}

	*e = Entity{}
	decode := func(dst any, keys ...string) (present bool) {
		for _, k := range keys {
			v, ok := fields[k]
			if !ok || string(v) == "null" {
				continue
			}
			if err := json.Unmarshal(v, dst); err != nil {
				e.invalid = append(e.invalid, fmt.Sprintf("%s: %v", keys[0], err))
				return true
			}
			return true
		}
		return false
	}

	decode(&e.Type, "type", "entitytype")
	decode(&e.Category, "category")
	if !decode(&e.Text, "text") {
		e.missing = append(e.missing, "text")
	}
	if !decode(&e.Score, "score") {
		e.missing = append(e.missing, "score")
	}
	var begin, end int
	if decode(&begin, "beginoffset") {
		e.BeginOffset = &begin
	}
	if decode(&end, "endoffset") {
		e.EndOffset = &end
	}
	decode(&e.Attributes, "attributes")
	if e.Attributes == nil {
		e.Attributes = []Attribute{}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
