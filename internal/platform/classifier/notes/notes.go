// Package notes is a dependency-free classifier for doctor's notes written as
// "Label: value" lines. It exists for local development and demos when no
// Comprehend Medical credentials are available.
package notes

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/NdodaEnde/Hospital-Platform/internal/domain/extraction"
)

const Provider = "notes"

// score is reported for every match; the rules are exact, not probabilistic.
const score = 0.8

var (
	dosageRe    = regexp.MustCompile(`(?i)^\d+(\.\d+)?\s*(mg|mcg|g|ml|units?|iu)$`)
	separatorRe = regexp.MustCompile(`[,;]`)
)

type field int

const (
	fieldNone field = iota
	fieldName
	fieldDOB
	fieldGender
	fieldCondition
	fieldMedication
	fieldTest
)

var labels = map[string]field{
	"patient name":      fieldName,
	"name":              fieldName,
	"date of birth":     fieldDOB,
	"dob":               fieldDOB,
	"gender":            fieldGender,
	"sex":               fieldGender,
	"diagnosis":         fieldCondition,
	"current diagnosis": fieldCondition,
	"condition":         fieldCondition,
	"conditions":        fieldCondition,
	"medication":        fieldMedication,
	"medications":       fieldMedication,
	"test":              fieldTest,
	"lab":               fieldTest,
}

type Classifier struct{}

func New() *Classifier { return &Classifier{} }

// span is a trimmed piece of the document with its rune offset.
type span struct {
	text   string
	offset int
}

// Classify never fails; unknown lines are ignored.
func (c *Classifier) Classify(ctx context.Context, text string) ([]extraction.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, &extraction.ClassificationError{Provider: Provider, Err: err}
	}

	out := []extraction.Entity{}
	pending := fieldNone
	runeOffset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		lineStart := runeOffset
		runeOffset += utf8.RuneCountInString(line)

		label, value, hasColon := strings.Cut(line, ":")
		if f, ok := labels[strings.ToLower(strings.TrimSpace(label))]; hasColon && ok {
			v := trimmed(value, lineStart+utf8.RuneCountInString(label)+1)
			if v.text == "" {
				// value continues on the next non-empty line
				pending = f
				continue
			}
			pending = fieldNone
			out = append(out, entitiesFor(f, v)...)
			continue
		}

		if pending != fieldNone {
			if v := trimmed(line, lineStart); v.text != "" {
				out = append(out, entitiesFor(pending, v)...)
				pending = fieldNone
			}
		}
	}
	return out, nil
}

func trimmed(s string, offset int) span {
	left := strings.TrimLeftFunc(s, isSpace)
	offset += utf8.RuneCountInString(s[:len(s)-len(left)])
	return span{text: strings.TrimRightFunc(left, isSpace), offset: offset}
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' || r == '\r' || r == '\n' }

func entitiesFor(f field, v span) []extraction.Entity {
	switch f {
	case fieldName:
		return []extraction.Entity{newEntity(extraction.CategoryPHI, extraction.TypeName, v)}
	case fieldDOB:
		return []extraction.Entity{newEntity(extraction.CategoryPHI, extraction.TypeDate, v)}
	case fieldGender:
		return []extraction.Entity{newEntity(extraction.CategoryPHI, extraction.TypeGender, v)}
	case fieldCondition:
		var out []extraction.Entity
		for _, part := range splitList(v) {
			out = append(out, newEntity(extraction.CategoryMedicalCondition, extraction.TypeDxName, part))
		}
		return out
	case fieldMedication:
		var out []extraction.Entity
		for _, part := range splitList(v) {
			out = append(out, medication(part))
		}
		return out
	case fieldTest:
		return []extraction.Entity{testResult(v)}
	}
	return nil
}

// splitList splits a comma or semicolon separated value, keeping offsets.
func splitList(v span) []span {
	var out []span
	start := 0
	bounds := append(separatorRe.FindAllStringIndex(v.text, -1), []int{len(v.text), len(v.text)})
	for _, b := range bounds {
		piece := v.text[start:b[0]]
		if p := trimmed(piece, v.offset+utf8.RuneCountInString(v.text[:start])); p.text != "" {
			out = append(out, p)
		}
		start = b[1]
	}
	return out
}

// medication parses "name [dose] [frequency...]". The name runs up to the
// first dosage token; everything after the dosage is the frequency.
func medication(v span) extraction.Entity {
	words := strings.Fields(v.text)
	for i, w := range words {
		if i == 0 {
			continue
		}
		dose, unitIdx := w, i
		if !dosageRe.MatchString(dose) && i+1 < len(words) {
			dose, unitIdx = w+" "+words[i+1], i+1
		}
		if !dosageRe.MatchString(dose) {
			continue
		}
		name := strings.Join(words[:i], " ")
		e := newEntity(extraction.CategoryMedication, extraction.TypeGenericName, span{text: name, offset: v.offset})
		e.Attributes = append(e.Attributes, extraction.Attribute{Type: extraction.AttrDosage, Text: dose})
		if freq := strings.Join(words[unitIdx+1:], " "); freq != "" {
			e.Attributes = append(e.Attributes, extraction.Attribute{Type: extraction.AttrFrequency, Text: freq})
		}
		return e
	}
	return newEntity(extraction.CategoryMedication, extraction.TypeGenericName, v)
}

// testResult parses "name value"; the value is the last word when it starts
// with a digit.
func testResult(v span) extraction.Entity {
	words := strings.Fields(v.text)
	if n := len(words); n > 1 && words[n-1][0] >= '0' && words[n-1][0] <= '9' {
		name := strings.Join(words[:n-1], " ")
		e := newEntity(extraction.CategoryTestTreatmentProcedure, extraction.TypeTestName, span{text: name, offset: v.offset})
		e.Attributes = append(e.Attributes, extraction.Attribute{Type: extraction.AttrTestValue, Text: words[n-1]})
		return e
	}
	return newEntity(extraction.CategoryTestTreatmentProcedure, extraction.TypeTestName, v)
}

func newEntity(category, typ string, v span) extraction.Entity {
	begin, end := v.offset, v.offset+utf8.RuneCountInString(v.text)
	return extraction.Entity{
		Type:        typ,
		Category:    category,
		Text:        v.text,
		Score:       score,
		BeginOffset: &begin,
		EndOffset:   &end,
		Attributes:  []extraction.Attribute{},
	}
}
