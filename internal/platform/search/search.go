// Package search indexes reconciled entities for full-text lookup. Writes go
// through Sink, a bounded asynchronous queue that never blocks or fails the
// caller; reads go straight to the backend.
package search

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

var ErrEmptyQuery = errors.New("search query must contain at least one word")

// Document is one indexed entity, keyed by (PatientID, Position).
type Document struct {
	PatientID uuid.UUID `json:"patient_id"`
	UniqueID  string    `json:"unique_id"`
	Position  int       `json:"position"`
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	Text      string    `json:"text"`
	Score     float64   `json:"score"`
}

// Hit is a search match with its relevance.
type Hit struct {
	PatientID uuid.UUID `json:"patient_id"`
	UniqueID  string    `json:"unique_id"`
	Position  int       `json:"position"`
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	Text      string    `json:"text"`
	Rank      float64   `json:"rank"`
	Headline  string    `json:"headline,omitempty"`
}

// Backend stores documents and answers queries.
type Backend interface {
	Put(ctx context.Context, doc Document) error
	DeletePatient(ctx context.Context, patientID uuid.UUID) error
	Search(ctx context.Context, query string, limit int) ([]Hit, error)
}

// NormalizeQuery trims the query and rejects input without any letter or digit.
func NormalizeQuery(raw string) (string, error) {
	q := strings.TrimSpace(raw)
	for _, r := range q {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return q, nil
		}
	}
	return "", ErrEmptyQuery
}
