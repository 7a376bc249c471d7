package search

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryBackend matches case-insensitive substrings. Used in development and tests.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]map[int]Document
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[uuid.UUID]map[int]Document)}
}

func (m *MemoryBackend) Put(_ context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byPos, ok := m.docs[doc.PatientID]
	if !ok {
		byPos = make(map[int]Document)
		m.docs[doc.PatientID] = byPos
	}
	byPos[doc.Position] = doc
	return nil
}

func (m *MemoryBackend) DeletePatient(_ context.Context, patientID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, patientID)
	return nil
}

func (m *MemoryBackend) Search(_ context.Context, query string, limit int) ([]Hit, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, ErrEmptyQuery
	}

	m.mu.RLock()
	var hits []Hit
	for _, byPos := range m.docs {
		for _, d := range byPos {
			if strings.Contains(strings.ToLower(d.Text), needle) {
				hits = append(hits, Hit{
					PatientID: d.PatientID,
					UniqueID:  d.UniqueID,
					Position:  d.Position,
					Type:      d.Type,
					Category:  d.Category,
					Text:      d.Text,
					Rank:      1,
				})
			}
		}
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].UniqueID != hits[j].UniqueID {
			return hits[i].UniqueID < hits[j].UniqueID
		}
		return hits[i].Position < hits[j].Position
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Count returns how many documents are stored.
func (m *MemoryBackend) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, byPos := range m.docs {
		n += len(byPos)
	}
	return n
}
