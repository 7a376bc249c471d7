package patient

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NdodaEnde/Hospital-Platform/internal/domain/extraction"
)

type memTxKey struct{}

// MemoryStore implements Store and ReviewStore in process memory. WithTx
// serializes writers and restores a snapshot when fn fails.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*Record
	entities map[uuid.UUID][]extraction.Entity
	byUnique map[string]uuid.UUID
	held     map[uuid.UUID]*ReviewBatch
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[uuid.UUID]*Record),
		entities: make(map[uuid.UUID][]extraction.Entity),
		byUnique: make(map[string]uuid.UUID),
		held:     make(map[uuid.UUID]*ReviewBatch),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(memTxKey{}).(*MemoryStore)
	return owner == s
}

// lock acquires the store mutex unless ctx already holds it through WithTx.
func (s *MemoryStore) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type memSnapshot struct {
	records  map[uuid.UUID]*Record
	entities map[uuid.UUID][]extraction.Entity
	byUnique map[string]uuid.UUID
	held     map[uuid.UUID]*ReviewBatch
}

func (s *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		records:  make(map[uuid.UUID]*Record, len(s.records)),
		entities: make(map[uuid.UUID][]extraction.Entity, len(s.entities)),
		byUnique: make(map[string]uuid.UUID, len(s.byUnique)),
		held:     make(map[uuid.UUID]*ReviewBatch, len(s.held)),
	}
	for k, v := range s.records {
		snap.records[k] = v
	}
	for k, v := range s.entities {
		snap.entities[k] = v
	}
	for k, v := range s.byUnique {
		snap.byUnique[k] = v
	}
	for k, v := range s.held {
		snap.held[k] = v
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.records = snap.records
	s.entities = snap.entities
	s.byUnique = snap.byUnique
	s.held = snap.held
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, s)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *MemoryStore) Upsert(ctx context.Context, rec *Record) (uuid.UUID, error) {
	defer s.lock(ctx)()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.UniqueID == "" {
		return uuid.Nil, fmt.Errorf("unique_id must not be empty")
	}
	if owner, ok := s.byUnique[rec.UniqueID]; ok && owner != rec.ID {
		return uuid.Nil, fmt.Errorf("unique_id %q already assigned to another record", rec.UniqueID)
	}

	now := s.now()
	if prev, ok := s.records[rec.ID]; ok {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = prev.CreatedAt
		}
		if prev.UniqueID != rec.UniqueID {
			delete(s.byUnique, prev.UniqueID)
		}
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	header := cloneRecord(rec)
	header.Entities = nil
	s.records[rec.ID] = header
	s.byUnique[rec.UniqueID] = rec.ID
	return rec.ID, nil
}

func (s *MemoryStore) ReplaceEntities(ctx context.Context, id uuid.UUID, entities []extraction.Entity) error {
	defer s.lock(ctx)()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	s.entities[id] = cloneEntities(entities)
	updated := *rec
	updated.UpdatedAt = s.now()
	s.records[id] = &updated
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	defer s.lock(ctx)()
	return s.getLocked(id)
}

func (s *MemoryStore) getLocked(id uuid.UUID) (*Record, error) {
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRecord(rec)
	out.Entities = cloneEntities(s.entities[id])
	return out, nil
}

func (s *MemoryStore) GetByUniqueID(ctx context.Context, uniqueID string) (*Record, error) {
	defer s.lock(ctx)()
	id, ok := s.byUnique[uniqueID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.getLocked(id)
}

func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	defer s.lock(ctx)()

	all := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].UniqueID < all[j].UniqueID
	})

	total := len(all)
	var page []*Record
	for i := offset; i < total && (limit <= 0 || len(page) < limit); i++ {
		page = append(page, cloneRecord(all[i]))
	}
	return page, total, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	defer s.lock(ctx)()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	delete(s.entities, id)
	delete(s.byUnique, rec.UniqueID)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// -- Review batches --

func (s *MemoryStore) Hold(ctx context.Context, b *ReviewBatch) error {
	defer s.lock(ctx)()

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	s.held[b.ID] = cloneBatch(b)
	return nil
}

func (s *MemoryStore) GetHeld(ctx context.Context, id uuid.UUID) (*ReviewBatch, error) {
	defer s.lock(ctx)()
	b, ok := s.held[id]
	if !ok {
		return nil, ErrReviewBatchNotFound
	}
	return cloneBatch(b), nil
}

func (s *MemoryStore) ListHeld(ctx context.Context, limit, offset int) ([]*ReviewBatch, int, error) {
	defer s.lock(ctx)()

	all := make([]*ReviewBatch, 0, len(s.held))
	for _, b := range s.held {
		all = append(all, b)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})

	total := len(all)
	var page []*ReviewBatch
	for i := offset; i < total && (limit <= 0 || len(page) < limit); i++ {
		page = append(page, cloneBatch(all[i]))
	}
	return page, total, nil
}

func (s *MemoryStore) Release(ctx context.Context, id uuid.UUID) error {
	defer s.lock(ctx)()
	if _, ok := s.held[id]; !ok {
		return ErrReviewBatchNotFound
	}
	delete(s.held, id)
	return nil
}

func (s *MemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	defer s.lock(ctx)()
	n := 0
	for id, b := range s.held {
		if b.CreatedAt.Before(cutoff) {
			delete(s.held, id)
			n++
		}
	}
	return n, nil
}

func cloneRecord(r *Record) *Record {
	out := *r
	if r.DateOfBirth != nil {
		dob := *r.DateOfBirth
		out.DateOfBirth = &dob
	}
	if r.Gender != nil {
		out.Gender = strPtr(*r.Gender)
	}
	out.Conditions = append([]string{}, r.Conditions...)
	out.Medications = make([]Medication, len(r.Medications))
	for i, m := range r.Medications {
		out.Medications[i] = Medication{Name: m.Name, Dosage: copyStr(m.Dosage), Frequency: copyStr(m.Frequency)}
	}
	out.TestResults = make([]TestResult, len(r.TestResults))
	for i, t := range r.TestResults {
		out.TestResults[i] = TestResult{Name: t.Name, Value: copyStr(t.Value)}
	}
	if r.Entities != nil {
		out.Entities = cloneEntities(r.Entities)
	}
	return &out
}

func cloneEntities(in []extraction.Entity) []extraction.Entity {
	out := make([]extraction.Entity, len(in))
	for i, e := range in {
		out[i] = e.Normalized()
	}
	return out
}

func cloneBatch(b *ReviewBatch) *ReviewBatch {
	out := *b
	out.MissingFields = append([]string{}, b.MissingFields...)
	out.Entities = cloneEntities(b.Entities)
	return &out
}

func copyStr(p *string) *string {
	if p == nil {
		return nil
	}
	return strPtr(*p)
}
