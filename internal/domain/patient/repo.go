package patient

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/NdodaEnde/Hospital-Platform/internal/domain/extraction"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/search"
)

// Store persists records together with their raw entities. Calls made inside
// WithTx share one transaction; outside it each call commits on its own.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Upsert(ctx context.Context, rec *Record) (uuid.UUID, error)
	ReplaceEntities(ctx context.Context, id uuid.UUID, entities []extraction.Entity) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByUniqueID(ctx context.Context, uniqueID string) (*Record, error)
	List(ctx context.Context, limit, offset int) ([]*Record, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Ping(ctx context.Context) error
}

// ReviewStore holds batches that failed identity gating until a reviewer
// resolves or discards them. Implementations that also implement Store share
// its transactions.
type ReviewStore interface {
	Hold(ctx context.Context, b *ReviewBatch) error
	GetHeld(ctx context.Context, id uuid.UUID) (*ReviewBatch, error)
	ListHeld(ctx context.Context, limit, offset int) ([]*ReviewBatch, int, error)
	Release(ctx context.Context, id uuid.UUID) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Indexer receives entities for search. It must not block or fail the caller.
type Indexer interface {
	Index(ctx context.Context, doc search.Document)
	Remove(ctx context.Context, patientID uuid.UUID)
}

// Searcher answers full-text queries over indexed entities.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]search.Hit, error)
}

// Archive keeps source documents for reprocessing.
type Archive interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Notifier publishes pipeline events. Payloads carry identifiers only, never
// clinical text. Implementations must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, eventType, resourceID string, payload interface{})
}

// Event types published through Notifier.
const (
	EventPatientCommitted = "patient.committed"
	EventPatientRebuilt   = "patient.rebuilt"
	EventPatientDeleted   = "patient.deleted"
	EventReviewHeld       = "review.held"
	EventReviewResolved   = "review.resolved"
)
