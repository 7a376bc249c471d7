package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/NdodaEnde/Hospital-Platform/internal/domain/extraction"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/archive"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/metrics"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/search"
)

// RetryPolicy bounds retries of retryable classification failures. The wait
// doubles after each attempt up to MaxBackoff.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Backoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}

// Service runs the intake pipeline: classify, reconcile, commit, then archive
// and index on a best-effort basis.
type Service struct {
	classifier extraction.Classifier
	engine     *Engine
	store      Store
	logger     zerolog.Logger

	indexer  Indexer
	searcher Searcher
	archive  Archive
	review   ReviewStore
	notifier Notifier
	hold     bool
	retry    RetryPolicy

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewService(classifier extraction.Classifier, engine *Engine, store Store, logger zerolog.Logger) *Service {
	if engine == nil {
		engine = NewEngine(nil)
	}
	return &Service{
		classifier: classifier,
		engine:     engine,
		store:      store,
		logger:     logger.With().Str("component", "intake").Logger(),
		retry:      DefaultRetryPolicy,
		sleep:      sleepCtx,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetIndexer enables best-effort indexing of committed entities.
func (s *Service) SetIndexer(idx Indexer) { s.indexer = idx }

// SetSearcher enables Search.
func (s *Service) SetSearcher(sr Searcher) { s.searcher = sr }

// SetArchive enables source archiving and Reprocess.
func (s *Service) SetArchive(a Archive) { s.archive = a }

// SetReviewStore enables the review endpoints. Batches are only held on
// identity failure when SetHoldForReview(true) is also called.
func (s *Service) SetReviewStore(r ReviewStore) { s.review = r }

func (s *Service) SetHoldForReview(hold bool) { s.hold = hold }

// SetNotifier publishes commit, rebuild, delete and review events.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

func (s *Service) SetRetryPolicy(p RetryPolicy) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	s.retry = p
}

// -- Pipeline --

// Ingest classifies text and commits the reconciled record.
func (s *Service) Ingest(ctx context.Context, text string) (*IngestResult, error) {
	if strings.TrimSpace(text) == "" {
		metrics.ReconcileRuns.WithLabelValues(metrics.OutcomeFailed).Inc()
		return nil, &PipelineError{Stage: StageInput, Err: ErrEmptyDocument}
	}

	entities, err := s.classify(ctx, text)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues(metrics.OutcomeFailed).Inc()
		s.logger.Error().Err(err).Msg("classification failed")
		return nil, &PipelineError{Stage: StageClassify, Err: err}
	}
	return s.Commit(ctx, entities, text)
}

// Commit reconciles already classified entities and persists the record.
// sourceText may be empty; when set it is archived for reprocessing.
func (s *Service) Commit(ctx context.Context, entities []extraction.Entity, sourceText string) (*IngestResult, error) {
	out, err := s.engine.Reconcile(entities)
	s.reportSkipped(out)
	if err != nil {
		return nil, s.identityFailure(ctx, sourceText, out, err)
	}

	rec := out.Record
	if err := s.persist(ctx, rec); err != nil {
		metrics.ReconcileRuns.WithLabelValues(metrics.OutcomeFailed).Inc()
		s.logger.Error().Err(err).Str("unique_id", rec.UniqueID).Msg("record commit failed")
		return nil, &PipelineError{Stage: StageStore, Partial: true, Err: err}
	}
	metrics.ReconcileRuns.WithLabelValues(metrics.OutcomeCommitted).Inc()

	s.archiveSource(ctx, rec.UniqueID, sourceText)
	s.indexRecord(ctx, rec, false)
	s.notify(ctx, EventPatientCommitted, rec.ID.String(), recordEvent(rec))

	s.logger.Info().
		Str("patient_id", rec.ID.String()).
		Str("unique_id", rec.UniqueID).
		Int("entities", len(rec.Entities)).
		Int("skipped", out.SkippedCount()).
		Msg("record committed")

	return &IngestResult{
		Text:      sourceText,
		Entities:  nonNilEntities(entities),
		PatientID: rec.ID,
		UniqueID:  rec.UniqueID,
		Skipped:   out.SkippedCount(),
		Warnings:  out.Skipped,
		Record:    rec,
	}, nil
}

// DryRun reconciles entities without persisting, archiving or indexing. No
// unique id is assigned.
func (s *Service) DryRun(entities []extraction.Entity) (*Outcome, error) {
	return s.engine.Preview(entities)
}

func (s *Service) persist(ctx context.Context, rec *Record) error {
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		id, err := s.store.Upsert(ctx, rec)
		if err != nil {
			return storeErr("upsert", err)
		}
		return storeErr("replace entities", s.store.ReplaceEntities(ctx, id, rec.Entities))
	})
	return storeErr("commit", err)
}

func (s *Service) reportSkipped(out *Outcome) {
	if out == nil || len(out.Skipped) == 0 {
		return
	}
	metrics.SkippedEntities.Add(float64(len(out.Skipped)))
	for _, me := range out.Skipped {
		s.logger.Warn().Int("index", me.Index).Strs("missing", me.Missing).Str("reason", me.Reason).Msg("malformed entity skipped")
	}
}

// identityFailure turns a gating error into a partial PipelineError, holding
// the batch for review when enabled.
func (s *Service) identityFailure(ctx context.Context, text string, out *Outcome, err error) error {
	var inc *IncompleteIdentityError
	if !errors.As(err, &inc) {
		metrics.ReconcileRuns.WithLabelValues(metrics.OutcomeFailed).Inc()
		return &PipelineError{Stage: StageIdentity, Partial: true, Err: err}
	}

	perr := &PipelineError{Stage: StageIdentity, Partial: true, Err: inc}
	if !s.hold || s.review == nil {
		metrics.ReconcileRuns.WithLabelValues(metrics.OutcomeIncomplete).Inc()
		s.logger.Warn().Strs("missing_fields", inc.MissingFields).Msg("identity incomplete, record not committed")
		return perr
	}

	batch := &ReviewBatch{
		Reason:        inc.Error(),
		MissingFields: inc.MissingFields,
		Text:          text,
		Entities:      out.Record.Entities,
	}
	if herr := s.review.Hold(ctx, batch); herr != nil {
		metrics.ReconcileRuns.WithLabelValues(metrics.OutcomeIncomplete).Inc()
		s.logger.Error().Err(herr).Msg("failed to hold batch for review")
		return perr
	}
	metrics.ReconcileRuns.WithLabelValues(metrics.OutcomeHeld).Inc()
	s.logger.Info().
		Str("review_batch_id", batch.ID.String()).
		Strs("missing_fields", inc.MissingFields).
		Msg("batch held for review")
	perr.ReviewBatchID = &batch.ID
	s.notify(ctx, EventReviewHeld, batch.ID.String(), map[string]interface{}{
		"review_batch_id": batch.ID,
		"missing_fields":  inc.MissingFields,
	})
	return perr
}

// classify calls the classifier, retrying retryable failures with
// exponential backoff until attempts run out or ctx ends.
func (s *Service) classify(ctx context.Context, text string) ([]extraction.Entity, error) {
	wait := s.retry.Backoff
	var last *extraction.ClassificationError

	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		entities, err := s.classifier.Classify(ctx, text)
		if err == nil {
			metrics.ClassifyAttempts.WithLabelValues("ok").Inc()
			return entities, nil
		}

		if !errors.As(err, &last) {
			last = &extraction.ClassificationError{Provider: "unknown", Err: err}
		}
		if !last.Retryable {
			metrics.ClassifyAttempts.WithLabelValues("permanent").Inc()
			return nil, last
		}
		metrics.ClassifyAttempts.WithLabelValues("retryable").Inc()
		if attempt == s.retry.MaxAttempts {
			break
		}

		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("classification failed, retrying")
		if serr := s.sleep(ctx, wait); serr != nil {
			return nil, last
		}
		wait *= 2
		if s.retry.MaxBackoff > 0 && wait > s.retry.MaxBackoff {
			wait = s.retry.MaxBackoff
		}
	}
	return nil, last
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) archiveSource(ctx context.Context, uniqueID, text string) {
	if s.archive == nil || text == "" {
		return
	}
	if err := s.archive.Put(ctx, archive.SourceKey(uniqueID), []byte(text)); err != nil {
		s.logger.Warn().Err(err).Str("unique_id", uniqueID).Msg("source archive failed")
	}
}

// indexRecord queues every entity of rec. With replace set, the patient's
// previous documents are removed first.
func (s *Service) indexRecord(ctx context.Context, rec *Record, replace bool) {
	if s.indexer == nil {
		return
	}
	if replace {
		s.indexer.Remove(ctx, rec.ID)
	}
	for i, e := range rec.Entities {
		s.indexer.Index(ctx, search.Document{
			PatientID: rec.ID,
			UniqueID:  rec.UniqueID,
			Position:  i,
			Type:      e.Type,
			Category:  e.Category,
			Text:      e.Text,
			Score:     e.Score,
		})
	}
}

func (s *Service) notify(ctx context.Context, eventType, resourceID string, payload interface{}) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, eventType, resourceID, payload)
	}
}

func recordEvent(rec *Record) map[string]interface{} {
	return map[string]interface{}{"patient_id": rec.ID, "unique_id": rec.UniqueID}
}

// -- Records --

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	return rec, storeErr("get", err)
}

func (s *Service) GetByUniqueID(ctx context.Context, uniqueID string) (*Record, error) {
	rec, err := s.store.GetByUniqueID(ctx, uniqueID)
	return rec, storeErr("get", err)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	recs, total, err := s.store.List(ctx, limit, offset)
	return recs, total, storeErr("list", err)
}

// UpdateEntities replaces a record's entities and recomputes everything
// derived from them. The unique id is kept.
func (s *Service) UpdateEntities(ctx context.Context, id uuid.UUID, entities []extraction.Entity) (*Outcome, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.rebuild(ctx, existing, entities)
}

// Reprocess re-classifies the archived source text of a record and replaces
// its entities and derived collections.
func (s *Service) Reprocess(ctx context.Context, id uuid.UUID) (*Outcome, error) {
	if s.archive == nil {
		return nil, ErrNoSourceDocument
	}
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := s.archive.Get(ctx, archive.SourceKey(existing.UniqueID))
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return nil, ErrNoSourceDocument
		}
		return nil, &PipelineError{Stage: StageStore, Err: fmt.Errorf("read archived source: %w", err)}
	}

	entities, err := s.classify(ctx, string(data))
	if err != nil {
		return nil, &PipelineError{Stage: StageClassify, Err: err}
	}
	return s.rebuild(ctx, existing, entities)
}

func (s *Service) rebuild(ctx context.Context, existing *Record, entities []extraction.Entity) (*Outcome, error) {
	out, err := s.engine.Rebuild(existing, entities)
	s.reportSkipped(out)
	if err != nil {
		return out, &PipelineError{Stage: StageIdentity, Partial: true, Err: err}
	}
	if err := s.persist(ctx, out.Record); err != nil {
		return out, &PipelineError{Stage: StageStore, Partial: true, Err: err}
	}
	s.indexRecord(ctx, out.Record, true)
	s.notify(ctx, EventPatientRebuilt, out.Record.ID.String(), recordEvent(out.Record))
	s.logger.Info().Str("unique_id", out.Record.UniqueID).Int("entities", len(out.Record.Entities)).Msg("record rebuilt")
	return out, nil
}

// Delete removes a record with its entities, index entries and archived source.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return storeErr("delete", err)
	}
	if s.indexer != nil {
		s.indexer.Remove(ctx, id)
	}
	if s.archive != nil {
		if err := s.archive.Delete(ctx, archive.SourceKey(existing.UniqueID)); err != nil {
			s.logger.Warn().Err(err).Str("unique_id", existing.UniqueID).Msg("archived source not removed")
		}
	}
	s.notify(ctx, EventPatientDeleted, id.String(), recordEvent(existing))
	return nil
}

func (s *Service) Search(ctx context.Context, query string, limit int) ([]search.Hit, error) {
	if s.searcher == nil {
		return nil, ErrSearchUnavailable
	}
	return s.searcher.Search(ctx, query, limit)
}

// -- Review --

func (s *Service) ListHeld(ctx context.Context, limit, offset int) ([]*ReviewBatch, int, error) {
	if s.review == nil {
		return nil, 0, ErrReviewDisabled
	}
	batches, total, err := s.review.ListHeld(ctx, limit, offset)
	return batches, total, storeErr("list review batches", err)
}

func (s *Service) GetHeld(ctx context.Context, id uuid.UUID) (*ReviewBatch, error) {
	if s.review == nil {
		return nil, ErrReviewDisabled
	}
	b, err := s.review.GetHeld(ctx, id)
	return b, storeErr("get review batch", err)
}

func (s *Service) DiscardHeld(ctx context.Context, id uuid.UUID) error {
	if s.review == nil {
		return ErrReviewDisabled
	}
	return storeErr("release review batch", s.review.Release(ctx, id))
}

// ResolveHeld commits a held batch with reviewer-supplied identity values.
// The override entities lead the batch so they win first-occurrence. The
// batch is released in the same transaction as the commit; if identity is
// still incomplete it stays held.
func (s *Service) ResolveHeld(ctx context.Context, id uuid.UUID, override IdentityOverride) (*IngestResult, error) {
	b, err := s.GetHeld(ctx, id)
	if err != nil {
		return nil, err
	}

	entities := append(override.Entities(), b.Entities...)
	out, err := s.engine.Reconcile(entities)
	if err != nil {
		return nil, &PipelineError{Stage: StageIdentity, Partial: true, ReviewBatchID: &b.ID, Err: err}
	}

	rec := out.Record
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		pid, err := s.store.Upsert(ctx, rec)
		if err != nil {
			return storeErr("upsert", err)
		}
		if err := s.store.ReplaceEntities(ctx, pid, rec.Entities); err != nil {
			return storeErr("replace entities", err)
		}
		return storeErr("release review batch", s.review.Release(ctx, b.ID))
	})
	if err != nil {
		if errors.Is(err, ErrReviewBatchNotFound) {
			return nil, err
		}
		return nil, &PipelineError{Stage: StageStore, Partial: true, ReviewBatchID: &b.ID, Err: storeErr("commit", err)}
	}
	metrics.ReconcileRuns.WithLabelValues(metrics.OutcomeCommitted).Inc()

	s.archiveSource(ctx, rec.UniqueID, b.Text)
	s.indexRecord(ctx, rec, false)
	s.notify(ctx, EventReviewResolved, b.ID.String(), map[string]interface{}{
		"review_batch_id": b.ID,
		"patient_id":      rec.ID,
		"unique_id":       rec.UniqueID,
	})
	s.logger.Info().Str("review_batch_id", b.ID.String()).Str("unique_id", rec.UniqueID).Msg("review batch resolved")

	return &IngestResult{
		Text:      b.Text,
		Entities:  entities,
		PatientID: rec.ID,
		UniqueID:  rec.UniqueID,
		Skipped:   out.SkippedCount(),
		Warnings:  out.Skipped,
		Record:    rec,
	}, nil
}

// PurgeHeld drops held batches older than retention.
func (s *Service) PurgeHeld(ctx context.Context, retention time.Duration) (int, error) {
	if s.review == nil {
		return 0, ErrReviewDisabled
	}
	n, err := s.review.PurgeBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, storeErr("purge review batches", err)
	}
	metrics.ReviewBatchesPurged.Add(float64(n))
	if n > 0 {
		s.logger.Info().Int("purged", n).Dur("retention", retention).Msg("expired review batches purged")
	}
	return n, nil
}

func nonNilEntities(in []extraction.Entity) []extraction.Entity {
	if in == nil {
		return []extraction.Entity{}
	}
	return in
}
