package search

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/NdodaEnde/Hospital-Platform/internal/platform/metrics"
)

// SinkOptions sizes the worker pool. Each worker owns one queue of QueueSize
// jobs; a patient's jobs always land on the same worker so they apply in order.
type SinkOptions struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

type job struct {
	ctx    context.Context
	doc    Document
	remove bool
}

// Sink dispatches index writes to a backend without blocking the caller.
// When a worker queue is full the new job is dropped and counted.
type Sink struct {
	backend Backend
	logger  zerolog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queues []chan job
	wg     sync.WaitGroup
}

func NewSink(backend Backend, logger zerolog.Logger, opts SinkOptions) *Sink {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Second
	}

	s := &Sink{
		backend: backend,
		logger:  logger.With().Str("component", "search_sink").Logger(),
		timeout: opts.JobTimeout,
		queues:  make([]chan job, opts.Workers),
	}
	for i := range s.queues {
		s.queues[i] = make(chan job, opts.QueueSize)
		s.wg.Add(1)
		go s.work(s.queues[i])
	}
	return s
}

// Index queues doc for indexing. It never blocks and never fails.
func (s *Sink) Index(ctx context.Context, doc Document) {
	s.enqueue(job{ctx: context.WithoutCancel(ctx), doc: doc})
}

// Remove queues deletion of every document belonging to patientID.
func (s *Sink) Remove(ctx context.Context, patientID uuid.UUID) {
	s.enqueue(job{ctx: context.WithoutCancel(ctx), doc: Document{PatientID: patientID}, remove: true})
}

// Search queries the backend directly.
func (s *Sink) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	q, err := NormalizeQuery(query)
	if err != nil {
		return nil, err
	}
	return s.backend.Search(ctx, q, limit)
}

func (s *Sink) shard(id uuid.UUID) chan job {
	h := fnv.New32a()
	h.Write(id[:])
	return s.queues[h.Sum32()%uint32(len(s.queues))]
}

func (s *Sink) enqueue(j job) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		metrics.IndexJobs.WithLabelValues(metrics.IndexDropped).Inc()
		s.logger.Warn().Str("patient_id", j.doc.PatientID.String()).Msg("index job dropped: sink closed")
		return
	}

	select {
	case s.shard(j.doc.PatientID) <- j:
		metrics.IndexJobs.WithLabelValues(metrics.IndexEnqueued).Inc()
		metrics.IndexQueueDepth.Inc()
	default:
		metrics.IndexJobs.WithLabelValues(metrics.IndexDropped).Inc()
		s.logger.Warn().
			Str("patient_id", j.doc.PatientID.String()).
			Int("position", j.doc.Position).
			Msg("index job dropped: queue full")
	}
}

func (s *Sink) work(queue chan job) {
	defer s.wg.Done()
	for j := range queue {
		metrics.IndexQueueDepth.Dec()
		s.apply(j)
	}
}

func (s *Sink) apply(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, s.timeout)
	defer cancel()

	var err error
	op := "put"
	if j.remove {
		op = "delete"
		err = s.backend.DeletePatient(ctx, j.doc.PatientID)
	} else {
		err = s.backend.Put(ctx, j.doc)
	}

	if err != nil {
		metrics.IndexJobs.WithLabelValues(metrics.IndexFailed).Inc()
		s.logger.Warn().Err(err).
			Str("op", op).
			Str("patient_id", j.doc.PatientID.String()).
			Int("position", j.doc.Position).
			Msg("index write failed")
		return
	}
	metrics.IndexJobs.WithLabelValues(metrics.IndexDone).Inc()
}

// Close stops accepting jobs and waits for queued ones to drain, or for ctx
// to end, whichever comes first.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, q := range s.queues {
			close(q)
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
