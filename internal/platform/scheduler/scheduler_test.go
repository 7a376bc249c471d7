package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type mockPurger struct {
	mu         sync.Mutex
	calls      int
	retentions []time.Duration
	err        error
	done       chan struct{}
}

func (m *mockPurger) PurgeHeld(ctx context.Context, retention time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.retentions = append(m.retentions, retention)
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("sweep context has no deadline")
	}
	if m.done != nil && m.calls == 1 {
		close(m.done)
	}
	return 2, m.err
}

func TestScheduler_SweepUsesRetention(t *testing.T) {
	p := &mockPurger{}
	s := New(p, Options{Retention: 48 * time.Hour, Interval: time.Hour}, zerolog.Nop())

	s.Sweep()
	if p.calls != 1 || p.retentions[0] != 48*time.Hour {
		t.Errorf("expected one sweep with 48h retention, got %d %v", p.calls, p.retentions)
	}
}

func TestScheduler_SweepFailureIsLogged(t *testing.T) {
	p := &mockPurger{err: errors.New("db down")}
	s := New(p, Options{Retention: time.Hour, Interval: time.Hour}, zerolog.Nop())

	s.Sweep()
	if p.calls != 1 {
		t.Errorf("expected 1 call, got %d", p.calls)
	}
}

func TestScheduler_StartRunsImmediately(t *testing.T) {
	p := &mockPurger{done: make(chan struct{})}
	s := New(p, Options{Retention: time.Hour, Interval: time.Hour}, zerolog.Nop())

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer s.Stop()

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not run on start")
	}
}

func TestScheduler_StartRejectsInvalidOptions(t *testing.T) {
	tests := []Options{
		{Retention: time.Hour},
		{Interval: time.Hour},
		{Retention: -time.Hour, Interval: time.Hour},
	}
	for _, opts := range tests {
		s := New(&mockPurger{}, opts, zerolog.Nop())
		if err := s.Start(); err == nil {
			t.Errorf("expected error for %+v", opts)
			s.Stop()
		}
	}
}
