package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) Sweep(ctx context.Context) error {
	s.calls.Add(1)
	return s.err
}

type countingPruner struct {
	calls     atomic.Int32
	retention atomic.Int64
}

func (p *countingPruner) PruneRead(ctx context.Context, retention time.Duration) (int64, error) {
	p.calls.Add(1)
	p.retention.Store(int64(retention))
	return 2, nil
}

func TestRunner_SweepsOnInterval(t *testing.T) {
	sweeper := &countingSweeper{}
	r, err := NewRunner(Config{
		Sweeper:       sweeper,
		SweepInterval: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.Start()
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sweeper.calls.Load() < 2 {
		t.Fatalf("sweep calls = %d, want at least 2", sweeper.calls.Load())
	}
}

func TestRunner_SweepErrorDoesNotStopSchedule(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("redis gone")}
	r, err := NewRunner(Config{
		Sweeper:       sweeper,
		SweepInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.Start()
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sweeper.calls.Load() < 2 {
		t.Fatalf("sweep calls = %d, want repeated attempts despite failure", sweeper.calls.Load())
	}
}

func TestRunner_PruneCarriesRetention(t *testing.T) {
	pruner := &countingPruner{}
	r, err := NewRunner(Config{
		Pruner:        pruner,
		PruneSchedule: "@every 50ms",
		Retention:     30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.Start()
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for pruner.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pruner.calls.Load() == 0 {
		t.Fatal("prune never ran")
	}
	if got := time.Duration(pruner.retention.Load()); got != 30*24*time.Hour {
		t.Errorf("retention = %v, want 720h", got)
	}
}

func TestNewRunner_BadSchedule(t *testing.T) {
	_, err := NewRunner(Config{
		Pruner:        &countingPruner{},
		PruneSchedule: "not a schedule",
	})
	if err == nil {
		t.Fatal("expected schedule parse error")
	}
}
