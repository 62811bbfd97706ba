package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/engram/internal/extract"
)

func TestBackoffTiers(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 10 * time.Second},
		{3, 30 * time.Second},
		{4, 30 * time.Second},
		{9, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffFor(tc.attempt); got != tc.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestSchedulerRecoversFailedFile(t *testing.T) {
	h := newIngestHarness(t)
	var calls atomic.Int32
	h.ext.extractFn = func(ctx context.Context, chunk string) ([]extract.EntryDraft, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("model overloaded")
		}
		return draftsFor(chunk), nil
	}
	p := h.pool(t, PoolConfig{Workers: 1, ChunkConcurrency: 1})
	ctx := context.Background()

	targets := writeTargets(t, "a transcript that succeeds on the second try")
	results := make([]FileOutcome, 1)
	p.Run(ctx, targets, results, nil)
	if !results[0].Failed() {
		t.Fatal("first pass did not fail")
	}

	var slept []time.Duration
	s := NewScheduler(p, 2, func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}, nil)
	rounds, initial := s.Run(ctx, targets, results)

	if len(initial) != 1 || initial[0] != 0 {
		t.Errorf("initial failing = %v, want [0]", initial)
	}
	if len(rounds) != 1 {
		t.Fatalf("got %d rounds, want 1", len(rounds))
	}
	r := rounds[0]
	if r.Attempt != 1 || r.TargetsAttempted != 1 || r.Recovered != 1 || r.StillFailing != 0 {
		t.Errorf("round = %+v", r)
	}
	if r.BackoffMs != 2000 {
		t.Errorf("BackoffMs = %d, want 2000", r.BackoffMs)
	}
	if len(slept) != 1 || slept[0] != 2*time.Second {
		t.Errorf("slept = %v, want [2s]", slept)
	}
	if results[0].Failed() {
		t.Errorf("outcome still failed after recovery: %v", results[0].Err)
	}
	ids, err := h.store.EntryIDsBySource(ctx, targets[0].Path)
	if err != nil {
		t.Fatalf("EntryIDsBySource: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("stored %d entries after retry, want 1", len(ids))
	}
}

func TestSchedulerExhaustsRetries(t *testing.T) {
	h := newIngestHarness(t)
	h.ext.extractFn = func(ctx context.Context, chunk string) ([]extract.EntryDraft, error) {
		return nil, errors.New("model overloaded")
	}
	p := h.pool(t, PoolConfig{Workers: 1, ChunkConcurrency: 1})
	ctx := context.Background()

	targets := writeTargets(t, "a transcript the model never manages to read")
	results := make([]FileOutcome, 1)
	p.Run(ctx, targets, results, nil)

	var slept []time.Duration
	s := NewScheduler(p, 3, func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}, nil)
	rounds, initial := s.Run(ctx, targets, results)

	if len(initial) != 1 {
		t.Errorf("initial failing = %v, want one index", initial)
	}
	if len(rounds) != 3 {
		t.Fatalf("got %d rounds, want 3", len(rounds))
	}
	wantBackoff := []int64{2000, 10000, 30000}
	for i, r := range rounds {
		if r.Attempt != i+1 || r.StillFailing != 1 || r.Recovered != 0 {
			t.Errorf("rounds[%d] = %+v", i, r)
		}
		if r.BackoffMs != wantBackoff[i] {
			t.Errorf("rounds[%d].BackoffMs = %d, want %d", i, r.BackoffMs, wantBackoff[i])
		}
	}
	if !results[0].Failed() {
		t.Error("outcome recovered without a working extractor")
	}
}

func TestSchedulerExcludesCleanupFailures(t *testing.T) {
	h := newIngestHarness(t)
	h.ext.extractFn = func(ctx context.Context, chunk string) ([]extract.EntryDraft, error) {
		return nil, errors.New("model overloaded")
	}
	p := h.pool(t, PoolConfig{Workers: 1, ChunkConcurrency: 1})
	ctx := context.Background()

	targets := writeTargets(t,
		"a transcript whose cleanup already failed",
		"a transcript still worth retrying")
	results := make([]FileOutcome, 2)
	results[0].File = targets[0].Path
	results[0].fail(&CleanupError{
		Cause:   errors.New("extraction exploded"),
		Cleanup: errors.New("disk full"),
	})
	results[1].File = targets[1].Path
	results[1].fail(errors.New("model overloaded"))

	s := NewScheduler(p, 1, func(ctx context.Context, d time.Duration) error { return nil }, nil)
	rounds, initial := s.Run(ctx, targets, results)

	if len(initial) != 1 || initial[0] != 1 {
		t.Errorf("initial failing = %v, want [1]", initial)
	}
	if len(rounds) != 1 || rounds[0].TargetsAttempted != 1 {
		t.Fatalf("rounds = %+v, want one round attempting one target", rounds)
	}
	// The cleanup-failed outcome was never touched.
	var ce *CleanupError
	if !errors.As(results[0].Err, &ce) {
		t.Errorf("results[0].Err = %v, want untouched CleanupError", results[0].Err)
	}
}

func TestSchedulerNoFailuresNoRounds(t *testing.T) {
	h := newIngestHarness(t)
	p := h.pool(t, PoolConfig{Workers: 1, ChunkConcurrency: 1})

	targets := writeTargets(t, "a transcript that went through cleanly")
	results := make([]FileOutcome, 1)
	results[0].File = targets[0].Path

	slept := 0
	s := NewScheduler(p, 3, func(ctx context.Context, d time.Duration) error {
		slept++
		return nil
	}, nil)
	rounds, initial := s.Run(context.Background(), targets, results)
	if len(rounds) != 0 || len(initial) != 0 {
		t.Errorf("rounds = %v, initial = %v, want none", rounds, initial)
	}
	if slept != 0 {
		t.Errorf("slept %d times with nothing to retry", slept)
	}
}

func TestSchedulerStopsOnCancelledContext(t *testing.T) {
	h := newIngestHarness(t)
	p := h.pool(t, PoolConfig{Workers: 1, ChunkConcurrency: 1})

	targets := writeTargets(t, "a transcript interrupted before retrying")
	results := make([]FileOutcome, 1)
	results[0].File = targets[0].Path
	results[0].fail(errors.New("model overloaded"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScheduler(p, 3, nil, nil)
	rounds, initial := s.Run(ctx, targets, results)
	if len(rounds) != 0 {
		t.Errorf("rounds = %+v, want none after cancellation", rounds)
	}
	if len(initial) != 1 {
		t.Errorf("initial failing = %v, want [0]", initial)
	}
	if got := h.ext.callCount(); got != 0 {
		t.Errorf("extractor called %d times after cancellation", got)
	}
}
