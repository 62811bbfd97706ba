package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/engram/internal/resolve"
)

// Retry backoff tiers. Round 1 waits the short tier, round 2 the medium
// tier, and every later round reuses the longest tier rather than growing
// further.
const (
	retryBackoffShort  = 2 * time.Second
	retryBackoffMedium = 10 * time.Second
	retryBackoffLong   = 30 * time.Second
)

func backoffFor(attempt int) time.Duration {
	switch attempt {
	case 1:
		return retryBackoffShort
	case 2:
		return retryBackoffMedium
	default:
		return retryBackoffLong
	}
}

// RetryRound reports one retry pass, for the final run summary.
type RetryRound struct {
	Attempt          int   `json:"attempt"`
	BackoffMs        int64 `json:"backoffMs"`
	TargetsAttempted int   `json:"targetsAttempted"`
	Recovered        int   `json:"recovered"`
	StillFailing     int   `json:"stillFailing"`
}

// Scheduler re-runs the worker pool over still-failing targets across
// bounded rounds. Outcomes can only improve: a target that has succeeded is
// never attempted again, so its outcome is never overwritten.
type Scheduler struct {
	pool       *Pool
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
	log        *slog.Logger
}

// NewScheduler builds a retry scheduler. sleep is the backoff wait between
// rounds; nil uses a context-aware time.Sleep.
func NewScheduler(pool *Pool, maxRetries int, sleep func(context.Context, time.Duration) error, log *slog.Logger) *Scheduler {
	if sleep == nil {
		sleep = sleepCtx
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{pool: pool, maxRetries: maxRetries, sleep: sleep, log: log}
}

// Run retries failing targets in place. It returns the per-round accounting
// and the indices that were failing after the first pass, which reporting
// uses to tell "succeeded initially" from "succeeded on retry".
func (s *Scheduler) Run(ctx context.Context, targets []resolve.Target, results []FileOutcome) ([]RetryRound, []int) {
	initial := retryableIndices(results)
	if s.maxRetries <= 0 || len(initial) == 0 {
		return nil, initial
	}

	var rounds []RetryRound
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		failing := retryableIndices(results)
		if len(failing) == 0 || ctx.Err() != nil {
			break
		}
		delay := backoffFor(attempt)
		s.log.Info("retrying failed files", "attempt", attempt, "failing", len(failing), "backoff", delay)
		if err := s.sleep(ctx, delay); err != nil {
			break
		}

		s.pool.Run(ctx, targets, results, failing)

		round := RetryRound{Attempt: attempt, BackoffMs: delay.Milliseconds(), TargetsAttempted: len(failing)}
		for _, idx := range failing {
			if results[idx].Failed() {
				round.StillFailing++
			} else {
				round.Recovered++
			}
		}
		rounds = append(rounds, round)
		s.log.Info("retry round finished", "attempt", attempt, "recovered", round.Recovered, "still_failing", round.StillFailing)
	}
	return rounds, initial
}

// retryableIndices returns the targets whose outcome carries an error worth
// retrying. Files whose cleanup failed are excluded: their store state needs
// a fresh run, not an automatic repeat.
func retryableIndices(results []FileOutcome) []int {
	var out []int
	for i := range results {
		if !results[i].Failed() {
			continue
		}
		var ce *CleanupError
		if errors.As(results[i].Err, &ce) {
			continue
		}
		out = append(out, i)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
