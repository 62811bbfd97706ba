// Package pipeline composes an ingest run: target resolution, locking, the
// write queue, the worker pool, retries, and the bulk rebuild protocol.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kalambet/engram/internal/bulk"
	"github.com/kalambet/engram/internal/config"
	"github.com/kalambet/engram/internal/extract"
	"github.com/kalambet/engram/internal/ingest"
	"github.com/kalambet/engram/internal/lock"
	"github.com/kalambet/engram/internal/metrics"
	"github.com/kalambet/engram/internal/queue"
	"github.com/kalambet/engram/internal/resolve"
	"github.com/kalambet/engram/internal/storage"
)

// Deps carries every collaborator a run needs. Tests construct it directly;
// the CLI wires the real store and Ollama client once per invocation.
type Deps struct {
	Store     *storage.Store
	Extractor ingest.Extractor
	Judge     ingest.DuplicateJudge
	Embedder  ingest.Embedder
	Metrics   *metrics.Bundle
	Log       *slog.Logger

	// Now and Sleep exist so tests control time. Nil values fall back to
	// the real clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Options are the parameters of one run, already parsed and typed.
type Options struct {
	Inputs  []string
	Pattern string
	// DataDir locates the watcher PID file. Empty skips the watcher check.
	DataDir string

	Workers             int
	ChunkConcurrency    int
	QueueWatermark      int
	BackpressureTimeout time.Duration

	SkipIngested bool
	Force        bool
	DryRun       bool
	Bulk         bool

	Retry      bool
	MaxRetries int

	Granularity extract.Granularity
	ChunkBytes  int

	Tagging extract.Tagging

	// OnFileDone, when set, is invoked from worker goroutines as each file
	// settles (including retry re-attempts). Used by the CLI for progress
	// display; implementations must be goroutine-safe.
	OnFileDone func(ingest.FileOutcome)
}

func (o Options) validate() error {
	if len(o.Inputs) == 0 {
		return &config.ValidationError{Field: "paths", Reason: "at least one input path is required"}
	}
	if o.Pattern == "" {
		return &config.ValidationError{Field: "pattern", Reason: "must not be empty"}
	}
	if o.Workers < 1 {
		return &config.ValidationError{Field: "workers", Reason: "must be at least 1"}
	}
	if o.ChunkConcurrency < 1 {
		return &config.ValidationError{Field: "chunk_concurrency", Reason: "must be at least 1"}
	}
	if o.QueueWatermark < 1 {
		return &config.ValidationError{Field: "queue_watermark", Reason: "must be at least 1"}
	}
	if o.BackpressureTimeout <= 0 {
		return &config.ValidationError{Field: "backpressure_timeout", Reason: "must be positive"}
	}
	if o.MaxRetries < 0 {
		return &config.ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}
	return nil
}

// Runner executes ingest runs against one set of collaborators.
type Runner struct {
	deps Deps
}

func New(deps Deps) *Runner {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Runner{deps: deps}
}

// Run executes one ingest pass and returns its report. File-scoped failures
// live in the report and its exit code, not in the returned error: a non-nil
// error means the run could not start at all, or a bulk run could not
// rebuild its indexes afterwards.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	started := r.deps.Now()
	log := r.deps.Log

	if err := opts.validate(); err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determining working directory: %w", err)
	}
	targets, err := resolve.Targets(opts.Inputs, opts.Pattern, cwd)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		log.Info("no files matched", "pattern", opts.Pattern, "inputs", opts.Inputs)
		return &Report{DryRun: opts.DryRun}, nil
	}

	// Two writers against one store corrupt the idempotency protocol, so
	// refuse to race a live tailing watcher, then take the advisory lock
	// other ingest processes contend on.
	if opts.DataDir != "" {
		if pid, running := lock.WatcherRunning(opts.DataDir); running {
			return nil, fmt.Errorf("watcher process %d is writing to this store; stop it before ingesting", pid)
		}
	}
	if path := r.deps.Store.Path(); path != ":memory:" {
		lk, err := lock.Acquire(path + ".lock")
		if err != nil {
			return nil, err
		}
		defer lk.Release()
	}

	// Dry-run keeps the normal judged write path, so bulk shortcuts never
	// decide what a real run would have done.
	bulkMode := opts.Bulk && !opts.DryRun
	if bulkMode && !opts.Force {
		if err := r.deps.Store.CheckBulkRecovery(ctx); err != nil {
			return nil, err
		}
	}

	var applier queue.Applier
	batchSize := queue.DefaultBatchSize
	if bulkMode {
		applier = bulk.NewApplier(r.deps.Store, r.deps.Embedder, bulk.Config{Tagging: opts.Tagging}, log)
		batchSize = queue.BulkBatchSize
	} else {
		applier = ingest.NewApplier(r.deps.Store, r.deps.Judge, r.deps.Embedder, ingest.ApplierConfig{
			Tagging: opts.Tagging,
			DryRun:  opts.DryRun,
		}, log)
	}

	m := r.deps.Metrics
	q := queue.New(applier, queue.Options{
		BatchSize:     batchSize,
		HighWatermark: opts.QueueWatermark,
		PushTimeout:   opts.BackpressureTimeout,
		OnBatchCommit: func(groups, entries int) { m.BatchesCommitted.Inc() },
	}, log)
	defer q.Destroy()
	unwatch := m.WatchQueue(q.Pending)
	defer unwatch()

	recovery := ingest.NewRecovery(r.deps.Store, q, ingest.RecoveryConfig{
		SkipIngested: opts.SkipIngested,
		Force:        opts.Force,
		DryRun:       opts.DryRun,
	}, log)
	pool := ingest.NewPool(q, r.deps.Extractor, recovery, ingest.PoolConfig{
		Workers:          opts.Workers,
		ChunkConcurrency: opts.ChunkConcurrency,
		Granularity:      opts.Granularity,
		ChunkBytes:       opts.ChunkBytes,
		OnSettled:        opts.OnFileDone,
	}, log)

	var fin *bulk.Finalizer
	if bulkMode {
		fin = bulk.NewFinalizer(r.deps.Store, r.deps.Embedder, log)
		if err := fin.Begin(ctx); err != nil {
			return nil, err
		}
	}

	log.Info("starting ingest",
		"files", len(targets),
		"workers", opts.Workers,
		"bulk", bulkMode,
		"dryRun", opts.DryRun,
	)

	results := make([]ingest.FileOutcome, len(targets))
	pool.Run(ctx, targets, results, nil)

	var rounds []ingest.RetryRound
	var initialFailed []int
	if opts.Retry && ctx.Err() == nil {
		sched := ingest.NewScheduler(pool, opts.MaxRetries, r.deps.Sleep, log)
		rounds, initialFailed = sched.Run(ctx, targets, results)
	}

	if err := q.Drain(ctx); err != nil {
		log.Warn("queue drain interrupted", "error", err)
	}
	q.Destroy()

	markUnattempted(targets, results)

	var bulkRep *bulk.FinalizeReport
	var finErr error
	if fin != nil && ctx.Err() == nil {
		rep, err := fin.Run(ctx)
		if err != nil {
			finErr = fmt.Errorf("rebuilding indexes after bulk run: %w", err)
		} else {
			bulkRep = &rep
		}
	}

	report := buildReport(results, rounds, initialFailed, opts.DryRun, ctx.Err() != nil, r.deps.Now().Sub(started))
	report.BulkFinalize = bulkRep
	r.record(report)

	if finErr != nil {
		return report, finErr
	}

	log.Info("ingest finished",
		"processed", report.FilesProcessed,
		"skipped", report.FilesSkipped,
		"failed", report.FilesFailed,
		"entriesStored", report.EntriesStored,
		"durationMs", report.DurationMs,
		"exitCode", report.ExitCode,
	)
	return report, nil
}

// markUnattempted fills outcomes for targets no worker claimed before a
// shutdown, so the report covers every resolved target.
func markUnattempted(targets []resolve.Target, results []ingest.FileOutcome) {
	for i := range results {
		if results[i].File == "" {
			results[i].File = targets[i].Path
			results[i].Skipped = true
			results[i].SkipReason = "not attempted (shutdown requested)"
		}
	}
}

func (r *Runner) record(rep *Report) {
	m := r.deps.Metrics
	m.FilesProcessed.Add(float64(rep.FilesProcessed))
	m.FilesSkipped.Add(float64(rep.FilesSkipped))
	m.FilesFailed.Add(float64(rep.FilesFailed))
	m.EntriesExtracted.Add(float64(rep.EntriesExtracted))
	m.EntriesAdded.Add(float64(rep.EntriesStored))
	m.EntriesReinforced.Add(float64(rep.EntriesReinforced))
	m.EntriesSkipped.Add(float64(rep.EntriesSkippedDuplicate))
	m.EntriesSuperseded.Add(float64(rep.EntriesSuperseded))
	m.DedupJudgeCalls.Add(float64(rep.DedupLLMCalls))
	m.RetryRounds.Add(float64(len(rep.Retries)))
	for _, o := range rep.Outcomes {
		if o.DurationMs > 0 {
			m.FileSeconds.Observe(float64(o.DurationMs) / 1000)
		}
	}
	m.RunSeconds.Observe(float64(rep.DurationMs) / 1000)
}
