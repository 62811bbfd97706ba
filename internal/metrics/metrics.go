// Package metrics holds the Prometheus instruments for ingest runs. The
// bundle is built once per process and recorded into by the pipeline; the
// serve command exposes it over /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Bundle carries every instrument an ingest run records. Counters survive
// across runs within one process, so scrapes during long bulk imports see
// totals, not per-run values.
type Bundle struct {
	reg prometheus.Registerer

	FilesProcessed prometheus.Counter
	FilesSkipped   prometheus.Counter
	FilesFailed    prometheus.Counter

	EntriesExtracted  prometheus.Counter
	EntriesAdded      prometheus.Counter
	EntriesReinforced prometheus.Counter
	EntriesSkipped    prometheus.Counter
	EntriesSuperseded prometheus.Counter

	DedupJudgeCalls  prometheus.Counter
	BatchesCommitted prometheus.Counter
	RetryRounds      prometheus.Counter

	FileSeconds prometheus.Histogram
	RunSeconds  prometheus.Histogram
}

// New builds the bundle and registers every instrument on reg. Call it once
// per registry; a second call with the same registry panics on the duplicate
// names, which is the misuse it should surface.
func New(reg prometheus.Registerer) *Bundle {
	b := &Bundle{reg: reg}

	b.FilesProcessed = prometheus.NewCounter(prometheus.CounterOpts{Name: "engram_ingest_files_processed_total", Help: "Files fully committed"})
	b.FilesSkipped = prometheus.NewCounter(prometheus.CounterOpts{Name: "engram_ingest_files_skipped_total", Help: "Files skipped as already ingested"})
	b.FilesFailed = prometheus.NewCounter(prometheus.CounterOpts{Name: "engram_ingest_files_failed_total", Help: "Files that settled with an error after retries"})

	b.EntriesExtracted = prometheus.NewCounter(prometheus.CounterOpts{Name: "engram_ingest_entries_extracted_total", Help: "Entry drafts produced by extraction"})
	b.EntriesAdded = prometheus.NewCounter(prometheus.CounterOpts{Name: "engram_ingest_entries_added_total", Help: "New entries written"})
	b.EntriesReinforced = prometheus.NewCounter(prometheus.CounterOpts{Name: "engram_ingest_entries_reinforced_total", Help: "Existing entries reinforced by a restatement"})
	b.EntriesSkipped = prometheus.NewCounter(prometheus.CounterOpts{Name: "engram_ingest_entries_skipped_total", Help: "Entries dropped as duplicates"})
	b.EntriesSuperseded = prometheus.NewCounter(prometheus.CounterOpts{Name: "engram_ingest_entries_superseded_total", Help: "Existing entries superseded by a newer statement"})

	b.DedupJudgeCalls = prometheus.NewCounter(prometheus.CounterOpts{Name: "engram_ingest_dedup_judge_calls_total", Help: "Model-assisted duplicate judgments"})
	b.BatchesCommitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "engram_ingest_batches_committed_total", Help: "Write queue batches committed"})
	b.RetryRounds = prometheus.NewCounter(prometheus.CounterOpts{Name: "engram_ingest_retry_rounds_total", Help: "Retry rounds executed over failed files"})

	b.FileSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engram_ingest_file_seconds",
		Help:    "Wall time per file, extraction included",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
	b.RunSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engram_ingest_run_seconds",
		Help:    "Wall time per ingest run",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
	})

	reg.MustRegister(
		b.FilesProcessed, b.FilesSkipped, b.FilesFailed,
		b.EntriesExtracted, b.EntriesAdded, b.EntriesReinforced, b.EntriesSkipped, b.EntriesSuperseded,
		b.DedupJudgeCalls, b.BatchesCommitted, b.RetryRounds,
		b.FileSeconds, b.RunSeconds,
	)
	return b
}

// WatchQueue registers a gauge that samples pending for the write queue's
// depth. The queue lives for one run while the bundle lives for the process,
// so the caller must invoke the returned release func when the run ends.
func (b *Bundle) WatchQueue(pending func() int) (release func()) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "engram_write_queue_pending",
		Help: "Entries admitted to the write queue but not yet committed",
	}, func() float64 { return float64(pending()) })
	b.reg.MustRegister(g)
	return func() { b.reg.Unregister(g) }
}

var (
	defaultOnce   sync.Once
	defaultBundle *Bundle
)

// Default returns the process-wide bundle, registered on the default
// Prometheus registry. Safe to call from every command path.
func Default() *Bundle {
	defaultOnce.Do(func() {
		defaultBundle = New(prometheus.DefaultRegisterer)
	})
	return defaultBundle
}
