package pipeline

import (
	"time"

	"github.com/kalambet/engram/internal/bulk"
	"github.com/kalambet/engram/internal/ingest"
)

// Process exit codes for a finished run.
const (
	ExitOK          = 0
	ExitPartial     = 1
	ExitAllFailed   = 2
	ExitInterrupted = 130
)

// Report is the structured result document of one run: file counts,
// aggregated dedup counters, retry accounting, and the per-file outcomes in
// resolution order.
type Report struct {
	FilesTotal       int `json:"filesTotal"`
	FilesProcessed   int `json:"filesProcessed"`
	FilesSkipped     int `json:"filesSkipped"`
	FilesFailed      int `json:"filesFailed"`
	SucceededInitial int `json:"succeededInitial"`
	SucceededOnRetry int `json:"succeededOnRetry"`

	EntriesExtracted        int `json:"entriesExtracted"`
	EntriesStored           int `json:"entriesStored"`
	EntriesSkippedDuplicate int `json:"entriesSkippedDuplicate"`
	EntriesReinforced       int `json:"entriesReinforced"`
	EntriesSuperseded       int `json:"entriesSuperseded"`
	DedupLLMCalls           int `json:"dedupLlmCalls"`

	Retries  []ingest.RetryRound  `json:"retries,omitempty"`
	Outcomes []ingest.FileOutcome `json:"files"`

	BulkFinalize *bulk.FinalizeReport `json:"bulkFinalize,omitempty"`

	DurationMs  int64 `json:"durationMs"`
	DryRun      bool  `json:"dryRun,omitempty"`
	Interrupted bool  `json:"interrupted,omitempty"`

	ExitCode int `json:"-"`
}

func buildReport(results []ingest.FileOutcome, rounds []ingest.RetryRound, initialFailed []int, dryRun, interrupted bool, dur time.Duration) *Report {
	rep := &Report{
		FilesTotal:  len(results),
		Retries:     rounds,
		Outcomes:    results,
		DurationMs:  dur.Milliseconds(),
		DryRun:      dryRun,
		Interrupted: interrupted,
	}

	for i := range results {
		o := &results[i]
		switch {
		case o.Failed():
			rep.FilesFailed++
		case o.Skipped:
			rep.FilesSkipped++
		default:
			rep.FilesProcessed++
		}
		rep.EntriesExtracted += o.EntriesExtracted
		rep.EntriesStored += o.EntriesStored
		rep.EntriesSkippedDuplicate += o.EntriesSkippedDuplicate
		rep.EntriesReinforced += o.EntriesReinforced
		rep.EntriesSuperseded += o.EntriesSuperseded
		rep.DedupLLMCalls += o.DedupLLMCalls
	}

	for _, idx := range initialFailed {
		if !results[idx].Failed() {
			rep.SucceededOnRetry++
		}
	}
	rep.SucceededInitial = rep.FilesProcessed + rep.FilesSkipped - rep.SucceededOnRetry

	rep.ExitCode = exitCode(rep)
	return rep
}

func exitCode(rep *Report) int {
	switch {
	case rep.Interrupted:
		return ExitInterrupted
	case rep.FilesTotal > 0 && rep.FilesFailed == rep.FilesTotal:
		return ExitAllFailed
	case rep.FilesFailed > 0:
		return ExitPartial
	default:
		return ExitOK
	}
}
