package ingest

// FileOutcome is the settled result for one ingest target. The worker that
// finishes a target writes its outcome exactly once, into a pre-sized slice
// at the target's index, so reporting order never depends on completion
// order.
type FileOutcome struct {
	File                    string `json:"file"`
	EntriesExtracted        int    `json:"entriesExtracted"`
	EntriesStored           int    `json:"entriesStored"`
	EntriesSkippedDuplicate int    `json:"entriesSkippedDuplicate"`
	EntriesReinforced       int    `json:"entriesReinforced"`
	EntriesSuperseded       int    `json:"entriesSuperseded,omitempty"`
	DedupLLMCalls           int    `json:"dedupLlmCalls,omitempty"`
	Skipped                 bool   `json:"skipped,omitempty"`
	SkipReason              string `json:"skipReason,omitempty"`
	Warning                 string `json:"warning,omitempty"`
	Error                   string `json:"error,omitempty"`
	DurationMs              int64  `json:"durationMs"`

	// Err carries the settled error for retry classification; Error holds
	// its message for structured output.
	Err error `json:"-"`
}

func (o *FileOutcome) fail(err error) {
	o.Err = err
	o.Error = err.Error()
}

// Failed reports whether the outcome settled with an error.
func (o *FileOutcome) Failed() bool { return o.Err != nil }
