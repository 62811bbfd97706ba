package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/engram/internal/config"
	"github.com/kalambet/engram/internal/dedup"
	"github.com/kalambet/engram/internal/extract"
	"github.com/kalambet/engram/internal/lock"
	"github.com/kalambet/engram/internal/metrics"
	"github.com/kalambet/engram/internal/storage"
)

type stubExtractor struct {
	mu    sync.Mutex
	calls int
	fn    func(chunk string) ([]extract.EntryDraft, error)
}

func (s *stubExtractor) ExtractEntries(ctx context.Context, chunk string) ([]extract.EntryDraft, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(chunk)
	}
	return []extract.EntryDraft{{Content: chunk, Kind: "fact"}}, nil
}

func (s *stubExtractor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubJudge struct {
	mu    sync.Mutex
	calls int
}

func (s *stubJudge) JudgeDuplicate(ctx context.Context, content string, existing dedup.Candidate) (dedup.Verdict, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return dedup.VerdictDistinct, nil
}

func (s *stubJudge) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubEmbedder struct {
	mu      sync.Mutex
	batches int
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.batches++
	s.mu.Unlock()
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = []float32{float32(len(t)), 1}
	}
	return vecs, nil
}

type runHarness struct {
	store  *storage.Store
	ext    *stubExtractor
	judge  *stubJudge
	embed  *stubEmbedder
	reg    *prometheus.Registry
	runner *Runner
}

// newRunHarness wires a Runner over a fresh store. dataDir "" uses an
// in-memory store, anything else opens one on disk.
func newRunHarness(t *testing.T, dataDir string) *runHarness {
	t.Helper()
	if dataDir == "" {
		dataDir = ":memory:"
	}
	store, err := storage.Open(dataDir)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &runHarness{
		store: store,
		ext:   &stubExtractor{},
		judge: &stubJudge{},
		embed: &stubEmbedder{},
		reg:   prometheus.NewRegistry(),
	}
	h.runner = New(Deps{
		Store:     store,
		Extractor: h.ext,
		Judge:     h.judge,
		Embedder:  h.embed,
		Metrics:   metrics.New(h.reg),
		Sleep:     func(ctx context.Context, d time.Duration) error { return nil },
	})
	return h
}

func writeRunFiles(t *testing.T, contents ...string) string {
	t.Helper()
	dir := t.TempDir()
	for i, c := range contents {
		path := filepath.Join(dir, fmt.Sprintf("t%02d.md", i))
		if err := os.WriteFile(path, []byte(c), 0o644); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
	return dir
}

func runOptions(inputs ...string) Options {
	return Options{
		Inputs:              inputs,
		Pattern:             "**/*.{md,txt}",
		Workers:             2,
		ChunkConcurrency:    2,
		QueueWatermark:      100,
		BackpressureTimeout: 5 * time.Second,
		SkipIngested:        true,
	}
}

func (h *runHarness) stats(t *testing.T) storage.Stats {
	t.Helper()
	st, err := h.store.CollectStats(context.Background())
	if err != nil {
		t.Fatalf("CollectStats: %v", err)
	}
	return st
}

func (h *runHarness) counter(t *testing.T, name string) float64 {
	t.Helper()
	fams, err := h.reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range fams {
		if f.GetName() == name && len(f.GetMetric()) > 0 {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestRunIngestsAndReports(t *testing.T) {
	h := newRunHarness(t, "")
	dir := writeRunFiles(t, "alpha deploys run on fridays", "beta invoices close monthly")

	rep, err := h.runner.Run(context.Background(), runOptions(dir))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rep.FilesTotal != 2 || rep.FilesProcessed != 2 || rep.FilesFailed != 0 {
		t.Errorf("report = %+v", rep)
	}
	if rep.EntriesStored != 2 {
		t.Errorf("EntriesStored = %d, want 2", rep.EntriesStored)
	}
	if rep.SucceededInitial != 2 || rep.SucceededOnRetry != 0 {
		t.Errorf("succeeded initial/retry = %d/%d, want 2/0", rep.SucceededInitial, rep.SucceededOnRetry)
	}
	if rep.ExitCode != ExitOK {
		t.Errorf("ExitCode = %d, want %d", rep.ExitCode, ExitOK)
	}
	if len(rep.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(rep.Outcomes))
	}

	st := h.stats(t)
	if st.Entries != 2 || st.IngestLogRows != 2 {
		t.Errorf("stats = %+v, want 2 entries and 2 log rows", st)
	}

	if got := h.counter(t, "engram_ingest_files_processed_total"); got != 2 {
		t.Errorf("files processed counter = %v, want 2", got)
	}
	if got := h.counter(t, "engram_ingest_batches_committed_total"); got < 1 {
		t.Errorf("batches committed counter = %v, want at least 1", got)
	}
}

func TestRunSecondPassSkipsUnchanged(t *testing.T) {
	h := newRunHarness(t, "")
	dir := writeRunFiles(t, "the standup moved to ten thirty")

	if _, err := h.runner.Run(context.Background(), runOptions(dir)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	extractions := h.ext.callCount()

	rep, err := h.runner.Run(context.Background(), runOptions(dir))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if rep.FilesSkipped != 1 || rep.FilesProcessed != 0 {
		t.Errorf("second pass skipped/processed = %d/%d, want 1/0", rep.FilesSkipped, rep.FilesProcessed)
	}
	if rep.ExitCode != ExitOK {
		t.Errorf("ExitCode = %d", rep.ExitCode)
	}
	if h.ext.callCount() != extractions {
		t.Error("second pass re-extracted unchanged content")
	}
	if st := h.stats(t); st.Entries != 1 {
		t.Errorf("entries = %d, want 1 after idempotent second pass", st.Entries)
	}
}

func TestRunForceReingests(t *testing.T) {
	h := newRunHarness(t, "")
	dir := writeRunFiles(t, "the deploy pipeline gates on smoke tests")

	if _, err := h.runner.Run(context.Background(), runOptions(dir)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstIDs, err := h.store.EntryIDsBySource(context.Background(), filepath.Join(dir, "t00.md"))
	if err != nil || len(firstIDs) != 1 {
		t.Fatalf("first pass ids = %v, %v", firstIDs, err)
	}

	opts := runOptions(dir)
	opts.Force = true
	rep, err := h.runner.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("force run: %v", err)
	}

	if rep.FilesProcessed != 1 || rep.FilesSkipped != 0 {
		t.Errorf("force pass processed/skipped = %d/%d, want 1/0", rep.FilesProcessed, rep.FilesSkipped)
	}
	secondIDs, err := h.store.EntryIDsBySource(context.Background(), filepath.Join(dir, "t00.md"))
	if err != nil || len(secondIDs) != 1 {
		t.Fatalf("second pass ids = %v, %v", secondIDs, err)
	}
	if firstIDs[0] == secondIDs[0] {
		t.Error("force did not replace the prior entry")
	}
	if st := h.stats(t); st.Entries != 1 {
		t.Errorf("entries = %d, want exactly the re-ingested pass", st.Entries)
	}
}

func TestRunRetryRecoversAndAccounts(t *testing.T) {
	h := newRunHarness(t, "")
	dir := writeRunFiles(t, "alpha notes settle instantly", "flaky section recovers later")

	var failed sync.Once
	h.ext.fn = func(chunk string) ([]extract.EntryDraft, error) {
		if strings.Contains(chunk, "flaky") {
			var failErr error
			failed.Do(func() { failErr = errors.New("model overloaded") })
			if failErr != nil {
				return nil, failErr
			}
		}
		return []extract.EntryDraft{{Content: chunk, Kind: "fact"}}, nil
	}

	opts := runOptions(dir)
	opts.Retry = true
	opts.MaxRetries = 2
	rep, err := h.runner.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rep.FilesFailed != 0 || rep.FilesProcessed != 2 {
		t.Fatalf("report = %+v, want both files processed", rep)
	}
	if rep.SucceededOnRetry != 1 || rep.SucceededInitial != 1 {
		t.Errorf("succeeded initial/retry = %d/%d, want 1/1", rep.SucceededInitial, rep.SucceededOnRetry)
	}
	if len(rep.Retries) != 1 || rep.Retries[0].Recovered != 1 {
		t.Errorf("retries = %+v, want one recovering round", rep.Retries)
	}
	if rep.ExitCode != ExitOK {
		t.Errorf("ExitCode = %d, want 0 once nothing remains failed", rep.ExitCode)
	}
	// The failed first attempt must not leave duplicate entries behind.
	if st := h.stats(t); st.Entries != 2 {
		t.Errorf("entries = %d, want 2", st.Entries)
	}
}

func TestRunAllFailedExitCode(t *testing.T) {
	h := newRunHarness(t, "")
	dir := writeRunFiles(t, "first doomed file", "second doomed file")
	h.ext.fn = func(chunk string) ([]extract.EntryDraft, error) {
		return nil, errors.New("model unreachable")
	}

	rep, err := h.runner.Run(context.Background(), runOptions(dir))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.FilesFailed != 2 || rep.ExitCode != ExitAllFailed {
		t.Errorf("failed = %d exit = %d, want 2 and %d", rep.FilesFailed, rep.ExitCode, ExitAllFailed)
	}
	if st := h.stats(t); st.Entries != 0 {
		t.Errorf("entries = %d, want none after total failure", st.Entries)
	}
}

func TestRunPartialFailureExitCode(t *testing.T) {
	h := newRunHarness(t, "")
	dir := writeRunFiles(t, "healthy content lands", "doomed content fails")
	h.ext.fn = func(chunk string) ([]extract.EntryDraft, error) {
		if strings.Contains(chunk, "doomed") {
			return nil, errors.New("model unreachable")
		}
		return []extract.EntryDraft{{Content: chunk, Kind: "fact"}}, nil
	}

	rep, err := h.runner.Run(context.Background(), runOptions(dir))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.FilesFailed != 1 || rep.FilesProcessed != 1 {
		t.Errorf("report = %+v", rep)
	}
	if rep.ExitCode != ExitPartial {
		t.Errorf("ExitCode = %d, want %d", rep.ExitCode, ExitPartial)
	}
}

func TestRunInterruptedExitCode(t *testing.T) {
	h := newRunHarness(t, "")
	dir := writeRunFiles(t, "never reached one", "never reached two")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := h.runner.Run(ctx, runOptions(dir))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rep.Interrupted || rep.ExitCode != ExitInterrupted {
		t.Errorf("interrupted = %v exit = %d, want true and %d", rep.Interrupted, rep.ExitCode, ExitInterrupted)
	}
	for _, o := range rep.Outcomes {
		if o.File == "" {
			t.Error("outcome missing its file path")
		}
		if !o.Skipped {
			t.Errorf("outcome %s not marked skipped on shutdown", o.File)
		}
	}
	if h.ext.callCount() != 0 {
		t.Error("extraction ran after shutdown was requested")
	}
}

func TestRunValidatesOptions(t *testing.T) {
	h := newRunHarness(t, "")

	cases := []struct {
		name      string
		mutate    func(o *Options)
		wantField string
	}{
		{"no inputs", func(o *Options) { o.Inputs = nil }, "paths"},
		{"zero workers", func(o *Options) { o.Workers = 0 }, "workers"},
		{"zero chunk concurrency", func(o *Options) { o.ChunkConcurrency = 0 }, "chunk_concurrency"},
		{"zero watermark", func(o *Options) { o.QueueWatermark = 0 }, "queue_watermark"},
		{"zero timeout", func(o *Options) { o.BackpressureTimeout = 0 }, "backpressure_timeout"},
		{"negative retries", func(o *Options) { o.MaxRetries = -1 }, "max_retries"},
		{"empty pattern", func(o *Options) { o.Pattern = "" }, "pattern"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := runOptions(t.TempDir())
			tc.mutate(&opts)

			_, err := h.runner.Run(context.Background(), opts)
			var verr *config.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tc.wantField {
				t.Errorf("Field = %q, want %q", verr.Field, tc.wantField)
			}
		})
	}
}

func TestRunNoFilesMatched(t *testing.T) {
	h := newRunHarness(t, "")

	rep, err := h.runner.Run(context.Background(), runOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.FilesTotal != 0 || rep.ExitCode != ExitOK {
		t.Errorf("report = %+v, want empty success", rep)
	}
}

func TestRunRefusesWhenStoreLocked(t *testing.T) {
	h := newRunHarness(t, t.TempDir())
	dir := writeRunFiles(t, "content behind a held lock")

	lk, err := lock.Acquire(h.store.Path() + ".lock")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lk.Release()

	_, err = h.runner.Run(context.Background(), runOptions(dir))
	if !errors.Is(err, lock.ErrHeld) {
		t.Fatalf("Run = %v, want ErrHeld", err)
	}
}

func TestRunRefusesWhenWatcherAlive(t *testing.T) {
	h := newRunHarness(t, "")
	dir := writeRunFiles(t, "content guarded by the watcher check")

	dataDir := t.TempDir()
	pidFile := filepath.Join(dataDir, lock.WatcherPIDFile)
	if err := os.WriteFile(pidFile, fmt.Appendf(nil, "%d %d\n", os.Getpid(), time.Now().Unix()), 0o644); err != nil {
		t.Fatalf("writing pid file: %v", err)
	}

	opts := runOptions(dir)
	opts.DataDir = dataDir
	_, err := h.runner.Run(context.Background(), opts)
	if err == nil || !strings.Contains(err.Error(), "watcher process") {
		t.Fatalf("Run = %v, want watcher refusal", err)
	}

	// A stale PID no longer blocks ingestion.
	if err := os.WriteFile(pidFile, []byte("1073741824 0\n"), 0o644); err != nil {
		t.Fatalf("writing stale pid file: %v", err)
	}
	if _, err := h.runner.Run(context.Background(), opts); err != nil {
		t.Fatalf("Run with stale watcher pid: %v", err)
	}
}
