package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/engram/internal/dedup"
	"github.com/kalambet/engram/internal/extract"
	"github.com/kalambet/engram/internal/queue"
	"github.com/kalambet/engram/internal/storage"
)

// seedEntry commits one entry directly, with band hashes derived from its
// own content so the duplicate index can find it.
func seedEntry(t *testing.T, s *storage.Store, id, content, sourceFile string) {
	t.Helper()
	ops := storage.BatchOps{Insert: []storage.NewEntry{{
		Entry: storage.Entry{
			ID:            id,
			Content:       content,
			Kind:          "fact",
			Tags:          "[]",
			SourceFile:    sourceFile,
			ContentHash:   dedup.ContentHash([]byte(content)),
			NormHash:      dedup.NormHash(content),
			ObservedCount: 1,
		},
		BandHashes: dedup.BandHashes(dedup.Signature(content)),
	}}}
	if err := s.CommitBatch(context.Background(), ops, storage.CommitOptions{}); err != nil {
		t.Fatalf("seeding entry %s: %v", id, err)
	}
}

// Texts long enough to carry a minhash signature, differing by one trailing
// token so they share at least one band.
const (
	seedText = "the ingestion run resolves targets sorts them by size claims each one " +
		"with a shared cursor extracts entries chunk by chunk and commits batches " +
		"through a single serialized write queue"
	nearText = seedText + " safely"
)

func TestApplyBatchInsertsDistinctEntries(t *testing.T) {
	h := newIngestHarness(t)
	a := h.newApplier()
	ctx := context.Background()

	groups := []queue.Group{{SourceFile: "/notes/a.md", Entries: []extract.EntryDraft{
		{Content: "the service runs in region eu west one", Kind: "fact", Tags: []string{"infra"}},
		{Content: "rollbacks are done with the blue green switch", Kind: "decision"},
	}}}
	results, err := a.ApplyBatch(ctx, groups)
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if len(results) != 1 || results[0].Added != 2 {
		t.Fatalf("results = %+v, want one result with Added=2", results)
	}
	if got := h.embed.batchCount(); got != 1 {
		t.Errorf("embed batches = %d, want 1", got)
	}
	if got := h.judge.callCount(); got != 0 {
		t.Errorf("judge calls = %d, want 0", got)
	}

	ids, err := h.store.EntryIDsBySource(ctx, "/notes/a.md")
	if err != nil {
		t.Fatalf("EntryIDsBySource: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("stored %d entries, want 2", len(ids))
	}
	stored, err := h.store.EntriesByNormHash(ctx, dedup.NormHash("the service runs in region eu west one"))
	if err != nil {
		t.Fatalf("EntriesByNormHash: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("norm hash lookup found %d entries, want 1", len(stored))
	}
	e := stored[0]
	if e.Kind != "fact" || e.Tags != `["infra"]` || e.ObservedCount != 1 {
		t.Errorf("stored entry = %+v", e)
	}
	vec, err := h.store.GetVector(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetVector: %v", err)
	}
	if len(vec) == 0 {
		t.Error("inserted entry has no vector")
	}
}

func TestApplyBatchReinforcesExactMatch(t *testing.T) {
	h := newIngestHarness(t)
	a := h.newApplier()
	ctx := context.Background()
	seedEntry(t, h.store, "seed-1", "Prefer tabs over spaces in the Go codebase", "/seed.md")

	groups := []queue.Group{{SourceFile: "/notes/a.md", Entries: []extract.EntryDraft{
		{Content: "prefer   TABS over spaces in the go codebase"},
	}}}
	results, err := a.ApplyBatch(ctx, groups)
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if results[0].Updated != 1 || results[0].Added != 0 {
		t.Errorf("result = %+v, want Updated=1", results[0])
	}

	e, err := h.store.GetEntry(ctx, "seed-1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if e.ObservedCount != 2 {
		t.Errorf("ObservedCount = %d, want 2", e.ObservedCount)
	}
	if got := h.embed.batchCount(); got != 0 {
		t.Errorf("embed batches = %d, want 0 when nothing is inserted", got)
	}
	if got := h.judge.callCount(); got != 0 {
		t.Errorf("judge calls = %d, want 0 for an exact match", got)
	}
}

func TestApplyBatchWithinBatchRestatement(t *testing.T) {
	h := newIngestHarness(t)
	a := h.newApplier()
	ctx := context.Background()

	groups := []queue.Group{{SourceFile: "/notes/a.md", Entries: []extract.EntryDraft{
		{Content: "the nightly build runs at three am utc"},
		{Content: "The  Nightly Build runs at three AM UTC"},
		{Content: "the nightly build runs at three am utc"},
	}}}
	results, err := a.ApplyBatch(ctx, groups)
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if results[0].Added != 1 || results[0].Updated != 2 {
		t.Errorf("result = %+v, want Added=1 Updated=2", results[0])
	}

	stored, err := h.store.EntriesByNormHash(ctx, dedup.NormHash("the nightly build runs at three am utc"))
	if err != nil {
		t.Fatalf("EntriesByNormHash: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored %d entries, want 1", len(stored))
	}
	if stored[0].ObservedCount != 3 {
		t.Errorf("ObservedCount = %d, want 3", stored[0].ObservedCount)
	}
	if got := h.embed.batchCount(); got != 1 {
		t.Errorf("embed batches = %d, want 1", got)
	}
}

func TestApplyBatchJudgedDuplicateSkips(t *testing.T) {
	h := newIngestHarness(t)
	h.judge.judgeFn = func(ctx context.Context, content string, existing dedup.Candidate) (dedup.Verdict, error) {
		if existing.EntryID != "seed-1" {
			t.Errorf("judged against %q, want seed-1", existing.EntryID)
		}
		return dedup.VerdictDuplicate, nil
	}
	a := h.newApplier()
	ctx := context.Background()
	seedEntry(t, h.store, "seed-1", seedText, "/seed.md")

	groups := []queue.Group{{SourceFile: "/notes/a.md", Entries: []extract.EntryDraft{
		{Content: nearText},
	}}}
	results, err := a.ApplyBatch(ctx, groups)
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if results[0].Skipped != 1 || results[0].Added != 0 {
		t.Errorf("result = %+v, want Skipped=1", results[0])
	}
	if results[0].LLMDedupCalls != 1 {
		t.Errorf("LLMDedupCalls = %d, want 1", results[0].LLMDedupCalls)
	}

	stored, err := h.store.EntriesByNormHash(ctx, dedup.NormHash(nearText))
	if err != nil {
		t.Fatalf("EntriesByNormHash: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("duplicate was stored: %+v", stored)
	}
	e, err := h.store.GetEntry(ctx, "seed-1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if e.ObservedCount != 1 {
		t.Errorf("seed ObservedCount = %d, want untouched 1", e.ObservedCount)
	}
}

func TestApplyBatchJudgedReinforces(t *testing.T) {
	h := newIngestHarness(t)
	h.judge.judgeFn = func(ctx context.Context, content string, existing dedup.Candidate) (dedup.Verdict, error) {
		return dedup.VerdictReinforces, nil
	}
	a := h.newApplier()
	ctx := context.Background()
	seedEntry(t, h.store, "seed-1", seedText, "/seed.md")

	groups := []queue.Group{{SourceFile: "/notes/a.md", Entries: []extract.EntryDraft{
		{Content: nearText},
	}}}
	results, err := a.ApplyBatch(ctx, groups)
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if results[0].Updated != 1 || results[0].Added != 0 {
		t.Errorf("result = %+v, want Updated=1", results[0])
	}
	e, err := h.store.GetEntry(ctx, "seed-1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if e.ObservedCount != 2 {
		t.Errorf("seed ObservedCount = %d, want 2", e.ObservedCount)
	}
}

func TestApplyBatchJudgedSupersedes(t *testing.T) {
	h := newIngestHarness(t)
	h.judge.judgeFn = func(ctx context.Context, content string, existing dedup.Candidate) (dedup.Verdict, error) {
		return dedup.VerdictSupersedes, nil
	}
	a := h.newApplier()
	ctx := context.Background()
	seedEntry(t, h.store, "seed-1", seedText, "/seed.md")

	groups := []queue.Group{{SourceFile: "/notes/a.md", Entries: []extract.EntryDraft{
		{Content: nearText},
	}}}
	results, err := a.ApplyBatch(ctx, groups)
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if results[0].Added != 1 || results[0].Superseded != 1 {
		t.Errorf("result = %+v, want Added=1 Superseded=1", results[0])
	}

	stored, err := h.store.EntriesByNormHash(ctx, dedup.NormHash(nearText))
	if err != nil {
		t.Fatalf("EntriesByNormHash: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored %d replacement entries, want 1", len(stored))
	}
	old, err := h.store.GetEntry(ctx, "seed-1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if old.SupersededBy != stored[0].ID {
		t.Errorf("SupersededBy = %q, want %q", old.SupersededBy, stored[0].ID)
	}
}

func TestApplyBatchJudgeErrorFailsBatch(t *testing.T) {
	h := newIngestHarness(t)
	h.judge.judgeFn = func(ctx context.Context, content string, existing dedup.Candidate) (dedup.Verdict, error) {
		return dedup.VerdictDistinct, errors.New("judge transport error")
	}
	a := h.newApplier()
	ctx := context.Background()
	seedEntry(t, h.store, "seed-1", seedText, "/seed.md")

	groups := []queue.Group{{SourceFile: "/notes/a.md", Entries: []extract.EntryDraft{
		{Content: nearText},
	}}}
	_, err := a.ApplyBatch(ctx, groups)
	if err == nil {
		t.Fatal("ApplyBatch succeeded with a failing judge")
	}
	if !strings.Contains(err.Error(), "judging against entry seed-1") {
		t.Errorf("error = %v", err)
	}

	ids, derr := h.store.EntryIDsBySource(ctx, "/notes/a.md")
	if derr != nil {
		t.Fatalf("EntryIDsBySource: %v", derr)
	}
	if len(ids) != 0 {
		t.Errorf("failed batch stored %d entries", len(ids))
	}
}

func TestApplyBatchEmbedCountMismatch(t *testing.T) {
	h := newIngestHarness(t)
	h.embed.embedFn = func(ctx context.Context, texts []string) ([][]float32, error) {
		return [][]float32{{1, 2}}, nil
	}
	a := h.newApplier()
	ctx := context.Background()

	groups := []queue.Group{{SourceFile: "/notes/a.md", Entries: []extract.EntryDraft{
		{Content: "first distinct observation about the system"},
		{Content: "second unrelated remark concerning deployment"},
	}}}
	_, err := a.ApplyBatch(ctx, groups)
	if err == nil {
		t.Fatal("ApplyBatch accepted a short embedding batch")
	}
	if !strings.Contains(err.Error(), "got 1 embeddings for 2") {
		t.Errorf("error = %v", err)
	}
	ids, derr := h.store.EntryIDsBySource(ctx, "/notes/a.md")
	if derr != nil {
		t.Fatalf("EntryIDsBySource: %v", derr)
	}
	if len(ids) != 0 {
		t.Errorf("failed batch stored %d entries", len(ids))
	}
}

func TestApplyBatchDryRunPersistsNothing(t *testing.T) {
	h := newIngestHarness(t)
	a := NewApplier(h.store, h.judge, h.embed, ApplierConfig{DryRun: true}, nil)
	ctx := context.Background()

	groups := []queue.Group{{SourceFile: "/notes/a.md", Entries: []extract.EntryDraft{
		{Content: "a decision that must not be persisted"},
		{Content: "another observation that stays out of the store"},
	}}}
	results, err := a.ApplyBatch(ctx, groups)
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if results[0].Added != 2 {
		t.Errorf("result = %+v, want Added=2", results[0])
	}
	// The full path runs, embeddings included, but nothing lands.
	if got := h.embed.batchCount(); got != 1 {
		t.Errorf("embed batches = %d, want 1", got)
	}
	ids, err := h.store.EntryIDsBySource(ctx, "/notes/a.md")
	if err != nil {
		t.Fatalf("EntryIDsBySource: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("dry run stored %d entries", len(ids))
	}
}

func TestApplyBatchAttributesResultsPerGroup(t *testing.T) {
	h := newIngestHarness(t)
	a := h.newApplier()
	ctx := context.Background()

	shared := "the cache invalidation job runs every six hours"
	groups := []queue.Group{
		{SourceFile: "/notes/a.md", Entries: []extract.EntryDraft{{Content: shared}}},
		{SourceFile: "/notes/b.md", Entries: []extract.EntryDraft{
			{Content: strings.ToUpper(shared)},
			{Content: "an unrelated note about the b transcript"},
		}},
	}
	results, err := a.ApplyBatch(ctx, groups)
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if results[0].Added != 1 || results[0].Updated != 0 {
		t.Errorf("results[0] = %+v, want Added=1", results[0])
	}
	if results[1].Added != 1 || results[1].Updated != 1 {
		t.Errorf("results[1] = %+v, want Added=1 Updated=1", results[1])
	}

	stored, err := h.store.EntriesByNormHash(ctx, dedup.NormHash(shared))
	if err != nil {
		t.Fatalf("EntriesByNormHash: %v", err)
	}
	if len(stored) != 1 || stored[0].ObservedCount != 2 {
		t.Fatalf("restated entry = %+v, want one row with ObservedCount=2", stored)
	}
	if stored[0].SourceFile != "/notes/a.md" {
		t.Errorf("SourceFile = %q, want the first group's file", stored[0].SourceFile)
	}
	bIDs, err := h.store.EntryIDsBySource(ctx, "/notes/b.md")
	if err != nil {
		t.Fatalf("EntryIDsBySource: %v", err)
	}
	if len(bIDs) != 1 {
		t.Errorf("second file stored %d entries, want 1", len(bIDs))
	}
}
