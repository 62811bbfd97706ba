package bulk

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/engram/internal/storage"
)

// DefaultBackfillBatch is how many vectorless entries each backfill pass
// embeds in one call.
const DefaultBackfillBatch = 64

// FinalizeStore is the storage surface of the post-bulk rebuild.
type FinalizeStore interface {
	SetBulkState(ctx context.Context, state storage.BulkState) error
	RebuildFTS(ctx context.Context) (int, error)
	EntriesMissingVectors(ctx context.Context, limit int) ([]storage.Entry, error)
	InsertVectors(ctx context.Context, entryIDs []string, vecs [][]float32) error
}

// FinalizeReport summarizes the rebuild phases.
type FinalizeReport struct {
	FTSRows           int `json:"ftsRows"`
	VectorsBackfilled int `json:"vectorsBackfilled"`
}

// Finalizer drives the bulk meta-state machine around a run. The persisted
// state names the phase in flight, so a crash leaves evidence the startup
// recovery check can report instead of silently serving a half-built index.
type Finalizer struct {
	store         FinalizeStore
	embed         Embedder
	backfillBatch int
	log           *slog.Logger
}

func NewFinalizer(store FinalizeStore, embed Embedder, log *slog.Logger) *Finalizer {
	if log == nil {
		log = slog.Default()
	}
	return &Finalizer{store: store, embed: embed, backfillBatch: DefaultBackfillBatch, log: log}
}

// Begin marks the store as mid-bulk before the first batch commits.
func (f *Finalizer) Begin(ctx context.Context) error {
	if err := f.store.SetBulkState(ctx, storage.BulkStateWriting); err != nil {
		return fmt.Errorf("entering bulk write phase: %w", err)
	}
	return nil
}

// Run rebuilds what bulk writes deferred: the full-text index over all live
// entries, then vectors for any entry that lacks one. Each phase updates the
// persisted state before it starts; only a complete pass clears it.
func (f *Finalizer) Run(ctx context.Context) (FinalizeReport, error) {
	var report FinalizeReport

	if err := f.store.SetBulkState(ctx, storage.BulkStateRebuildingFTS); err != nil {
		return report, fmt.Errorf("entering fts rebuild phase: %w", err)
	}
	n, err := f.store.RebuildFTS(ctx)
	if err != nil {
		return report, fmt.Errorf("rebuilding fts index: %w", err)
	}
	report.FTSRows = n
	f.log.Info("fts index rebuilt", "rows", n)

	if err := f.store.SetBulkState(ctx, storage.BulkStateRebuildingVector); err != nil {
		return report, fmt.Errorf("entering vector rebuild phase: %w", err)
	}
	backfilled, err := f.backfillVectors(ctx)
	report.VectorsBackfilled = backfilled
	if err != nil {
		return report, fmt.Errorf("backfilling vectors: %w", err)
	}
	if backfilled > 0 {
		f.log.Info("vectors backfilled", "entries", backfilled)
	}

	if err := f.store.SetBulkState(ctx, storage.BulkStateCleared); err != nil {
		return report, fmt.Errorf("clearing bulk state: %w", err)
	}
	return report, nil
}

func (f *Finalizer) backfillVectors(ctx context.Context) (int, error) {
	total := 0
	for {
		entries, err := f.store.EntriesMissingVectors(ctx, f.backfillBatch)
		if err != nil {
			return total, err
		}
		if len(entries) == 0 {
			return total, nil
		}
		texts := make([]string, len(entries))
		ids := make([]string, len(entries))
		for i, e := range entries {
			texts[i] = e.Content
			ids[i] = e.ID
		}
		vecs, err := f.embed.EmbedBatch(ctx, texts)
		if err != nil {
			return total, err
		}
		if len(vecs) != len(entries) {
			return total, fmt.Errorf("got %d embeddings for %d entries", len(vecs), len(entries))
		}
		if err := f.store.InsertVectors(ctx, ids, vecs); err != nil {
			return total, err
		}
		total += len(entries)
	}
}
