// Package bulk is the high-throughput write path: duplicate suppression by
// hash and index lookup only, no model-assisted judging, and entry commits
// that skip full-text index maintenance until a final rebuild.
package bulk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kalambet/engram/internal/dedup"
	"github.com/kalambet/engram/internal/extract"
	"github.com/kalambet/engram/internal/queue"
	"github.com/kalambet/engram/internal/storage"
)

// Store is the storage surface the bulk path writes through.
type Store interface {
	CandidatesByBandHashes(ctx context.Context, bandHashes []uint64) ([]storage.Entry, error)
	CommitBatch(ctx context.Context, ops storage.BatchOps, opts storage.CommitOptions) error
}

// Embedder produces one embedding per input text.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config carries the run-level settings for bulk writes.
type Config struct {
	// Tagging is stamped onto every entry stored during the run.
	Tagging extract.Tagging
}

// Applier is the bulk-mode batch committer. It keeps one set of normalized
// hashes committed during the run; the set grows only when a batch commits,
// so a failed batch can be retried without false duplicate suppression.
//
// Batches are applied one at a time on the queue's committer, so the set
// needs no locking.
type Applier struct {
	store Store
	embed Embedder
	cfg   Config
	log   *slog.Logger

	committed map[string]struct{}
}

func NewApplier(store Store, embed Embedder, cfg Config, log *slog.Logger) *Applier {
	if log == nil {
		log = slog.Default()
	}
	return &Applier{
		store:     store,
		embed:     embed,
		cfg:       cfg,
		log:       log,
		committed: make(map[string]struct{}),
	}
}

// candidate is one draft that survived duplicate suppression and is staged
// for this batch's single transaction.
type candidate struct {
	group    int
	normHash string
	entry    storage.NewEntry
}

// ApplyBatch suppresses duplicates by normalized hash (against the run set
// and the batch itself) and by duplicate-index lookup, embeds every survivor
// in one call, and inserts them in one transaction with FTS maintenance
// deferred to the final rebuild.
func (a *Applier) ApplyBatch(ctx context.Context, groups []queue.Group) ([]queue.BatchResult, error) {
	results := make([]queue.BatchResult, len(groups))
	var cands []candidate
	batchSeen := make(map[string]struct{})

	for gi, g := range groups {
		res := &results[gi]
		for _, draft := range g.Entries {
			nh := dedup.NormHash(draft.Content)
			if _, ok := a.committed[nh]; ok {
				res.Skipped++
				continue
			}
			if _, ok := batchSeen[nh]; ok {
				res.Skipped++
				continue
			}
			batchSeen[nh] = struct{}{}

			bands := dedup.BandHashes(dedup.Signature(draft.Content))
			if len(bands) > 0 {
				matches, err := a.store.CandidatesByBandHashes(ctx, bands)
				if err != nil {
					return nil, fmt.Errorf("querying duplicate index: %w", err)
				}
				if len(matches) > 0 {
					res.Skipped++
					continue
				}
			}

			cands = append(cands, candidate{
				group:    gi,
				normHash: nh,
				entry:    a.buildEntry(draft, g.SourceFile, nh, bands),
			})
			res.Added++
		}
	}

	if len(cands) == 0 {
		return results, nil
	}

	texts := make([]string, len(cands))
	for i, c := range cands {
		texts[i] = c.entry.Entry.Content
	}
	vecs, err := a.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %d entries: %w", len(cands), err)
	}
	if len(vecs) != len(cands) {
		return nil, fmt.Errorf("got %d embeddings for %d entries", len(vecs), len(cands))
	}

	ops := storage.BatchOps{Insert: make([]storage.NewEntry, len(cands))}
	for i, c := range cands {
		c.entry.Vector = vecs[i]
		ops.Insert[i] = c.entry
	}
	if err := a.store.CommitBatch(ctx, ops, storage.CommitOptions{SkipFTS: true}); err != nil {
		return nil, fmt.Errorf("committing bulk batch: %w", err)
	}

	for _, c := range cands {
		a.committed[c.normHash] = struct{}{}
	}
	return results, nil
}

func (a *Applier) buildEntry(draft extract.EntryDraft, sourceFile, normHash string, bands []uint64) storage.NewEntry {
	tags := "[]"
	if len(draft.Tags) > 0 {
		if b, err := json.Marshal(draft.Tags); err == nil {
			tags = string(b)
		}
	}
	return storage.NewEntry{
		Entry: storage.Entry{
			ID:            uuid.NewString(),
			Content:       draft.Content,
			Summary:       draft.Summary,
			Kind:          draft.Kind,
			Tags:          tags,
			Platform:      a.cfg.Tagging.Platform,
			Project:       a.cfg.Tagging.Project,
			SourceFile:    sourceFile,
			ContentHash:   dedup.ContentHash([]byte(draft.Content)),
			NormHash:      normHash,
			ObservedCount: 1,
		},
		BandHashes: bands,
	}
}
