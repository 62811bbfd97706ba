package ingest

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

// EntryStore is the storage surface the applier writes through.
type EntryStore interface {
	EntriesByNormHash(ctx context.Context, normHash string) ([]storage.Entry, error)
	CandidatesByBandHashes(ctx context.Context, bandHashes []uint64) ([]storage.Entry, error)
	CommitBatch(ctx context.Context, ops storage.BatchOps, opts storage.CommitOptions) error
}

// Embedder produces one embedding per input text.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// DuplicateJudge decides how newly extracted content relates to a stored
// near-duplicate candidate.
type DuplicateJudge interface {
	JudgeDuplicate(ctx context.Context, content string, existing dedup.Candidate) (dedup.Verdict, error)
}

// ApplierConfig carries the run-level settings the write path needs.
type ApplierConfig struct {
	// Tagging is stamped onto every entry stored during the run.
	Tagging extract.Tagging
	// DryRun applies each batch and rolls it back, so counts flow without
	// anything persisting.
	DryRun bool
}

// Applier is the normal-mode write path behind the queue: exact norm-hash
// reinforcement, model-judged near-duplicate resolution, one batched
// embedding call, and a single transactional commit per flushed batch.
type Applier struct {
	store EntryStore
	judge DuplicateJudge
	embed Embedder
	cfg   ApplierConfig
	log   *slog.Logger
}

// NewApplier builds the normal write path.
func NewApplier(store EntryStore, judge DuplicateJudge, embed Embedder, cfg ApplierConfig, log *slog.Logger) *Applier {
	if log == nil {
		log = slog.Default()
	}
	return &Applier{store: store, judge: judge, embed: embed, cfg: cfg, log: log}
}

// seenOutcome records the decision already made for a normalized-content
// hash within the current batch, so a restatement in the same batch follows
// it instead of being judged again.
type seenOutcome struct {
	insert      *storage.NewEntry // pending insert: restatements bump its count
	reinforceID string            // stored entry: restatements reinforce it too
	skip        bool              // judged duplicate: restatements skip too
}

// ApplyBatch lands one flushed batch. For each draft it resolves, in order:
// a restatement already decided in this batch, an exact norm-hash match in
// the store (reinforce), a judged near-duplicate from the minhash index
// (skip, reinforce, or supersede), or an insert. Surviving inserts are
// embedded in one call and everything commits in one transaction.
func (a *Applier) ApplyBatch(ctx context.Context, groups []queue.Group) ([]queue.BatchResult, error) {
	results := make([]queue.BatchResult, len(groups))
	var ops storage.BatchOps
	var inserts []*storage.NewEntry
	seen := make(map[string]seenOutcome)

	for gi, g := range groups {
		res := &results[gi]
		for _, draft := range g.Entries {
			nh := dedup.NormHash(draft.Content)
			if prev, ok := seen[nh]; ok {
				switch {
				case prev.skip:
					res.Skipped++
				case prev.insert != nil:
					prev.insert.Entry.ObservedCount++
					res.Updated++
				default:
					ops.Reinforce = append(ops.Reinforce, prev.reinforceID)
					res.Updated++
				}
				continue
			}

			stored, err := a.store.EntriesByNormHash(ctx, nh)
			if err != nil {
				return nil, fmt.Errorf("checking norm hash: %w", err)
			}
			if len(stored) > 0 {
				ops.Reinforce = append(ops.Reinforce, stored[0].ID)
				seen[nh] = seenOutcome{reinforceID: stored[0].ID}
				res.Updated++
				continue
			}

			bands := dedup.BandHashes(dedup.Signature(draft.Content))
			verdict := dedup.VerdictDistinct
			var matched storage.Entry
			if len(bands) > 0 {
				candidates, err := a.store.CandidatesByBandHashes(ctx, bands)
				if err != nil {
					return nil, fmt.Errorf("querying duplicate candidates: %w", err)
				}
				for _, cand := range candidates {
					v, err := a.judge.JudgeDuplicate(ctx, draft.Content, dedup.Candidate{
						EntryID: cand.ID, Content: cand.Content, Summary: cand.Summary,
					})
					res.LLMDedupCalls++
					if err != nil {
						return nil, fmt.Errorf("judging against entry %s: %w", cand.ID, err)
					}
					if v != dedup.VerdictDistinct {
						verdict = v
						matched = cand
						break
					}
				}
			}

			switch verdict {
			case dedup.VerdictDuplicate:
				res.Skipped++
				seen[nh] = seenOutcome{skip: true}
			case dedup.VerdictReinforces:
				ops.Reinforce = append(ops.Reinforce, matched.ID)
				seen[nh] = seenOutcome{reinforceID: matched.ID}
				res.Updated++
			default:
				ne := a.buildEntry(draft, g.SourceFile, nh, bands)
				inserts = append(inserts, ne)
				seen[nh] = seenOutcome{insert: ne}
				res.Added++
				if verdict == dedup.VerdictSupersedes {
					ops.Supersede = append(ops.Supersede, storage.Supersession{
						OldID: matched.ID, NewID: ne.Entry.ID,
					})
					res.Superseded++
				}
			}
		}
	}

	if len(inserts) > 0 {
		texts := make([]string, len(inserts))
		for i, ne := range inserts {
			texts[i] = ne.Entry.Content
		}
		vecs, err := a.embed.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding %d entries: %w", len(inserts), err)
		}
		if len(vecs) != len(inserts) {
			return nil, fmt.Errorf("got %d embeddings for %d entries", len(vecs), len(inserts))
		}
		for i, ne := range inserts {
			ne.Vector = vecs[i]
		}
	}

	ops.Insert = make([]storage.NewEntry, len(inserts))
	for i, ne := range inserts {
		ops.Insert[i] = *ne
	}

	if err := a.store.CommitBatch(ctx, ops, storage.CommitOptions{DryRun: a.cfg.DryRun}); err != nil {
		return nil, fmt.Errorf("committing batch: %w", err)
	}
	return results, nil
}

func (a *Applier) buildEntry(draft extract.EntryDraft, sourceFile, normHash string, bands []uint64) *storage.NewEntry {
	tags := "[]"
	if len(draft.Tags) > 0 {
		if b, err := json.Marshal(draft.Tags); err == nil {
			tags = string(b)
		}
	}
	return &storage.NewEntry{
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
