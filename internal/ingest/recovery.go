package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/engram/internal/queue"
	"github.com/kalambet/engram/internal/storage"
)

// RecoveryStore is the storage surface of the idempotency protocol.
type RecoveryStore interface {
	LookupIngestLog(ctx context.Context, filePath, contentHash string) (storage.IngestLogRecord, error)
	UpsertIngestLog(ctx context.Context, rec storage.IngestLogRecord) error
	DeleteIngestLog(ctx context.Context, filePath, contentHash string) error
	EntryIDsBySource(ctx context.Context, sourceFile string) ([]string, error)
	DeleteEntries(ctx context.Context, ids []string) (int, error)
	PurgeFileData(ctx context.Context, filePath string, dryRun bool) (storage.ForceCounts, error)
	AdvanceWatchOffset(ctx context.Context, filePath string, offset int64) error
}

// WriteQueue is the queue surface workers and the recovery manager share.
type WriteQueue interface {
	Push(ctx context.Context, g queue.Group) (*queue.Ticket, error)
	Cancel(sourceFile string) int
	RunExclusive(ctx context.Context, fn func(context.Context) error) error
}

// RecoveryConfig selects the idempotency behavior for a run.
type RecoveryConfig struct {
	// SkipIngested short-circuits files whose exact content already has an
	// ingest log row.
	SkipIngested bool
	// Force purges all prior entries and log rows for a file, across every
	// historical content hash, before reprocessing it.
	Force bool
	// DryRun suppresses every persistent mutation: purges only count, log
	// rows and watch offsets are not written.
	DryRun bool
}

// Recovery implements the per-file idempotency and rollback protocol: the
// pre-extraction skip/force/baseline step, the post-success log write, and
// the baseline-diff cleanup after a failure.
type Recovery struct {
	store RecoveryStore
	q     WriteQueue
	cfg   RecoveryConfig
	log   *slog.Logger
}

func NewRecovery(store RecoveryStore, q WriteQueue, cfg RecoveryConfig, log *slog.Logger) *Recovery {
	if log == nil {
		log = slog.Default()
	}
	return &Recovery{store: store, q: q, cfg: cfg, log: log}
}

// Prep is what Begin decided for one file attempt.
type Prep struct {
	// Skip means the exact content was fully ingested before; the file must
	// not be extracted again.
	Skip bool
	// Baseline is the set of entry ids attributed to the file before this
	// attempt. Rollback deletes only entries outside it.
	Baseline []string
	// Purged reports what force mode removed (or, in dry-run, would remove).
	Purged storage.ForceCounts
}

// Begin runs the pre-extraction protocol for a file: the skip-mode log
// lookup, the force-mode purge (inside the queue's exclusive slot), and the
// baseline snapshot.
func (r *Recovery) Begin(ctx context.Context, filePath, contentHash string) (Prep, error) {
	var prep Prep

	if r.cfg.SkipIngested && !r.cfg.Force {
		_, err := r.store.LookupIngestLog(ctx, filePath, contentHash)
		if err == nil {
			prep.Skip = true
			return prep, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return prep, fmt.Errorf("checking ingest log: %w", err)
		}
	}

	if r.cfg.Force {
		err := r.q.RunExclusive(ctx, func(ctx context.Context) error {
			counts, err := r.store.PurgeFileData(ctx, filePath, r.cfg.DryRun)
			if err != nil {
				return err
			}
			prep.Purged = counts
			return nil
		})
		if err != nil {
			return prep, fmt.Errorf("force-purging %s: %w", filePath, err)
		}
		if prep.Purged.Entries > 0 || prep.Purged.LogRows > 0 {
			r.log.Info("purged prior ingest data",
				"file", filePath,
				"entries", prep.Purged.Entries,
				"log_rows", prep.Purged.LogRows,
				"dry_run", r.cfg.DryRun)
		}
	}

	ids, err := r.store.EntryIDsBySource(ctx, filePath)
	if err != nil {
		return prep, fmt.Errorf("snapshotting baseline for %s: %w", filePath, err)
	}
	prep.Baseline = ids
	return prep, nil
}

// Finish settles a file whose chunks all completed. Inside the exclusive
// slot (which first flushes every batch pushed before it) it aggregates the
// tickets; if every ticket committed it records the ingest log row and
// advances the shared watch offset. Any failed ticket turns the whole file
// into a rollback via Abort.
func (r *Recovery) Finish(ctx context.Context, filePath, contentHash string, consumedBytes int64, baseline []string, tickets []*queue.Ticket, started time.Time) (queue.BatchResult, error) {
	var agg queue.BatchResult
	var ticketErr error

	err := r.q.RunExclusive(ctx, func(ctx context.Context) error {
		for _, tk := range tickets {
			res, terr := tk.Result()
			if terr != nil {
				if ticketErr == nil {
					ticketErr = terr
				}
				continue
			}
			agg.Merge(res)
		}
		if ticketErr != nil || r.cfg.DryRun {
			return nil
		}
		rec := storage.IngestLogRecord{
			FilePath:          filePath,
			ContentHash:       contentHash,
			IngestedAt:        time.Now().UTC(),
			EntriesAdded:      agg.Added,
			EntriesUpdated:    agg.Updated,
			EntriesSkipped:    agg.Skipped,
			EntriesSuperseded: agg.Superseded,
			DedupLLMCalls:     agg.LLMDedupCalls,
			DurationMs:        time.Since(started).Milliseconds(),
		}
		if err := r.store.UpsertIngestLog(ctx, rec); err != nil {
			return fmt.Errorf("recording ingest log: %w", err)
		}
		if err := r.store.AdvanceWatchOffset(ctx, filePath, consumedBytes); err != nil {
			return fmt.Errorf("advancing watch offset: %w", err)
		}
		return nil
	})
	if err == nil {
		err = ticketErr
	}
	if err != nil {
		return agg, r.Abort(ctx, filePath, contentHash, baseline, fmt.Errorf("writing entries: %w", err))
	}
	return agg, nil
}

// Abort rolls a failed attempt back: it cancels the file's pending tickets,
// deletes every entry added since the baseline, and removes the log row for
// this content, all in one exclusive slot. The store then reads as if this
// attempt never ran. A failure during cleanup is wrapped with the original
// cause in a CleanupError, and the file is not retried automatically.
func (r *Recovery) Abort(ctx context.Context, filePath, contentHash string, baseline []string, cause error) error {
	cancelled := r.q.Cancel(filePath)
	if cancelled > 0 {
		r.log.Debug("cancelled pending writes", "file", filePath, "tickets", cancelled)
	}

	// A dry run never persisted anything, so there is nothing to roll back;
	// deleting the real log row here would break idempotency for the next run.
	if r.cfg.DryRun {
		return cause
	}

	// Cleanup still runs during a shutdown; skipping it would strand
	// half-written files.
	cleanupErr := r.q.RunExclusive(context.WithoutCancel(ctx), func(ctx context.Context) error {
		current, err := r.store.EntryIDsBySource(ctx, filePath)
		if err != nil {
			return fmt.Errorf("reading entries for rollback: %w", err)
		}
		added := diffIDs(current, baseline)
		if len(added) > 0 {
			if _, err := r.store.DeleteEntries(ctx, added); err != nil {
				return fmt.Errorf("deleting %d rolled-back entries: %w", len(added), err)
			}
		}
		if err := r.store.DeleteIngestLog(ctx, filePath, contentHash); err != nil {
			return fmt.Errorf("deleting ingest log row: %w", err)
		}
		return nil
	})
	if cleanupErr != nil {
		return &CleanupError{Cause: cause, Cleanup: cleanupErr}
	}
	return cause
}

// diffIDs returns the ids in current that are not in baseline.
func diffIDs(current, baseline []string) []string {
	if len(current) == 0 {
		return nil
	}
	base := make(map[string]struct{}, len(baseline))
	for _, id := range baseline {
		base[id] = struct{}{}
	}
	var added []string
	for _, id := range current {
		if _, ok := base[id]; !ok {
			added = append(added, id)
		}
	}
	return added
}
