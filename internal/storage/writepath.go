package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewEntry stages one insert: the entry row plus the secondary index data
// that must land in the same transaction.
type NewEntry struct {
	Entry      Entry
	Vector     []float32 // nil when no embedding is available
	BandHashes []uint64  // nil when the content was too short to sign
}

// Supersession marks OldID as replaced by NewID.
type Supersession struct {
	OldID string
	NewID string
}

// BatchOps describes every change one committed batch makes. The caller
// assembles it outside any transaction; CommitBatch applies it atomically.
type BatchOps struct {
	Insert    []NewEntry
	Reinforce []string // ids whose observed_count increments by one
	Supersede []Supersession
}

func (o BatchOps) empty() bool {
	return len(o.Insert) == 0 && len(o.Reinforce) == 0 && len(o.Supersede) == 0
}

// CommitOptions adjust how a batch lands.
type CommitOptions struct {
	// SkipFTS leaves the full-text index untouched. Bulk runs set it and
	// rebuild the index once at the end instead.
	SkipFTS bool
	// DryRun applies the whole batch and then rolls it back, exercising the
	// full write path without persisting anything.
	DryRun bool
}

// CommitBatch applies one batch of entry changes in a single transaction:
//
//  1. Insert new entries with their vectors, duplicate-index bands and
//     (unless skipped) FTS rows.
//  2. Bump observed_count on reinforced entries.
//  3. Mark superseded entries, record the relation, drop them from search.
//
// If any step fails nothing is persisted.
func (s *Store) CommitBatch(ctx context.Context, ops BatchOps, opts CommitOptions) error {
	if ops.empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch commit: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)

	// Step 1: new entries and their index rows.
	for _, ne := range ops.Insert {
		e := ne.Entry
		_, err := tx.Exec(`INSERT INTO entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
			e.ID, e.Content, e.Summary, e.Kind, e.Tags, e.Platform, e.Project,
			e.SourceFile, e.ContentHash, e.NormHash, e.ObservedCount, now, now)
		if err != nil {
			return fmt.Errorf("step 1 (insert entry %s): %w", e.ID, err)
		}
		if ne.Vector != nil {
			if err := insertVectorTx(tx, e.ID, ne.Vector, now); err != nil {
				return fmt.Errorf("step 1: %w", err)
			}
		}
		for band, h := range ne.BandHashes {
			_, err := tx.Exec(
				"INSERT INTO entry_minhash (entry_id, band, band_hash) VALUES (?, ?, ?)",
				e.ID, band, strconv.FormatUint(h, 10))
			if err != nil {
				return fmt.Errorf("step 1 (minhash band %d for %s): %w", band, e.ID, err)
			}
		}
		if !opts.SkipFTS {
			if err := insertFTSTx(tx, e); err != nil {
				return fmt.Errorf("step 1: %w", err)
			}
		}
	}

	// Step 2: reinforcements.
	for _, id := range ops.Reinforce {
		res, err := tx.Exec(
			"UPDATE entries SET observed_count = observed_count + 1, updated_at = ? WHERE id = ?",
			now, id)
		if err != nil {
			return fmt.Errorf("step 2 (reinforce %s): %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("step 2 (reinforce %s): %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("step 2: reinforced entry %s does not exist", id)
		}
	}

	// Step 3: supersessions. The guard on superseded_by keeps a stored entry
	// from being replaced twice when two drafts in one batch both target it.
	for _, sp := range ops.Supersede {
		res, err := tx.Exec(
			"UPDATE entries SET superseded_by = ?, updated_at = ? WHERE id = ? AND superseded_by IS NULL",
			sp.NewID, now, sp.OldID)
		if err != nil {
			return fmt.Errorf("step 3 (supersede %s): %w", sp.OldID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("step 3 (supersede %s): %w", sp.OldID, err)
		}
		if n == 0 {
			// Already superseded, typically by an earlier draft in this same
			// batch. The first supersession stands; this one is satisfied.
			continue
		}
		_, err = tx.Exec(`
			INSERT INTO entry_relations (id, from_entry, to_entry, kind, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), sp.NewID, sp.OldID, RelationSupersedes, now)
		if err != nil {
			return fmt.Errorf("step 3 (relation for %s): %w", sp.OldID, err)
		}
		if !opts.SkipFTS {
			if _, err := tx.Exec("DELETE FROM entries_fts WHERE entry_id = ?", sp.OldID); err != nil {
				return fmt.Errorf("step 3 (unindex %s): %w", sp.OldID, err)
			}
		}
	}

	if opts.DryRun {
		if err := tx.Rollback(); err != nil {
			return fmt.Errorf("rolling back dry run: %w", err)
		}
		return nil
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}
