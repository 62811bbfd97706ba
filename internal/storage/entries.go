package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const entryColumns = `id, content, summary, kind, tags, platform, project,
	source_file, content_hash, norm_hash, observed_count, superseded_by,
	created_at, updated_at`

// prefixedEntryColumns qualifies entryColumns for joins against tables that
// share column names (entries_fts has content and summary too).
const prefixedEntryColumns = `entries.id, entries.content, entries.summary,
	entries.kind, entries.tags, entries.platform, entries.project,
	entries.source_file, entries.content_hash, entries.norm_hash,
	entries.observed_count, entries.superseded_by, entries.created_at,
	entries.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var superseded sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&e.ID, &e.Content, &e.Summary, &e.Kind, &e.Tags, &e.Platform,
		&e.Project, &e.SourceFile, &e.ContentHash, &e.NormHash, &e.ObservedCount,
		&superseded, &createdAt, &updatedAt)
	if err != nil {
		return Entry{}, err
	}
	e.SupersededBy = superseded.String
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Entry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Entry{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return e, nil
}

// GetEntry returns one entry by id, or ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// EntryIDsBySource returns the ids of all entries attributed to a source
// file, in insertion order. This is the baseline snapshot the recovery
// manager diffs against after a failed attempt.
func (s *Store) EntryIDsBySource(ctx context.Context, sourceFile string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM entries WHERE source_file = ? ORDER BY rowid ASC", sourceFile)
	if err != nil {
		return nil, fmt.Errorf("querying entry ids for %s: %w", sourceFile, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecentEntries returns up to limit entries, newest first, excluding
// superseded ones.
func (s *Store) RecentEntries(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryColumns+` FROM entries
		WHERE superseded_by IS NULL ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// EntriesByNormHash returns live entries whose normalized-content hash
// matches. An exact hit means the incoming entry is a restatement.
func (s *Store) EntriesByNormHash(ctx context.Context, normHash string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE norm_hash = ? AND superseded_by IS NULL", normHash)
	if err != nil {
		return nil, fmt.Errorf("querying by norm hash: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// maxDuplicateCandidates bounds how many stored entries one new entry is
// compared against; each candidate can cost a judge call.
const maxDuplicateCandidates = 8

// CandidatesByBandHashes returns live entries sharing at least one minhash
// band with the given hashes: the store side of the duplicate index lookup.
// bandHashes is positional, band i carries bandHashes[i], and a stored entry
// is a candidate only when the same band holds the same hash.
func (s *Store) CandidatesByBandHashes(ctx context.Context, bandHashes []uint64) ([]Entry, error) {
	if len(bandHashes) == 0 {
		return nil, nil
	}
	preds := make([]string, len(bandHashes))
	args := make([]any, 0, 2*len(bandHashes)+1)
	for i, h := range bandHashes {
		preds[i] = "(entry_minhash.band = ? AND entry_minhash.band_hash = ?)"
		args = append(args, i, strconv.FormatUint(h, 10))
	}
	args = append(args, maxDuplicateCandidates)

	query := "SELECT DISTINCT " + entryColumns + ` FROM entries
		JOIN entry_minhash ON entry_minhash.entry_id = entries.id
		WHERE (` + strings.Join(preds, " OR ") + `)
		AND superseded_by IS NULL LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying duplicate candidates: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteEntries removes the given entries along with their vectors, FTS rows,
// minhash bands and relations. Used by rollback (baseline diff) and by
// force-mode cleanup. Returns the number of entry rows deleted.
func (s *Store) DeleteEntries(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	n, err := deleteEntriesTx(tx, ids)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing delete: %w", err)
	}
	return n, nil
}

func deleteEntriesTx(tx *sql.Tx, ids []string) (int, error) {
	placeholders := "?" + strings.Repeat(",?", len(ids)-1)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	for _, table := range []string{"entry_vectors", "entry_minhash", "entries_fts"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE entry_id IN ("+placeholders+")", args...); err != nil {
			return 0, fmt.Errorf("deleting from %s: %w", table, err)
		}
	}
	relArgs := append(append([]any{}, args...), args...)
	if _, err := tx.Exec("DELETE FROM entry_relations WHERE from_entry IN ("+placeholders+
		") OR to_entry IN ("+placeholders+")", relArgs...); err != nil {
		return 0, fmt.Errorf("deleting relations: %w", err)
	}

	res, err := tx.Exec("DELETE FROM entries WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("deleting entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ForceCounts reports what a force-mode cleanup removed (or, in dry-run,
// would remove) for one file path.
type ForceCounts struct {
	Entries int
	LogRows int
}

// PurgeFileData deletes every entry, relation, log row and watch offset for a
// path across all historical content hashes. With dryRun set it only counts.
func (s *Store) PurgeFileData(ctx context.Context, filePath string, dryRun bool) (ForceCounts, error) {
	ids, err := s.EntryIDsBySource(ctx, filePath)
	if err != nil {
		return ForceCounts{}, err
	}
	var logRows int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ingest_log WHERE file_path = ?", filePath).Scan(&logRows); err != nil {
		return ForceCounts{}, fmt.Errorf("counting log rows: %w", err)
	}
	counts := ForceCounts{Entries: len(ids), LogRows: logRows}
	if dryRun {
		return counts, nil
	}

	if len(ids) > 0 {
		if _, err := s.DeleteEntries(ctx, ids); err != nil {
			return ForceCounts{}, err
		}
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM ingest_log WHERE file_path = ?", filePath); err != nil {
		return ForceCounts{}, fmt.Errorf("deleting log rows: %w", err)
	}
	// Force is the one case where a watch offset may rewind.
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM watch_state WHERE file_path = ?", filePath); err != nil {
		return ForceCounts{}, fmt.Errorf("resetting watch state: %w", err)
	}
	return counts, nil
}
