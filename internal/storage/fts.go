package storage

import (
	"context"
	"database/sql"
	"fmt"
)

func insertFTSTx(tx *sql.Tx, e Entry) error {
	_, err := tx.Exec(
		"INSERT INTO entries_fts (entry_id, content, summary) VALUES (?, ?, ?)",
		e.ID, e.Content, e.Summary)
	if err != nil {
		return fmt.Errorf("indexing entry %s: %w", e.ID, err)
	}
	return nil
}

// SearchEntries runs a full-text query over live entries, best match first.
func (s *Store) SearchEntries(ctx context.Context, query string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixedEntryColumns+` FROM entries_fts
		JOIN entries ON entries.id = entries_fts.entry_id
		WHERE entries_fts MATCH ? AND entries.superseded_by IS NULL
		ORDER BY rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("searching entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// RebuildFTS drops every FTS row and reindexes all live entries. The bulk
// path skips per-commit FTS maintenance, so the orchestrator calls this once
// at the end of a bulk run. Returns the number of entries indexed.
func (s *Store) RebuildFTS(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning fts rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM entries_fts"); err != nil {
		return 0, fmt.Errorf("clearing fts index: %w", err)
	}
	res, err := tx.Exec(`
		INSERT INTO entries_fts (entry_id, content, summary)
		SELECT id, content, summary FROM entries WHERE superseded_by IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("reindexing entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing fts rebuild: %w", err)
	}
	return int(n), nil
}
