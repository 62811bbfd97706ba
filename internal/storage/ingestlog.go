package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LookupIngestLog returns the log row for an exact (path, hash) pair, or
// ErrNotFound. A hit means this exact content was fully committed before and
// skip mode can short-circuit the file without any extraction work.
func (s *Store) LookupIngestLog(ctx context.Context, filePath, contentHash string) (IngestLogRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, file_path, content_hash, ingested_at, entries_added,
			entries_updated, entries_skipped, entries_superseded,
			dedup_llm_calls, duration_ms
		FROM ingest_log WHERE file_path = ? AND content_hash = ?`,
		filePath, contentHash)
	rec, err := scanIngestLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return IngestLogRecord{}, ErrNotFound
	}
	return rec, err
}

// UpsertIngestLog inserts or replaces the log row keyed by (path, hash).
// Called only after a file fully succeeds, inside the queue's exclusive slot.
func (s *Store) UpsertIngestLog(ctx context.Context, rec IngestLogRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_log (id, file_path, content_hash, ingested_at,
			entries_added, entries_updated, entries_skipped, entries_superseded,
			dedup_llm_calls, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path, content_hash) DO UPDATE SET
			ingested_at = excluded.ingested_at,
			entries_added = excluded.entries_added,
			entries_updated = excluded.entries_updated,
			entries_skipped = excluded.entries_skipped,
			entries_superseded = excluded.entries_superseded,
			dedup_llm_calls = excluded.dedup_llm_calls,
			duration_ms = excluded.duration_ms`,
		rec.ID, rec.FilePath, rec.ContentHash, rec.IngestedAt.Format(time.RFC3339),
		rec.EntriesAdded, rec.EntriesUpdated, rec.EntriesSkipped,
		rec.EntriesSuperseded, rec.DedupLLMCalls, rec.DurationMs)
	if err != nil {
		return fmt.Errorf("upserting ingest log for %s: %w", rec.FilePath, err)
	}
	return nil
}

// DeleteIngestLog removes the row for an exact (path, hash) pair. Part of
// failure rollback: after it runs, the pair reads as never ingested.
func (s *Store) DeleteIngestLog(ctx context.Context, filePath, contentHash string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM ingest_log WHERE file_path = ? AND content_hash = ?",
		filePath, contentHash)
	if err != nil {
		return fmt.Errorf("deleting ingest log for %s: %w", filePath, err)
	}
	return nil
}

// RecentIngestLogs returns up to limit log rows, newest first.
func (s *Store) RecentIngestLogs(ctx context.Context, limit int) ([]IngestLogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_path, content_hash, ingested_at, entries_added,
			entries_updated, entries_skipped, entries_superseded,
			dedup_llm_calls, duration_ms
		FROM ingest_log ORDER BY ingested_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying ingest log: %w", err)
	}
	defer rows.Close()

	var recs []IngestLogRecord
	for rows.Next() {
		rec, err := scanIngestLog(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanIngestLog(row rowScanner) (IngestLogRecord, error) {
	var rec IngestLogRecord
	var ingestedAt string
	err := row.Scan(&rec.ID, &rec.FilePath, &rec.ContentHash, &ingestedAt,
		&rec.EntriesAdded, &rec.EntriesUpdated, &rec.EntriesSkipped,
		&rec.EntriesSuperseded, &rec.DedupLLMCalls, &rec.DurationMs)
	if err != nil {
		return IngestLogRecord{}, err
	}
	if rec.IngestedAt, err = time.Parse(time.RFC3339, ingestedAt); err != nil {
		return IngestLogRecord{}, fmt.Errorf("parsing ingested_at: %w", err)
	}
	return rec, nil
}
