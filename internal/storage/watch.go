package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetWatchOffset returns the recorded byte offset for a file, or 0 when the
// file has never been watched.
func (s *Store) GetWatchOffset(ctx context.Context, filePath string) (int64, error) {
	var offset int64
	err := s.db.QueryRowContext(ctx,
		"SELECT byte_offset FROM watch_state WHERE file_path = ?", filePath).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying watch offset for %s: %w", filePath, err)
	}
	return offset, nil
}

// AdvanceWatchOffset records that the file has been consumed up to offset.
// The record is forward-only: an offset at or below the stored one is a
// no-op, so a concurrent tailer's progress is never rewound by an ingest run.
func (s *Store) AdvanceWatchOffset(ctx context.Context, filePath string, offset int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watch_state (file_path, byte_offset, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			byte_offset = excluded.byte_offset,
			updated_at = excluded.updated_at
		WHERE excluded.byte_offset > watch_state.byte_offset`,
		filePath, offset, now)
	if err != nil {
		return fmt.Errorf("advancing watch offset for %s: %w", filePath, err)
	}
	return nil
}

// WatchStates returns all recorded offsets, ordered by path.
func (s *Store) WatchStates(ctx context.Context) ([]WatchState, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT file_path, byte_offset, updated_at FROM watch_state ORDER BY file_path ASC")
	if err != nil {
		return nil, fmt.Errorf("querying watch state: %w", err)
	}
	defer rows.Close()

	var states []WatchState
	for rows.Next() {
		var w WatchState
		var updatedAt string
		if err := rows.Scan(&w.FilePath, &w.ByteOffset, &updatedAt); err != nil {
			return nil, err
		}
		if w.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		states = append(states, w)
	}
	return states, rows.Err()
}
