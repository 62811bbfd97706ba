package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const bulkStateKey = "bulk_state"

// GetMeta returns the value for a meta key, or ErrNotFound.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta inserts or replaces a meta key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("setting meta %s: %w", key, err)
	}
	return nil
}

// GetBulkState reads the persisted bulk-mode flag. A store that has never
// run bulk mode reads as uninitialized.
func (s *Store) GetBulkState(ctx context.Context) (BulkState, error) {
	value, err := s.GetMeta(ctx, bulkStateKey)
	if errors.Is(err, ErrNotFound) {
		return BulkStateUninitialized, nil
	}
	if err != nil {
		return "", err
	}
	return BulkState(value), nil
}

// SetBulkState persists the bulk-mode flag. The orchestrator walks it
// writing -> rebuilding_fts -> rebuilding_vector -> cleared; each step is
// durable before the work it describes starts, so a crash leaves evidence of
// how far the run got.
func (s *Store) SetBulkState(ctx context.Context, state BulkState) error {
	return s.SetMeta(ctx, bulkStateKey, string(state))
}

// CheckBulkRecovery reports an error when a previous bulk run did not reach
// cleared. Repairing the store is the startup recovery collaborator's job;
// here the state is only surfaced so a new bulk run refuses to stack on top
// of a broken one.
func (s *Store) CheckBulkRecovery(ctx context.Context) error {
	state, err := s.GetBulkState(ctx)
	if err != nil {
		return err
	}
	switch state {
	case BulkStateUninitialized, BulkStateCleared:
		return nil
	default:
		return fmt.Errorf("store left in bulk state %q by an interrupted run; rebuild indexes before ingesting in bulk mode", state)
	}
}
