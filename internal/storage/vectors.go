package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

func insertVectorTx(tx *sql.Tx, entryID string, vec []float32, createdAt string) error {
	_, err := tx.Exec(
		"INSERT OR REPLACE INTO entry_vectors (entry_id, embedding, created_at) VALUES (?, ?, ?)",
		entryID, encodeFloat32s(vec), createdAt)
	if err != nil {
		return fmt.Errorf("inserting vector for %s: %w", entryID, err)
	}
	return nil
}

// GetVector returns the stored embedding for an entry, or ErrNotFound.
func (s *Store) GetVector(ctx context.Context, entryID string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT embedding FROM entry_vectors WHERE entry_id = ?", entryID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying vector for %s: %w", entryID, err)
	}
	return decodeFloat32s(blob)
}

// EntriesMissingVectors returns up to limit live entries that have no stored
// embedding yet. The bulk rebuild's vector phase drains this in batches until
// it returns nothing.
func (s *Store) EntriesMissingVectors(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixedEntryColumns+` FROM entries
		LEFT JOIN entry_vectors ON entry_vectors.entry_id = entries.id
		WHERE entry_vectors.entry_id IS NULL AND entries.superseded_by IS NULL
		ORDER BY entries.rowid ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying entries missing vectors: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// InsertVectors stores one embedding per entry id in a single transaction.
// The two slices must be the same length.
func (s *Store) InsertVectors(ctx context.Context, entryIDs []string, vecs [][]float32) error {
	if len(entryIDs) != len(vecs) {
		return fmt.Errorf("got %d vectors for %d entries", len(vecs), len(entryIDs))
	}
	if len(entryIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning vector insert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for i, id := range entryIDs {
		if err := insertVectorTx(tx, id, vecs[i], now); err != nil {
			return err
		}
	}
	return tx.Commit()
}
