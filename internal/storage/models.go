package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Entry is one stored knowledge entry. NormHash is the case/whitespace
// insensitive digest used for exact duplicate suppression; ObservedCount
// tracks how many times equivalent content has been seen.
type Entry struct {
	ID            string
	Content       string
	Summary       string
	Kind          string
	Tags          string // JSON array stored as text
	Platform      string
	Project       string
	SourceFile    string
	ContentHash   string
	NormHash      string
	ObservedCount int
	SupersededBy  string // empty unless replaced by a newer entry
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Relation is a typed edge between two entries, e.g. "supersedes".
type Relation struct {
	ID        string
	FromEntry string
	ToEntry   string
	Kind      string
	CreatedAt time.Time
}

// IngestLogRecord is the idempotency source of truth: one row exists iff the
// exact (FilePath, ContentHash) pair was fully, successfully committed at
// least once.
type IngestLogRecord struct {
	ID                string
	FilePath          string
	ContentHash       string
	IngestedAt        time.Time
	EntriesAdded      int
	EntriesUpdated    int
	EntriesSkipped    int
	EntriesSuperseded int
	DedupLLMCalls     int
	DurationMs        int64
}

// WatchState is a per-file byte offset shared with the tailing watcher.
// Offsets only move forward unless a force run rewinds them.
type WatchState struct {
	FilePath   string
	ByteOffset int64
	UpdatedAt  time.Time
}

// BulkState is the persisted bulk-mode meta flag. A crash mid-bulk leaves a
// non-cleared state behind as evidence for the startup recovery check.
type BulkState string

const (
	BulkStateUninitialized    BulkState = "uninitialized"
	BulkStateWriting          BulkState = "writing"
	BulkStateRebuildingFTS    BulkState = "rebuilding_fts"
	BulkStateRebuildingVector BulkState = "rebuilding_vector"
	BulkStateCleared          BulkState = "cleared"
)

// RelationSupersedes is the relation kind linking a replacement entry to the
// entry it superseded.
const RelationSupersedes = "supersedes"
