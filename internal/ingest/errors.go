package ingest

import "fmt"

// CleanupError reports a rollback that itself failed while recovering from
// another error. Both messages surface. A file carrying this error is left
// partially cleaned and is not retried automatically; the run must be
// repeated after inspecting the store.
type CleanupError struct {
	Cause   error
	Cleanup error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("%v; cleanup failed: %v", e.Cause, e.Cleanup)
}

func (e *CleanupError) Unwrap() error { return e.Cause }
