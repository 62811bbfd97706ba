package resolve

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kalambet/engram/internal/glob"
)

// Target is one resolved ingest target. Index is assigned after sorting and
// stays stable for the whole run so reports keep the resolved order no matter
// which worker finishes first.
type Target struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
	Index     int    `json:"index"`
}

// ResolutionError reports an input that could not be resolved. Resolution
// errors are fatal: the run aborts before any file is processed.
type ResolutionError struct {
	Input  string
	Reason string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolving %q: %s: %v", e.Input, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolving %q: %s", e.Input, e.Reason)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Targets expands inputs into a deduplicated, size-sorted target list.
//
// An input containing glob metacharacters is expanded and filtered through
// the compiled matcher. A directory is joined with pattern and expanded the
// same way. An existing plain file is taken as-is. A missing input that looks
// like a directory reference (trailing separator or no extension) is a
// ResolutionError; otherwise it is kept as an explicit file reference and
// left to fail at read time.
//
// Results are deduplicated by absolute path, sorted ascending by size with
// path as tie-breaker, and given a stable Index. Smallest files first means
// feedback and failures surface as early as possible.
func Targets(inputs []string, pattern, cwd string) ([]Target, error) {
	seen := make(map[string]struct{})
	var targets []Target

	add := func(path string, size int64) {
		abs := path
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(cwd, abs)
		}
		abs = filepath.Clean(abs)
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		targets = append(targets, Target{Path: abs, SizeBytes: size})
	}

	for _, input := range inputs {
		if glob.HasMeta(input) {
			if err := expand(input, cwd, add); err != nil {
				return nil, err
			}
			continue
		}

		path := input
		if !filepath.IsAbs(path) {
			path = filepath.Join(cwd, path)
		}
		info, err := os.Stat(path)
		switch {
		case err == nil && info.IsDir():
			if err := expand(filepath.Join(path, pattern), cwd, add); err != nil {
				return nil, err
			}
		case err == nil:
			add(path, info.Size())
		case os.IsNotExist(err) && looksLikeDir(input):
			return nil, &ResolutionError{Input: input, Reason: "directory does not exist"}
		case os.IsNotExist(err):
			// Explicit file reference; the worker reports the read failure.
			add(path, 0)
		default:
			return nil, &ResolutionError{Input: input, Reason: "stat failed", Err: err}
		}
	}

	sort.Slice(targets, func(i, j int) bool {
		if targets[i].SizeBytes != targets[j].SizeBytes {
			return targets[i].SizeBytes < targets[j].SizeBytes
		}
		return targets[i].Path < targets[j].Path
	})
	for i := range targets {
		targets[i].Index = i
	}
	return targets, nil
}

// expand walks from the pattern's longest literal directory prefix and feeds
// every regular file matching the pattern to add.
func expand(pattern, cwd string, add func(path string, size int64)) error {
	m, err := glob.Compile(pattern)
	if err != nil {
		return &ResolutionError{Input: pattern, Reason: "invalid pattern", Err: err}
	}

	base := literalPrefixDir(pattern)
	if !filepath.IsAbs(base) {
		base = filepath.Join(cwd, base)
	}
	if info, err := os.Stat(base); err != nil {
		if os.IsNotExist(err) {
			return &ResolutionError{Input: pattern, Reason: "directory does not exist"}
		}
		return &ResolutionError{Input: pattern, Reason: "stat failed", Err: err}
	} else if !info.IsDir() {
		return &ResolutionError{Input: pattern, Reason: "pattern prefix is not a directory"}
	}

	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !m.MatchesFile(path, cwd) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		add(path, info.Size())
		return nil
	})
	if err != nil {
		return &ResolutionError{Input: pattern, Reason: "pattern expansion failed", Err: err}
	}
	return nil
}

// literalPrefixDir returns the deepest directory in the pattern before the
// first metacharacter, or "." when the pattern globs from the start.
func literalPrefixDir(pattern string) string {
	i := strings.IndexAny(pattern, "*?{")
	if i < 0 {
		return filepath.Dir(pattern)
	}
	prefix := pattern[:i]
	if j := strings.LastIndexByte(prefix, '/'); j >= 0 {
		return prefix[:j+1]
	}
	return "."
}

// looksLikeDir reports whether a missing input reads as a directory
// reference: a trailing separator or a basename without an extension.
func looksLikeDir(input string) bool {
	if strings.HasSuffix(input, string(os.PathSeparator)) || strings.HasSuffix(input, "/") {
		return true
	}
	return filepath.Ext(input) == ""
}
