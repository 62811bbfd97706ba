package glob

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Matcher is a compiled shell-style pattern. Compilation is deterministic and
// a Matcher is safe for concurrent use, so callers may cache one per pattern.
type Matcher struct {
	pattern string
	re      *regexp.Regexp
}

// Compile translates a shell-style pattern into an anchored matcher.
//
// Supported syntax: `**/` matches zero or more whole path segments, a bare
// `**` matches anything including separators, `*` matches anything within one
// segment, `?` matches exactly one non-separator character, and `{a,b,c}`
// matches any one of the listed literals. Everything else matches literally.
func Compile(pattern string) (*Matcher, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); {
		switch {
		case strings.HasPrefix(pattern[i:], "**/"):
			b.WriteString(`(?:[^/]+/)*`)
			i += 3
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(`.*`)
			i += 2
		case pattern[i] == '*':
			b.WriteString(`[^/]*`)
			i++
		case pattern[i] == '?':
			b.WriteString(`[^/]`)
			i++
		case pattern[i] == '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("glob: unterminated group in %q", pattern)
			}
			alts := strings.Split(pattern[i+1:i+end], ",")
			quoted := make([]string, len(alts))
			for j, alt := range alts {
				quoted[j] = regexp.QuoteMeta(alt)
			}
			b.WriteString("(?:" + strings.Join(quoted, "|") + ")")
			i += end + 1
		default:
			_, size := utf8.DecodeRuneInString(pattern[i:])
			b.WriteString(regexp.QuoteMeta(pattern[i : i+size]))
			i += size
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("glob: compiling %q: %w", pattern, err)
	}
	return &Matcher{pattern: pattern, re: re}, nil
}

// Pattern returns the source pattern the Matcher was compiled from.
func (m *Matcher) Pattern() string { return m.pattern }

// Match reports whether the whole of name satisfies the pattern.
// Name is matched as given; use MatchesFile to apply the absolute /
// relative / basename rule for file paths.
func (m *Matcher) Match(name string) bool {
	return m.re.MatchString(name)
}

// MatchesFile reports whether a file path satisfies the pattern under any of
// three views: its absolute path, its path relative to cwd, or its bare
// basename. This lets a plain filename pattern, a relative pattern and a
// fully qualified pattern all work without separate call sites.
func (m *Matcher) MatchesFile(path, cwd string) bool {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cwd, abs)
	}
	if m.Match(filepath.ToSlash(abs)) {
		return true
	}
	if rel, err := filepath.Rel(cwd, abs); err == nil && !strings.HasPrefix(rel, "..") {
		if m.Match(filepath.ToSlash(rel)) {
			return true
		}
	}
	return m.Match(filepath.Base(abs))
}

// HasMeta reports whether the pattern contains glob metacharacters, i.e.
// whether Compile would produce anything beyond a literal match.
func HasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?{")
}
