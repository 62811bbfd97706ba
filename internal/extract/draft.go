package extract

import "github.com/kalambet/engram/internal/dedup"

// EntryDraft is one knowledge entry as produced by the extraction model,
// before deduplication and storage. Kind is a coarse category reported by the
// model (fact, decision, preference, task); Tags are free-form.
type EntryDraft struct {
	Content string   `json:"content"`
	Summary string   `json:"summary,omitempty"`
	Kind    string   `json:"kind,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// Tagging is the run-level platform/project attribution stamped onto every
// entry stored during a run. Empty fields stay absent in storage.
type Tagging struct {
	Platform string
	Project  string
}

// MergeTagging resolves tagging with fixed precedence: an explicit value (a
// command argument) wins over a config-derived one; a field set by neither
// stays absent.
func MergeTagging(explicit, derived Tagging) Tagging {
	merged := derived
	if explicit.Platform != "" {
		merged.Platform = explicit.Platform
	}
	if explicit.Project != "" {
		merged.Project = explicit.Project
	}
	return merged
}

// DedupDrafts drops drafts whose normalized content already appeared earlier
// in the slice. Order is preserved; the first occurrence wins. Used per chunk
// before submission so one chunk never queues the same entry twice.
func DedupDrafts(drafts []EntryDraft) []EntryDraft {
	if len(drafts) < 2 {
		return drafts
	}
	seen := make(map[string]struct{}, len(drafts))
	out := drafts[:0]
	for _, d := range drafts {
		key := dedup.NormHash(d.Content)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	return out
}
