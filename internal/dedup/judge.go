package dedup

import "fmt"

// Candidate is an existing stored entry flagged by the duplicate index as a
// possible near-duplicate of newly extracted content.
type Candidate struct {
	EntryID string
	Content string
	Summary string
}

// Verdict is a duplicate judge's decision for one new-vs-existing pair.
type Verdict int

const (
	// VerdictDistinct keeps both: the new entry is inserted as its own row.
	VerdictDistinct Verdict = iota
	// VerdictDuplicate drops the new entry without storing anything.
	VerdictDuplicate
	// VerdictReinforces keeps the existing entry and bumps its observation
	// count instead of inserting the new one.
	VerdictReinforces
	// VerdictSupersedes inserts the new entry and marks the existing one as
	// replaced by it.
	VerdictSupersedes
)

func (v Verdict) String() string {
	switch v {
	case VerdictDistinct:
		return "distinct"
	case VerdictDuplicate:
		return "duplicate"
	case VerdictReinforces:
		return "reinforces"
	case VerdictSupersedes:
		return "supersedes"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// ParseVerdict maps a model-reported decision string onto a Verdict.
// Unknown values fall back to distinct: a bad judgement must never lose data.
func ParseVerdict(s string) Verdict {
	switch s {
	case "duplicate":
		return VerdictDuplicate
	case "reinforces", "reinforce":
		return VerdictReinforces
	case "supersedes", "supersede":
		return VerdictSupersedes
	default:
		return VerdictDistinct
	}
}
