package dedup

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello World", "hello world"},
		{"  spaced\t\tout\n\nlines  ", "spaced out lines"},
		{"UPPER lower MiXeD", "upper lower mixed"},
		{"", ""},
		{"   \n\t ", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormHashIgnoresCaseAndWhitespace(t *testing.T) {
	a := NormHash("Decision: use SQLite for the index.")
	b := NormHash("  decision:   use sqlite\nfor the index.  ")
	if a != b {
		t.Errorf("norm hashes differ for equivalent content: %s vs %s", a, b)
	}

	c := NormHash("decision: use postgres for the index.")
	if a == c {
		t.Error("norm hashes collide for different content")
	}
}

func TestContentHashExact(t *testing.T) {
	a := ContentHash([]byte("same"))
	b := ContentHash([]byte("same"))
	c := ContentHash([]byte("Same"))
	if a != b {
		t.Error("identical content produced different hashes")
	}
	if a == c {
		t.Error("content hash must be case sensitive")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestSignatureDeterministic(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog"
	a := Signature(text)
	b := Signature(text)
	if len(a) != signatureSize {
		t.Fatalf("signature length = %d, want %d", len(a), signatureSize)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("signature not deterministic at index %d", i)
		}
	}
}

func TestSignatureEmptyText(t *testing.T) {
	if sig := Signature("   \n "); sig != nil {
		t.Errorf("Signature of blank text = %v, want nil", sig)
	}
}

func TestSignatureNormalizesCaseAndWhitespace(t *testing.T) {
	a := BandHashes(Signature("Keep The  Retry Scheduler Simple"))
	b := BandHashes(Signature("keep the retry\tscheduler   simple"))
	if len(a) != bands || len(b) != bands {
		t.Fatalf("band counts = %d, %d, want %d", len(a), len(b), bands)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("band %d differs for case/whitespace variants", i)
		}
	}
}

func TestBandHashesOverlap(t *testing.T) {
	base := "the ingestion run resolves targets sorts them by size claims each one " +
		"with a shared cursor extracts entries chunk by chunk and commits batches " +
		"through a single serialized write queue"
	near := base + " safely"
	far := "completely unrelated sentence about cooking pasta for dinner tonight"

	baseBands := BandHashes(Signature(base))
	nearBands := BandHashes(Signature(near))
	farBands := BandHashes(Signature(far))
	if len(baseBands) != bands {
		t.Fatalf("band count = %d, want %d", len(baseBands), bands)
	}

	// The duplicate index matches per band position, so compare bands
	// index by index.
	shared := func(a, b []uint64) int {
		n := 0
		for i := range a {
			if a[i] == b[i] {
				n++
			}
		}
		return n
	}

	if shared(baseBands, nearBands) == 0 {
		t.Error("near-duplicate texts share no band hashes")
	}
	if got := shared(baseBands, farBands); got != 0 {
		t.Errorf("unrelated texts share %d band hashes, want 0", got)
	}
}

func TestBandHashesWrongSize(t *testing.T) {
	if got := BandHashes([]uint64{1, 2, 3}); got != nil {
		t.Errorf("BandHashes on short signature = %v, want nil", got)
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		in   string
		want Verdict
	}{
		{"duplicate", VerdictDuplicate},
		{"reinforces", VerdictReinforces},
		{"reinforce", VerdictReinforces},
		{"supersedes", VerdictSupersedes},
		{"distinct", VerdictDistinct},
		{"garbage", VerdictDistinct},
		{"", VerdictDistinct},
	}
	for _, tt := range tests {
		if got := ParseVerdict(tt.in); got != tt.want {
			t.Errorf("ParseVerdict(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
