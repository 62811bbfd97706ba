package dedup

import (
	"encoding/binary"
	"hash/fnv"
	"io"
	"strings"
)

// Signature layout: signatureSize minimum values folded into bands rows of
// rowsPerBand each for locality-sensitive lookup. Two texts sharing any band
// hash are near-duplicate candidates worth a closer look.
const (
	signatureSize = 128
	bands         = 16
	rowsPerBand   = signatureSize / bands
)

// shingleWidth is the number of consecutive normalized tokens per shingle.
const shingleWidth = 3

// Signature computes a fixed-size MinHash signature over token shingles of
// the normalized text. Returns nil when the text normalizes to nothing, in
// which case the entry carries no signature and skips the duplicate index.
func Signature(text string) []uint64 {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return nil
	}

	var shingles []string
	if len(tokens) < shingleWidth {
		shingles = []string{strings.Join(tokens, " ")}
	} else {
		shingles = make([]string, 0, len(tokens)-shingleWidth+1)
		for i := 0; i+shingleWidth <= len(tokens); i++ {
			shingles = append(shingles, strings.Join(tokens[i:i+shingleWidth], " "))
		}
	}

	sig := make([]uint64, signatureSize)
	for i := range sig {
		sig[i] = ^uint64(0)
	}
	for _, sh := range shingles {
		h1, h2 := shingleHashes(sh)
		for i := range sig {
			// Family of hash functions derived from two base hashes.
			v := h1 + uint64(i)*h2
			if v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

// BandHashes folds a signature into one hash per band. Stored in the
// duplicate index; a single shared band hash flags a candidate pair.
func BandHashes(sig []uint64) []uint64 {
	if len(sig) != signatureSize {
		return nil
	}
	out := make([]uint64, bands)
	buf := make([]byte, 8*rowsPerBand)
	for b := 0; b < bands; b++ {
		for r := 0; r < rowsPerBand; r++ {
			binary.LittleEndian.PutUint64(buf[r*8:], sig[b*rowsPerBand+r])
		}
		h := fnv.New64a()
		h.Write(buf)
		out[b] = h.Sum64()
	}
	return out
}

func shingleHashes(shingle string) (uint64, uint64) {
	h := fnv.New64a()
	io.WriteString(h, shingle)
	h1 := h.Sum64()
	h.Write([]byte{0xff})
	return h1, h.Sum64()
}
