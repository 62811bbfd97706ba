package extract

import "strings"

// Granularity selects how a transcript is split before extraction.
type Granularity string

const (
	// GranularityAuto sends small files whole and chunks everything else.
	GranularityAuto Granularity = "auto"
	// GranularityWhole always sends the full text as a single chunk.
	GranularityWhole Granularity = "whole"
	// GranularityChunked always splits on paragraph boundaries.
	GranularityChunked Granularity = "chunked"
)

// DefaultChunkBytes is the target chunk size for chunked extraction. One
// chunk is one extraction call; the value balances model context use against
// how quickly partial results start landing in the write queue.
const DefaultChunkBytes = 8192

// Split divides transcript text into extraction chunks. Paragraphs (blank
// line separated) are packed greedily up to maxBytes; a single oversized
// paragraph becomes its own chunk rather than being cut mid-sentence.
// Blank text yields no chunks.
func Split(text string, g Granularity, maxBytes int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultChunkBytes
	}
	if g == GranularityWhole || (g != GranularityChunked && len(text) <= maxBytes) {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		// +2 for the separator restored between packed paragraphs.
		if current.Len() > 0 && current.Len()+len(para)+2 > maxBytes {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
