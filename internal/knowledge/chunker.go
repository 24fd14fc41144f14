package knowledge

import (
	"iter"
	"strings"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

var boundaryRunes = map[rune]struct{}{
	'\n': {}, '.': {}, '!': {}, '?': {}, '。': {}, '！': {}, '？': {},
}

// Chunker splits document text into overlapping, boundary-aware windows of runes
type Chunker struct {
	size    int
	overlap int
}

// NewChunker clamps size to at least 1 and overlap into [0, size)
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}
	return &Chunker{size: size, overlap: overlap}
}

// span is a half-open rune range of the normalized text
type span struct {
	start, end int
}

// Split returns the non-blank chunks of text. The sequence holds no state between
// iterations and can be ranged over more than once.
func (c *Chunker) Split(text string) iter.Seq[string] {
	runes := []rune(normalizeNewlines(text))
	return func(yield func(string) bool) {
		for sp := range c.spans(runes) {
			chunk := strings.TrimSpace(string(runes[sp.start:sp.end]))
			if chunk == "" {
				continue
			}
			if !yield(chunk) {
				return
			}
		}
	}
}

// Collect materializes Split
func (c *Chunker) Collect(text string) []string {
	var out []string
	for chunk := range c.Split(text) {
		out = append(out, chunk)
	}
	return out
}

// spans yields the windows. Each next window starts at min(start+size-overlap, end), the
// earlier of the overlapped offset and the cut, so consecutive windows always touch or overlap.
func (c *Chunker) spans(runes []rune) iter.Seq[span] {
	return func(yield func(span) bool) {
		total := len(runes)
		start := 0
		for start < total {
			end := start + c.size
			if end >= total {
				end = total
			} else if cut := lastBoundary(runes, start, end); cut-start >= c.size/2 && cut > start {
				end = cut
			}

			if !yield(span{start: start, end: end}) {
				return
			}
			if end >= total {
				return
			}

			// Never skip past the cut, or the text between cut and the
			// overlapped start would be lost.
			start = min(start+c.size-c.overlap, end)
		}
	}
}

// lastBoundary returns the index just past the last boundary rune in runes[start:end], or -1
func lastBoundary(runes []rune, start, end int) int {
	for i := end - 1; i >= start; i-- {
		if _, ok := boundaryRunes[runes[i]]; ok {
			return i + 1
		}
	}
	return -1
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	return strings.ReplaceAll(replaced, "\r", "\n")
}
