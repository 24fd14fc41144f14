package knowledge

import (
	"strings"
	"testing"
	"unicode/utf8"

	"pgregory.net/rapid"
)

func genDocument(t *rapid.T) string {
	words := rapid.SliceOfN(
		rapid.SampledFrom([]string{"refund", "policy", "login", "the", "we", "ship", "世界", "a", "reset"}),
		0, 400,
	).Draw(t, "words")
	seps := []string{" ", " ", " ", ". ", "! ", "?\n", "\n", "。", "\r\n", "   "}

	var b strings.Builder
	for i, w := range words {
		b.WriteString(w)
		b.WriteString(seps[rapid.IntRange(0, len(seps)-1).Draw(t, "sep"+string(rune('a'+i%26)))])
	}
	return b.String()
}

// TestProperty_Chunker_Coverage tests that spans tile the whole text with no gap
// *For any* text, size and overlap, consecutive spans overlap or touch and together cover every rune.
func TestProperty_Chunker_Coverage(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := genDocument(t)
		size := rapid.IntRange(1, 300).Draw(t, "size")
		overlap := rapid.IntRange(0, 400).Draw(t, "overlap")
		c := NewChunker(size, overlap)

		runes := []rune(normalizeNewlines(text))
		covered := 0
		prevStart := -1
		for sp := range c.spans(runes) {
			if sp.start <= prevStart {
				t.Fatalf("PROPERTY VIOLATION: start did not advance (%d after %d)", sp.start, prevStart)
			}
			if sp.start > covered {
				t.Fatalf("PROPERTY VIOLATION: gap between %d and %d", covered, sp.start)
			}
			if sp.end-sp.start > c.size {
				t.Fatalf("PROPERTY VIOLATION: span length %d exceeds size %d", sp.end-sp.start, c.size)
			}
			if sp.end <= sp.start {
				t.Fatalf("PROPERTY VIOLATION: empty span %+v", sp)
			}
			covered = max(covered, sp.end)
			prevStart = sp.start
		}
		if covered != len(runes) {
			t.Fatalf("PROPERTY VIOLATION: covered %d of %d runes", covered, len(runes))
		}
	})
}

// TestProperty_Chunker_ChunkBounds tests chunk length and non-blankness
func TestProperty_Chunker_ChunkBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := genDocument(t)
		size := rapid.IntRange(1, 300).Draw(t, "size")
		overlap := rapid.IntRange(0, size).Draw(t, "overlap")
		c := NewChunker(size, overlap)

		for _, chunk := range c.Collect(text) {
			if strings.TrimSpace(chunk) == "" {
				t.Fatal("PROPERTY VIOLATION: blank chunk emitted")
			}
			if n := utf8.RuneCountInString(chunk); n > size {
				t.Fatalf("PROPERTY VIOLATION: chunk has %d runes, size %d", n, size)
			}
		}
	})
}

// TestProperty_Chunker_Restartable tests that iterating the sequence twice yields identical chunks
func TestProperty_Chunker_Restartable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := genDocument(t)
		c := NewChunker(rapid.IntRange(1, 200).Draw(t, "size"), rapid.IntRange(0, 100).Draw(t, "overlap"))

		seq := c.Split(text)
		var first, second []string
		for s := range seq {
			first = append(first, s)
		}
		for s := range seq {
			second = append(second, s)
		}
		if strings.Join(first, "\x00") != strings.Join(second, "\x00") {
			t.Fatal("PROPERTY VIOLATION: sequence is not restartable")
		}
	})
}

func TestChunker_CutsAtSentenceBoundary(t *testing.T) {
	c := NewChunker(20, 0)
	text := "Refunds take 5 days. Shipping is free worldwide."

	chunks := c.Collect(text)
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	if chunks[0] != "Refunds take 5 days." {
		t.Fatalf("expected cut after the sentence terminator, got %q", chunks[0])
	}
}

func TestChunker_IgnoresEarlyBoundary(t *testing.T) {
	// The only terminator sits before the halfway mark, so the raw offset wins.
	c := NewChunker(20, 0)
	chunks := c.Collect("Hi. abcdefghijklmnopqrstuvwxyz")
	if chunks[0] != "Hi. abcdefghijklmnop" {
		t.Fatalf("expected raw cut, got %q", chunks[0])
	}
}

func TestChunker_DefaultsAndBlankInput(t *testing.T) {
	c := NewChunker(0, -5)
	if c.size != DefaultChunkSize || c.overlap != 0 {
		t.Fatalf("unexpected clamping: %+v", c)
	}
	if got := c.Collect(" \n\t  \r\n"); len(got) != 0 {
		t.Fatalf("expected no chunks for whitespace, got %q", got)
	}
	if got := NewChunker(10, 50); got.overlap != 9 {
		t.Fatalf("overlap should clamp below size, got %d", got.overlap)
	}
}

func TestChunker_OverlapRepeatsTail(t *testing.T) {
	c := NewChunker(10, 4)
	chunks := c.Collect("abcdefghijklmnop")
	want := []string{"abcdefghij", "ghijklmnop"}
	if len(chunks) != len(want) {
		t.Fatalf("expected %v, got %v", want, chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunk %d: expected %q, got %q", i, want[i], chunks[i])
		}
	}
}
