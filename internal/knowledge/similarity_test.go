package knowledge

import (
	"math"
	"testing"

	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/google/uuid"
	"pgregory.net/rapid"
)

func genVector(t *rapid.T, dim int, label string) []float32 {
	return rapid.SliceOfN(rapid.Float32Range(-10, 10), dim, dim).Draw(t, label)
}

// TestProperty_CosineSimilarity_Bounded tests that similarity stays in [-1, 1]
func TestProperty_CosineSimilarity_Bounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dim := rapid.IntRange(1, 32).Draw(t, "dim")
		a := genVector(t, dim, "a")
		b := genVector(t, dim, "b")

		sim := CosineSimilarity(a, b)
		if math.IsNaN(sim) || sim < -1 || sim > 1 {
			t.Fatalf("PROPERTY VIOLATION: similarity %v out of bounds", sim)
		}
	})
}

// TestProperty_CosineSimilarity_ZeroVector tests that a zero vector yields 0 instead of dividing by zero
func TestProperty_CosineSimilarity_ZeroVector(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dim := rapid.IntRange(1, 32).Draw(t, "dim")
		a := genVector(t, dim, "a")
		zero := make([]float32, dim)

		if got := CosineSimilarity(a, zero); got != 0 {
			t.Fatalf("PROPERTY VIOLATION: expected 0 with zero vector, got %v", got)
		}
		if got := CosineSimilarity(zero, a); got != 0 {
			t.Fatalf("PROPERTY VIOLATION: expected 0 with zero vector, got %v", got)
		}
	})
}

func TestCosineSimilarity_Known(t *testing.T) {
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0}); got != 1 {
		t.Errorf("identical vectors: expected 1, got %v", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{-1, 0}); got != -1 {
		t.Errorf("opposite vectors: expected -1, got %v", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors: expected 0, got %v", got)
	}
	if got := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); got != 0 {
		t.Errorf("mismatched dims: expected 0, got %v", got)
	}
}

// TestProperty_TopK_Ordering tests that results are similarity-descending, stable and deterministic
func TestProperty_TopK_Ordering(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dim := rapid.IntRange(1, 8).Draw(t, "dim")
		n := rapid.IntRange(0, 30).Draw(t, "n")
		k := rapid.IntRange(0, 10).Draw(t, "k")
		query := genVector(t, dim, "query")

		// Few distinct vectors so ties are common.
		palette := [][]float32{genVector(t, dim, "p0"), genVector(t, dim, "p1"), genVector(t, dim, "p2")}
		chunks := make([]models.Chunk, n)
		for i := range chunks {
			chunks[i] = models.Chunk{
				ID:         uuid.New(),
				ChunkIndex: i,
				Embedding:  palette[rapid.IntRange(0, 2).Draw(t, "pick")],
			}
		}

		got := TopK(query, chunks, k)
		if len(got) != min(k, n) {
			t.Fatalf("PROPERTY VIOLATION: expected %d results, got %d", min(k, n), len(got))
		}
		for i := 1; i < len(got); i++ {
			if got[i].Similarity > got[i-1].Similarity {
				t.Fatalf("PROPERTY VIOLATION: not descending at %d", i)
			}
			if got[i].Similarity == got[i-1].Similarity && got[i].Chunk.ChunkIndex < got[i-1].Chunk.ChunkIndex {
				t.Fatalf("PROPERTY VIOLATION: tie not in storage order at %d", i)
			}
		}

		again := TopK(query, chunks, k)
		for i := range got {
			if got[i].Chunk.ID != again[i].Chunk.ID {
				t.Fatal("PROPERTY VIOLATION: TopK is not deterministic")
			}
		}
	})
}

func TestTopK_SkipsNullEmbeddings(t *testing.T) {
	chunks := []models.Chunk{
		{ID: uuid.New(), Embedding: nil},
		{ID: uuid.New(), Embedding: []float32{1, 0}},
	}
	got := TopK([]float32{1, 0}, chunks, 3)
	if len(got) != 1 || got[0].Chunk.ID != chunks[1].ID {
		t.Fatalf("expected only the embedded chunk, got %+v", got)
	}
}
