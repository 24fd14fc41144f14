package knowledge

import (
	"math"
	"sort"

	"github.com/aimerfeng/AgentDesk/internal/models"
)

// CosineSimilarity returns dot(a,b)/(|a||b|). Mismatched lengths and zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// rounding can push identical vectors just past 1
	return math.Max(-1, math.Min(1, sim))
}

// TopK scores every chunk against query and returns the k best, similarity descending.
// Ties keep the input order.
func TopK(query []float32, chunks []models.Chunk, k int) []models.ScoredChunk {
	scored := make([]models.ScoredChunk, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		scored = append(scored, models.ScoredChunk{Chunk: c, Similarity: CosineSimilarity(query, c.Embedding)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if k >= 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
