package knowledge

import (
	"context"
	"errors"
	"fmt"

	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/aimerfeng/AgentDesk/internal/monitoring"
	"github.com/google/uuid"
)

// ErrNoKnowledgeBase is returned when an agent has no embedded chunks to search
var ErrNoKnowledgeBase = errors.New("agent has no knowledge base")

// ChunkReader loads retrievable chunks for an agent in storage order
type ChunkReader interface {
	CountEmbeddedChunks(ctx context.Context, agentID uuid.UUID) (int, error)
	ListEmbeddedChunks(ctx context.Context, agentID uuid.UUID) ([]models.Chunk, error)
}

// Retriever performs brute-force cosine search over an agent's chunks
type Retriever struct {
	chunks ChunkReader
	topK   int
}

func NewRetriever(chunks ChunkReader, topK int) *Retriever {
	if topK <= 0 {
		topK = 3
	}
	return &Retriever{chunks: chunks, topK: topK}
}

// HasKnowledge reports whether the agent has at least one embedded chunk
func (r *Retriever) HasKnowledge(ctx context.Context, agentID uuid.UUID) (bool, error) {
	n, err := r.chunks.CountEmbeddedChunks(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n > 0, nil
}

// Search returns the agent's k most similar chunks. k <= 0 uses the configured default.
func (r *Retriever) Search(ctx context.Context, agentID uuid.UUID, query []float32, k int) ([]models.ScoredChunk, error) {
	if k <= 0 {
		k = r.topK
	}
	chunks, err := r.chunks.ListEmbeddedChunks(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, ErrNoKnowledgeBase
	}
	monitoring.RecordRetrievalSize(len(chunks))
	return TopK(query, chunks, k), nil
}
