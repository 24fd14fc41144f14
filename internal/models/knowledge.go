package models

import (
	"time"

	"github.com/google/uuid"
)

// Document represents an uploaded source document
type Document struct {
	ID          uuid.UUID `json:"id" db:"id"`
	AgentID     uuid.UUID `json:"agent_id" db:"agent_id"`
	Name        string    `json:"name" db:"name"`
	ContentType string    `json:"content_type" db:"content_type"`
	SizeBytes   int64     `json:"size_bytes" db:"size_bytes"`
	BlobKey     string    `json:"-" db:"blob_key"`
	ChunkCount  int       `json:"chunk_count" db:"chunk_count"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Chunk is a unit of retrievable knowledge. A nil Embedding means embedding failed
// and the chunk is excluded from retrieval until it is backfilled.
type Chunk struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	AgentID        uuid.UUID  `json:"agent_id" db:"agent_id"`
	DocumentID     *uuid.UUID `json:"document_id,omitempty" db:"document_id"`
	DocumentName   string     `json:"document_name" db:"document_name"`
	Content        string     `json:"content" db:"content"`
	Embedding      []float32  `json:"-" db:"embedding"`
	EmbeddingError *string    `json:"embedding_error,omitempty" db:"embedding_error"`
	ChunkIndex     int        `json:"chunk_index" db:"chunk_index"`
	TotalChunks    int        `json:"total_chunks" db:"total_chunks"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// ScoredChunk is a retrieval hit
type ScoredChunk struct {
	Chunk      Chunk
	Similarity float64
}

// KnowledgeGap is a cluster of questions the agent could not answer
type KnowledgeGap struct {
	ID                     uuid.UUID  `json:"id" db:"id"`
	AgentID                uuid.UUID  `json:"agent_id" db:"agent_id"`
	Category               string     `json:"category" db:"category"`
	RepresentativeQuestion string     `json:"representative_question" db:"representative_question"`
	Count                  int64      `json:"count" db:"count"`
	RecentQuestions        []string   `json:"recent_questions" db:"recent_questions"`
	FirstAsked             time.Time  `json:"first_asked" db:"first_asked"`
	LastAsked              time.Time  `json:"last_asked" db:"last_asked"`
	Filled                 bool       `json:"filled" db:"filled"`
	FilledChunkID          *uuid.UUID `json:"filled_chunk_id,omitempty" db:"filled_chunk_id"`
	Answer                 *string    `json:"answer,omitempty" db:"answer"`
}

// FillGapRequest represents an operator answer for a knowledge gap
type FillGapRequest struct {
	Answer string `json:"answer" binding:"required,min=1"`
}
