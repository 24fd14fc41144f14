package store

import (
	"context"
	"fmt"

	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// CreateDocument records an uploaded document
func (s *Store) CreateDocument(ctx context.Context, doc *models.Document) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO documents (id, agent_id, name, content_type, size_bytes, blob_key, chunk_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, doc.ID, doc.AgentID, doc.Name, doc.ContentType, doc.SizeBytes, doc.BlobKey, doc.ChunkCount, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// ListDocuments returns the agent's documents, newest first
func (s *Store) ListDocuments(ctx context.Context, agentID uuid.UUID) ([]models.Document, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, name, content_type, size_bytes, blob_key, chunk_count, created_at
		FROM documents
		WHERE agent_id = $1
		ORDER BY created_at DESC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := []models.Document{}
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.AgentID, &d.Name, &d.ContentType, &d.SizeBytes, &d.BlobKey, &d.ChunkCount, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// InsertChunks bulk-writes chunks in one round trip. A nil embedding is stored as NULL.
func (s *Store) InsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`
			INSERT INTO chunks (id, agent_id, document_id, document_name, content, embedding, embedding_error,
				chunk_index, total_chunks, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, c.ID, c.AgentID, c.DocumentID, c.DocumentName, c.Content, vectorArg(c.Embedding), c.EmbeddingError,
			c.ChunkIndex, c.TotalChunks, c.CreatedAt)
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range chunks {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("failed to insert chunk: %w", err)
			}
		}
		return results.Close()
	})
}

// CountEmbeddedChunks counts the agent's retrievable chunks
func (s *Store) CountEmbeddedChunks(ctx context.Context, agentID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM chunks WHERE agent_id = $1 AND embedding IS NOT NULL
	`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// ListEmbeddedChunks returns the agent's retrievable chunks in storage order
func (s *Store) ListEmbeddedChunks(ctx context.Context, agentID uuid.UUID) ([]models.Chunk, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, document_id, document_name, content, embedding, chunk_index, total_chunks, created_at
		FROM chunks
		WHERE agent_id = $1 AND embedding IS NOT NULL
		ORDER BY created_at, chunk_index, id
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	chunks := []models.Chunk{}
	for rows.Next() {
		var c models.Chunk
		var vec pgvector.Vector
		if err := rows.Scan(&c.ID, &c.AgentID, &c.DocumentID, &c.DocumentName, &c.Content, &vec,
			&c.ChunkIndex, &c.TotalChunks, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Embedding = vec.Slice()
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListUnembeddedChunks returns chunks stored without a vector
func (s *Store) ListUnembeddedChunks(ctx context.Context, agentID uuid.UUID) ([]models.Chunk, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, document_id, document_name, content, embedding_error, chunk_index, total_chunks, created_at
		FROM chunks
		WHERE agent_id = $1 AND embedding IS NULL
		ORDER BY created_at, chunk_index, id
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unembedded chunks: %w", err)
	}
	defer rows.Close()

	chunks := []models.Chunk{}
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.AgentID, &c.DocumentID, &c.DocumentName, &c.Content, &c.EmbeddingError,
			&c.ChunkIndex, &c.TotalChunks, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SetChunkEmbedding backfills a null embedding. Chunks that already have one are left alone.
func (s *Store) SetChunkEmbedding(ctx context.Context, chunkID uuid.UUID, embedding []float32) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE chunks SET embedding = $1, embedding_error = NULL
		WHERE id = $2 AND embedding IS NULL
	`, pgvector.NewVector(embedding), chunkID)
	if err != nil {
		return fmt.Errorf("failed to set chunk embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChunkNotFound
	}
	return nil
}

func (s *Store) SetChunkEmbeddingError(ctx context.Context, chunkID uuid.UUID, message string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE chunks SET embedding_error = $1 WHERE id = $2 AND embedding IS NULL
	`, message, chunkID)
	if err != nil {
		return fmt.Errorf("failed to set chunk embedding error: %w", err)
	}
	return nil
}

func vectorArg(v []float32) any {
	if v == nil {
		return nil
	}
	return pgvector.NewVector(v)
}
