package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/logging"
	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/aimerfeng/AgentDesk/internal/monitoring"
	"github.com/aimerfeng/AgentDesk/internal/provider"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrEmptyDocument is returned when an upload contains no text to chunk
var ErrEmptyDocument = errors.New("document has no extractable text")

// DefaultRetryBackoff is the wait before retrying a rate-limited embedding
const DefaultRetryBackoff = 2 * time.Second

// Embedder produces a vector for a piece of text
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkWriter persists documents and chunks
type ChunkWriter interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	InsertChunks(ctx context.Context, chunks []models.Chunk) error
	ListUnembeddedChunks(ctx context.Context, agentID uuid.UUID) ([]models.Chunk, error)
	SetChunkEmbedding(ctx context.Context, chunkID uuid.UUID, embedding []float32) error
	SetChunkEmbeddingError(ctx context.Context, chunkID uuid.UUID, message string) error
}

// BlobWriter stores raw uploaded bytes
type BlobWriter interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
}

// AgentTracker records training progress on the agent
type AgentTracker interface {
	SetTrainingStatus(ctx context.Context, agentID uuid.UUID, status models.TrainingStatus) error
	RefreshTotalChunks(ctx context.Context, agentID uuid.UUID) (int, error)
}

// Upload is a document submitted for ingestion
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// IngestResult summarizes one ingestion
type IngestResult struct {
	DocumentID  uuid.UUID `json:"documentId"`
	Chunks      int       `json:"chunks"`
	Embedded    int       `json:"embedded"`
	Failed      int       `json:"failed"`
	TotalChunks int       `json:"totalChunks"`
}

// ReembedResult summarizes a backfill of null embeddings
type ReembedResult struct {
	Attempted int `json:"attempted"`
	Embedded  int `json:"embedded"`
	Failed    int `json:"failed"`
}

// IngestorOptions configures an Ingestor
type IngestorOptions struct {
	ChunkSize    int
	ChunkOverlap int
	Workers      int
	RetryBackoff time.Duration
	// BlobKey builds the object key for a document; nil disables blob storage
	BlobKey func(agentID, documentID, name string) string
}

// Ingestor turns uploads into embedded chunks. Embedding calls fan out over a bounded
// worker pool but still pass the provider's shared rate limiter one at a time.
type Ingestor struct {
	chunker  *Chunker
	embedder Embedder
	chunks   ChunkWriter
	agents   AgentTracker
	blobs    BlobWriter
	opts     IngestorOptions
	logger   zerolog.Logger
}

// NewIngestor creates an ingestor; blobs may be nil
func NewIngestor(embedder Embedder, chunks ChunkWriter, agents AgentTracker, blobs BlobWriter, opts IngestorOptions) *Ingestor {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	return &Ingestor{
		chunker:  NewChunker(opts.ChunkSize, opts.ChunkOverlap),
		embedder: embedder,
		chunks:   chunks,
		agents:   agents,
		blobs:    blobs,
		opts:     opts,
		logger:   logging.NewLogger("ingest"),
	}
}

// Ingest extracts, chunks, embeds and stores one document. Chunks whose embedding fails
// are stored with a null vector and an error annotation; only storage failures abort.
func (i *Ingestor) Ingest(ctx context.Context, agentID uuid.UUID, up Upload) (*IngestResult, error) {
	contentType := DetectContentType(up.Name, up.ContentType, up.Data)
	text, err := ExtractText(contentType, up.Data)
	if err != nil {
		return nil, err
	}
	pieces := i.chunker.Collect(text)
	if len(pieces) == 0 {
		return nil, ErrEmptyDocument
	}

	name := strings.TrimSpace(up.Name)
	if name == "" {
		name = "Untitled"
	}

	if err := i.agents.SetTrainingStatus(ctx, agentID, models.TrainingStatusTraining); err != nil {
		return nil, err
	}

	result, err := i.ingest(ctx, agentID, name, contentType, up.Data, pieces)
	if err != nil {
		i.finish(ctx, agentID, models.TrainingStatusError)
		return nil, err
	}

	status := models.TrainingStatusTrained
	if result.Embedded == 0 {
		status = models.TrainingStatusError
	}
	i.finish(ctx, agentID, status)

	i.logger.Info().
		Str("agent_id", agentID.String()).
		Str("document", name).
		Int("chunks", result.Chunks).
		Int("embedded", result.Embedded).
		Int("failed", result.Failed).
		Msg("Document ingested")

	return result, nil
}

func (i *Ingestor) ingest(ctx context.Context, agentID uuid.UUID, name, contentType string, data []byte, pieces []string) (*IngestResult, error) {
	doc := &models.Document{
		ID:          uuid.New(),
		AgentID:     agentID,
		Name:        name,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		ChunkCount:  len(pieces),
		CreatedAt:   time.Now(),
	}

	if i.blobs != nil && i.opts.BlobKey != nil {
		doc.BlobKey = i.opts.BlobKey(agentID.String(), doc.ID.String(), name)
		if err := i.blobs.Put(ctx, doc.BlobKey, contentType, data); err != nil {
			return nil, fmt.Errorf("failed to store document blob: %w", err)
		}
	}

	if err := i.chunks.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	chunks := make([]models.Chunk, len(pieces))
	for idx, content := range pieces {
		chunks[idx] = models.Chunk{
			ID:           uuid.New(),
			AgentID:      agentID,
			DocumentID:   &doc.ID,
			DocumentName: name,
			Content:      content,
			ChunkIndex:   idx,
			TotalChunks:  len(pieces),
			CreatedAt:    doc.CreatedAt,
		}
	}

	if err := i.embedAll(ctx, chunks); err != nil {
		return nil, err
	}

	if err := i.chunks.InsertChunks(ctx, chunks); err != nil {
		return nil, fmt.Errorf("failed to store chunks: %w", err)
	}

	result := &IngestResult{DocumentID: doc.ID, Chunks: len(chunks)}
	for _, c := range chunks {
		if c.Embedding != nil {
			result.Embedded++
		} else {
			result.Failed++
		}
	}

	total, err := i.agents.RefreshTotalChunks(ctx, agentID)
	if err != nil {
		return nil, err
	}
	result.TotalChunks = total
	return result, nil
}

// embedAll fills Embedding or EmbeddingError on every chunk in place. Only context
// cancellation stops the batch.
func (i *Ingestor) embedAll(ctx context.Context, chunks []models.Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.opts.Workers)

	for idx := range chunks {
		c := &chunks[idx]
		g.Go(func() error {
			vec, err := i.embedWithRetry(gctx, c.Content)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				msg := err.Error()
				c.EmbeddingError = &msg
				monitoring.RecordChunkEmbedded("failed")
				i.logger.Warn().Err(err).Int("chunk_index", c.ChunkIndex).Msg("Storing chunk without embedding")
				return nil
			}
			c.Embedding = vec
			monitoring.RecordChunkEmbedded("embedded")
			return nil
		})
	}
	return g.Wait()
}

// embedWithRetry retries a rate-limited embedding exactly once after the backoff
func (i *Ingestor) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	vec, err := i.embedder.Embed(ctx, text)
	if err == nil || !errors.Is(err, provider.ErrRateLimited) {
		return vec, err
	}

	timer := time.NewTimer(i.opts.RetryBackoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return i.embedder.Embed(ctx, text)
}

// IngestSnippet embeds and stores a single chunk that belongs to no uploaded document,
// such as an operator's answer to a knowledge gap.
func (i *Ingestor) IngestSnippet(ctx context.Context, agentID uuid.UUID, name, content string) (*models.Chunk, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyDocument
	}

	chunks := []models.Chunk{{
		ID:           uuid.New(),
		AgentID:      agentID,
		DocumentName: name,
		Content:      content,
		ChunkIndex:   0,
		TotalChunks:  1,
		CreatedAt:    time.Now(),
	}}
	if err := i.embedAll(ctx, chunks); err != nil {
		return nil, err
	}
	if err := i.chunks.InsertChunks(ctx, chunks); err != nil {
		return nil, fmt.Errorf("failed to store chunk: %w", err)
	}
	if _, err := i.agents.RefreshTotalChunks(ctx, agentID); err != nil {
		return nil, err
	}
	return &chunks[0], nil
}

// ReembedMissing retries every chunk of the agent stored without an embedding
func (i *Ingestor) ReembedMissing(ctx context.Context, agentID uuid.UUID) (*ReembedResult, error) {
	pending, err := i.chunks.ListUnembeddedChunks(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unembedded chunks: %w", err)
	}
	result := &ReembedResult{Attempted: len(pending)}
	if len(pending) == 0 {
		return result, nil
	}

	for idx := range pending {
		pending[idx].EmbeddingError = nil
	}
	if err := i.embedAll(ctx, pending); err != nil {
		return nil, err
	}

	for _, c := range pending {
		if c.Embedding != nil {
			if err := i.chunks.SetChunkEmbedding(ctx, c.ID, c.Embedding); err != nil {
				return nil, fmt.Errorf("failed to store embedding: %w", err)
			}
			result.Embedded++
			continue
		}
		msg := ""
		if c.EmbeddingError != nil {
			msg = *c.EmbeddingError
		}
		if err := i.chunks.SetChunkEmbeddingError(ctx, c.ID, msg); err != nil {
			return nil, fmt.Errorf("failed to store embedding error: %w", err)
		}
		result.Failed++
	}

	if result.Embedded > 0 {
		if _, err := i.agents.RefreshTotalChunks(ctx, agentID); err != nil {
			return nil, err
		}
		if err := i.agents.SetTrainingStatus(ctx, agentID, models.TrainingStatusTrained); err != nil {
			return nil, err
		}
	}

	i.logger.Info().
		Str("agent_id", agentID.String()).
		Int("attempted", result.Attempted).
		Int("embedded", result.Embedded).
		Msg("Re-embedded missing chunks")

	return result, nil
}

func (i *Ingestor) finish(ctx context.Context, agentID uuid.UUID, status models.TrainingStatus) {
	if err := i.agents.SetTrainingStatus(context.WithoutCancel(ctx), agentID, status); err != nil {
		i.logger.Error().Err(err).Str("agent_id", agentID.String()).Msg("Failed to update training status")
	}
}
