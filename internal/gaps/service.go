package gaps

import (
	"context"
	"fmt"
	"strings"

	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/google/uuid"
)

// SnippetWriter turns an operator answer into a retrievable chunk
type SnippetWriter interface {
	IngestSnippet(ctx context.Context, agentID uuid.UUID, name, content string) (*models.Chunk, error)
}

// Service exposes gap review and filling to operators
type Service struct {
	store    Store
	snippets SnippetWriter
}

func NewService(store Store, snippets SnippetWriter) *Service {
	return &Service{store: store, snippets: snippets}
}

// List returns the agent's gaps, most frequently asked first
func (s *Service) List(ctx context.Context, agentID uuid.UUID, includeFilled bool) ([]models.KnowledgeGap, error) {
	return s.store.ListGaps(ctx, agentID, includeFilled)
}

// Fill adds the answer to the knowledge base and marks the gap filled
func (s *Service) Fill(ctx context.Context, agentID, gapID uuid.UUID, answer string) (*models.KnowledgeGap, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil, ErrEmptyAnswer
	}

	g, err := s.store.GetGap(ctx, agentID, gapID)
	if err != nil {
		return nil, err
	}
	if g.Filled {
		return nil, ErrAlreadyFilled
	}

	chunk, err := s.snippets.IngestSnippet(ctx, agentID, SnippetName(g), SnippetContent(g.RepresentativeQuestion, answer))
	if err != nil {
		return nil, fmt.Errorf("failed to add answer to knowledge base: %w", err)
	}
	return s.store.MarkGapFilled(ctx, agentID, gapID, chunk.ID, answer)
}

// SnippetContent is the chunk text stored for a filled gap
func SnippetContent(question, answer string) string {
	return "Q: " + strings.TrimSpace(question) + "\nA: " + strings.TrimSpace(answer)
}

func SnippetName(g *models.KnowledgeGap) string {
	return "Knowledge gap: " + g.Category
}
