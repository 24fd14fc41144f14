package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const gapColumns = `id, agent_id, category, representative_question, count, recent_questions,
	first_asked, last_asked, filled, filled_chunk_id, answer`

func scanGap(row pgx.Row) (*models.KnowledgeGap, error) {
	var g models.KnowledgeGap
	err := row.Scan(
		&g.ID, &g.AgentID, &g.Category, &g.RepresentativeQuestion, &g.Count, &g.RecentQuestions,
		&g.FirstAsked, &g.LastAsked, &g.Filled, &g.FilledChunkID, &g.Answer,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGaps returns the agent's gaps, most asked first
func (s *Store) ListGaps(ctx context.Context, agentID uuid.UUID, includeFilled bool) ([]models.KnowledgeGap, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+gapColumns+`
		FROM knowledge_gaps
		WHERE agent_id = $1 AND ($2 OR filled = FALSE)
		ORDER BY count DESC, last_asked DESC
	`, agentID, includeFilled)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge gaps: %w", err)
	}
	defer rows.Close()

	gaps := []models.KnowledgeGap{}
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge gap: %w", err)
		}
		gaps = append(gaps, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate knowledge gaps: %w", err)
	}
	return gaps, nil
}

// GetGap loads one gap of the agent
func (s *Store) GetGap(ctx context.Context, agentID, gapID uuid.UUID) (*models.KnowledgeGap, error) {
	g, err := scanGap(s.db.QueryRow(ctx, `
		SELECT `+gapColumns+` FROM knowledge_gaps WHERE id = $1 AND agent_id = $2
	`, gapID, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGapNotFound
		}
		return nil, fmt.Errorf("failed to get knowledge gap: %w", err)
	}
	return g, nil
}

// CreateGap inserts a new gap with count 1
func (s *Store) CreateGap(ctx context.Context, agentID uuid.UUID, category, question, raw string) (*models.KnowledgeGap, error) {
	g, err := scanGap(s.db.QueryRow(ctx, `
		INSERT INTO knowledge_gaps (id, agent_id, category, representative_question, count, recent_questions)
		VALUES ($1, $2, $3, $4, 1, ARRAY[$5::text])
		RETURNING `+gapColumns,
		uuid.New(), agentID, category, question, raw,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create knowledge gap: %w", err)
	}
	return g, nil
}

// MergeGap counts one more occurrence of a gap in a single statement, appending raw to
// the recent questions and keeping only the newest maxRecent entries.
func (s *Store) MergeGap(ctx context.Context, agentID, gapID uuid.UUID, raw string, maxRecent int) (*models.KnowledgeGap, error) {
	if maxRecent <= 0 {
		maxRecent = 10
	}
	g, err := scanGap(s.db.QueryRow(ctx, `
		UPDATE knowledge_gaps
		SET count = count + 1,
			last_asked = NOW(),
			recent_questions = (array_append(recent_questions, $3::text))[
				GREATEST(cardinality(recent_questions) + 2 - $4::int, 1):]
		WHERE id = $1 AND agent_id = $2
		RETURNING `+gapColumns,
		gapID, agentID, raw, maxRecent,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGapNotFound
		}
		return nil, fmt.Errorf("failed to merge knowledge gap: %w", err)
	}
	return g, nil
}

// MarkGapFilled links the chunk created from an operator's answer
func (s *Store) MarkGapFilled(ctx context.Context, agentID, gapID, chunkID uuid.UUID, answer string) (*models.KnowledgeGap, error) {
	g, err := scanGap(s.db.QueryRow(ctx, `
		UPDATE knowledge_gaps
		SET filled = TRUE, filled_chunk_id = $3, answer = $4
		WHERE id = $1 AND agent_id = $2
		RETURNING `+gapColumns,
		gapID, agentID, chunkID, answer,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGapNotFound
		}
		return nil, fmt.Errorf("failed to mark knowledge gap filled: %w", err)
	}
	return g, nil
}

// WithAgentLock runs fn while holding a session advisory lock keyed on the agent, so gap
// classification for one agent is serialized across every process sharing the database.
func (s *Store) WithAgentLock(ctx context.Context, agentID uuid.UUID, fn func(ctx context.Context) error) error {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, agentID.String()); err != nil {
		return fmt.Errorf("failed to lock agent gaps: %w", err)
	}
	defer func() {
		// Unlock even when ctx is done, or the pooled connection keeps the lock
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock(hashtext($1))`, agentID.String())
	}()

	return fn(ctx)
}
