package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/jackc/pgx/v5"
)

// TurnRecord is everything persisted for one delivered chat turn
type TurnRecord struct {
	Key           models.ConversationKey
	Metadata      map[string]any
	Messages      []models.Message
	ShouldAnalyze models.ShouldAnalyze
}

// TurnResult reports what SaveTurn created
type TurnResult struct {
	NewSession      bool
	NewConversation bool
}

// SaveTurn upserts the session, lazily creates the conversation and appends the turn's
// messages in one transaction. The conversation row is locked so message timestamps
// stay non-decreasing when turns for the same conversation race.
func (s *Store) SaveTurn(ctx context.Context, rec *TurnRecord) (*TurnResult, error) {
	metadata, err := json.Marshal(nonNilMap(rec.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	result := &TurnResult{}
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		k := rec.Key

		if err := tx.QueryRow(ctx, `
			INSERT INTO sessions (agent_id, user_id, metadata)
			VALUES ($1, $2, $3)
			ON CONFLICT (agent_id, user_id)
			DO UPDATE SET last_seen = NOW(), metadata = sessions.metadata || EXCLUDED.metadata
			RETURNING xmax = 0
		`, k.AgentID, k.UserID, metadata).Scan(&result.NewSession); err != nil {
			return fmt.Errorf("failed to upsert session: %w", err)
		}

		started := time.Now()
		if len(rec.Messages) > 0 && !rec.Messages[0].CreatedAt.IsZero() {
			started = rec.Messages[0].CreatedAt
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO conversations (agent_id, user_id, id, started_at, last_message_at)
			VALUES ($1, $2, $3, $4, $4)
			ON CONFLICT DO NOTHING
		`, k.AgentID, k.UserID, k.ConversationID, started)
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		if tag.RowsAffected() == 1 {
			result.NewConversation = true
			if _, err := tx.Exec(ctx, `
				UPDATE sessions SET conversation_count = conversation_count + 1
				WHERE agent_id = $1 AND user_id = $2
			`, k.AgentID, k.UserID); err != nil {
				return fmt.Errorf("failed to count conversation: %w", err)
			}
		}

		var floor time.Time
		if err := tx.QueryRow(ctx, `
			SELECT last_message_at FROM conversations
			WHERE agent_id = $1 AND user_id = $2 AND id = $3
			FOR UPDATE
		`, k.AgentID, k.UserID, k.ConversationID).Scan(&floor); err != nil {
			return fmt.Errorf("failed to lock conversation: %w", err)
		}

		msgs := ClampMonotonic(floor, rec.Messages)
		for _, m := range msgs {
			relevance, err := relevanceArg(m.Relevance)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO messages (id, agent_id, user_id, conversation_id, role, content, relevance, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, m.ID, k.AgentID, k.UserID, k.ConversationID, m.Role, m.Content, relevance, m.CreatedAt); err != nil {
				return fmt.Errorf("failed to append message: %w", err)
			}
		}

		last := floor
		if len(msgs) > 0 {
			last = msgs[len(msgs)-1].CreatedAt
		}
		if _, err := tx.Exec(ctx, `
			UPDATE conversations
			SET last_message_at = $4,
				should_analyze = CASE WHEN should_analyze = 'true' THEN should_analyze ELSE $5 END
			WHERE agent_id = $1 AND user_id = $2 AND id = $3
		`, k.AgentID, k.UserID, k.ConversationID, last, shouldAnalyzeOrFalse(rec.ShouldAnalyze)); err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetConversation loads a conversation's state
func (s *Store) GetConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	return getConversation(ctx, s.db, key)
}

func getConversation(ctx context.Context, q querier, key models.ConversationKey) (*models.Conversation, error) {
	var c models.Conversation
	var analysis []byte
	err := q.QueryRow(ctx, `
		SELECT agent_id, user_id, id, started_at, last_message_at, should_analyze, analyzed, analysis, analyzed_at
		FROM conversations
		WHERE agent_id = $1 AND user_id = $2 AND id = $3
	`, key.AgentID, key.UserID, key.ConversationID).Scan(
		&c.AgentID, &c.UserID, &c.ID, &c.StartedAt, &c.LastMessageAt, &c.ShouldAnalyze,
		&c.Analyzed, &analysis, &c.AnalyzedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if len(analysis) > 0 {
		c.Analysis = &models.Analysis{}
		if err := json.Unmarshal(analysis, c.Analysis); err != nil {
			return nil, fmt.Errorf("failed to decode analysis: %w", err)
		}
	}
	return &c, nil
}

// ListMessages returns every message of a conversation in arrival order
func (s *Store) ListMessages(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, role, content, relevance, created_at
		FROM messages
		WHERE agent_id = $1 AND user_id = $2 AND conversation_id = $3
		ORDER BY created_at, seq
	`, key.AgentID, key.UserID, key.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return scanMessages(rows)
}

// RecentMessages returns the last n messages of a conversation in arrival order
func (s *Store) RecentMessages(ctx context.Context, key models.ConversationKey, n int) ([]models.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, role, content, relevance, created_at
		FROM messages
		WHERE agent_id = $1 AND user_id = $2 AND conversation_id = $3
		ORDER BY created_at DESC, seq DESC
		LIMIT $4
	`, key.AgentID, key.UserID, key.ConversationID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func scanMessages(rows pgx.Rows) ([]models.Message, error) {
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var m models.Message
		var relevance []byte
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &relevance, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(relevance) > 0 {
			if err := json.Unmarshal(relevance, &m.Relevance); err != nil {
				return nil, fmt.Errorf("failed to decode relevance: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return msgs, nil
}

// SaveAnalysis stores the analysis once. It reports false when the conversation was
// already analyzed, leaving the earlier result in place.
func (s *Store) SaveAnalysis(ctx context.Context, key models.ConversationKey, analysis *models.Analysis) (bool, error) {
	payload, err := json.Marshal(analysis)
	if err != nil {
		return false, fmt.Errorf("failed to marshal analysis: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET analyzed = TRUE, analysis = $4, analyzed_at = NOW()
		WHERE agent_id = $1 AND user_id = $2 AND id = $3 AND analyzed = FALSE
	`, key.AgentID, key.UserID, key.ConversationID, payload)
	if err != nil {
		return false, fmt.Errorf("failed to save analysis: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClampMonotonic returns msgs with timestamps raised so none precedes floor or its
// predecessor. Zero timestamps take the floor.
func ClampMonotonic(floor time.Time, msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		if m.CreatedAt.Before(floor) {
			m.CreatedAt = floor
		}
		floor = m.CreatedAt
		out[i] = m
	}
	return out
}

func relevanceArg(r []models.RelevanceTrace) (any, error) {
	if len(r) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal relevance: %w", err)
	}
	return b, nil
}

func shouldAnalyzeOrFalse(v models.ShouldAnalyze) models.ShouldAnalyze {
	if v == "" {
		return models.ShouldAnalyzeFalse
	}
	return v
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
