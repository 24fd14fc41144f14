package store

import (
	"context"
	"fmt"

	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/google/uuid"
)

// RecordSecurityAlert stores a blocked widget request
func (s *Store) RecordSecurityAlert(ctx context.Context, alert *models.SecurityAlert) error {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO security_alerts (id, agent_id, type, origin, message)
		VALUES ($1, $2, $3, $4, $5)
	`, alert.ID, alert.AgentID, alert.Type, alert.Origin, alert.Message)
	if err != nil {
		return fmt.Errorf("failed to record security alert: %w", err)
	}
	return nil
}

// ListSecurityAlerts returns the agent's most recent alerts
func (s *Store) ListSecurityAlerts(ctx context.Context, agentID uuid.UUID, limit int) ([]models.SecurityAlert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, type, origin, message, created_at
		FROM security_alerts
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list security alerts: %w", err)
	}
	defer rows.Close()

	alerts := []models.SecurityAlert{}
	for rows.Next() {
		var a models.SecurityAlert
		if err := rows.Scan(&a.ID, &a.AgentID, &a.Type, &a.Origin, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan security alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// RecordChatEvent stores an error observed on the chat path
func (s *Store) RecordChatEvent(ctx context.Context, event *models.ChatEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat_events (id, agent_id, tenant_id, user_id, conversation_id, type, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ID, event.AgentID, event.TenantID, event.UserID, event.ConversationID, event.Type, event.Detail)
	if err != nil {
		return fmt.Errorf("failed to record chat event: %w", err)
	}
	return nil
}

// RecordProviderCall stores one outbound provider call with its cost
func (s *Store) RecordProviderCall(ctx context.Context, call *models.ProviderCall) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO provider_calls (id, agent_id, operation, provider, model, input_tokens, output_tokens,
			latency_ms, status, error_code, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, call.ID, call.AgentID, call.Operation, call.Provider, call.Model, call.InputTokens, call.OutputTokens,
		call.LatencyMs, call.Status, call.ErrorCode, call.CostUSD, call.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record provider call: %w", err)
	}
	return nil
}
