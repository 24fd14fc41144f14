package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CallStatus represents the outcome of a provider call
type CallStatus string

const (
	CallStatusSuccess     CallStatus = "success"
	CallStatusError       CallStatus = "error"
	CallStatusTimeout     CallStatus = "timeout"
	CallStatusRateLimited CallStatus = "rate_limited"
)

// ProviderCall is one outbound completion or embedding call
type ProviderCall struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	AgentID      *uuid.UUID      `json:"agent_id,omitempty" db:"agent_id"`
	Operation    string          `json:"operation" db:"operation"`
	Provider     string          `json:"provider" db:"provider"`
	Model        string          `json:"model" db:"model"`
	InputTokens  int             `json:"input_tokens" db:"input_tokens"`
	OutputTokens int             `json:"output_tokens" db:"output_tokens"`
	LatencyMs    int             `json:"latency_ms" db:"latency_ms"`
	Status       CallStatus      `json:"status" db:"status"`
	ErrorCode    *string         `json:"error_code,omitempty" db:"error_code"`
	CostUSD      decimal.Decimal `json:"cost_usd" db:"cost_usd"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// SecurityAlertType names the kind of rejected widget request
type SecurityAlertType string

const (
	AlertDomainRejected   SecurityAlertType = "domain_rejected"
	AlertSignatureInvalid SecurityAlertType = "signature_invalid"
	AlertTimestampExpired SecurityAlertType = "timestamp_expired"
)

// SecurityAlert records a blocked chat request
type SecurityAlert struct {
	ID        uuid.UUID         `json:"id" db:"id"`
	AgentID   uuid.UUID         `json:"agent_id" db:"agent_id"`
	Type      SecurityAlertType `json:"type" db:"type"`
	Origin    string            `json:"origin" db:"origin"`
	Message   string            `json:"message" db:"message"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// ChatEventType names an observable failure on the chat path
type ChatEventType string

const (
	ChatEventProviderError  ChatEventType = "provider_error"
	ChatEventRetrievalError ChatEventType = "retrieval_error"
	ChatEventPersistError   ChatEventType = "persist_error"
	ChatEventQuotaError     ChatEventType = "quota_error"
)

// ChatEvent records an error against a session and tenant
type ChatEvent struct {
	ID             uuid.UUID     `json:"id" db:"id"`
	AgentID        uuid.UUID     `json:"agent_id" db:"agent_id"`
	TenantID       uuid.UUID     `json:"tenant_id" db:"tenant_id"`
	UserID         string        `json:"user_id" db:"user_id"`
	ConversationID string        `json:"conversation_id" db:"conversation_id"`
	Type           ChatEventType `json:"type" db:"type"`
	Detail         string        `json:"detail" db:"detail"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}
