package models

import (
	"time"

	"github.com/google/uuid"
)

// TrainingStatus represents the state of an agent's knowledge base
type TrainingStatus string

const (
	TrainingStatusUntrained TrainingStatus = "untrained"
	TrainingStatusTraining  TrainingStatus = "training"
	TrainingStatusTrained   TrainingStatus = "trained"
	TrainingStatusError     TrainingStatus = "error"
)

// Tenant owns agents and carries the usage counter for the current billing period
type Tenant struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Plan         string    `json:"plan" db:"plan"`
	MessagesUsed int64     `json:"messages_used" db:"messages_used"`
	MessageLimit int64     `json:"message_limit" db:"message_limit"`
	PeriodStart  time.Time `json:"period_start" db:"period_start"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Unlimited reports whether the tenant's plan has no message cap
func (t *Tenant) Unlimited() bool {
	return t.MessageLimit <= 0
}

// Agent represents a configured support assistant
type Agent struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	TenantID       uuid.UUID      `json:"tenant_id" db:"tenant_id"`
	Name           string         `json:"name" db:"name"`
	AllowedDomains []string       `json:"allowed_domains" db:"allowed_domains"`
	HMACSecret     *string        `json:"-" db:"hmac_secret"`
	WebsiteURL     *string        `json:"website_url,omitempty" db:"website_url"`
	TrainingStatus TrainingStatus `json:"training_status" db:"training_status"`
	TotalChunks    int            `json:"total_chunks" db:"total_chunks"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// Secret returns the agent's HMAC secret or an empty string
func (a *Agent) Secret() string {
	if a.HMACSecret == nil {
		return ""
	}
	return *a.HMACSecret
}

// CreateAgentRequest represents the operator request to set up an agent
type CreateAgentRequest struct {
	Name           string   `json:"name" binding:"required,min=1,max=100"`
	AllowedDomains []string `json:"allowed_domains"`
	HMACSecret     *string  `json:"hmac_secret,omitempty"`
	WebsiteURL     *string  `json:"website_url,omitempty"`
}
