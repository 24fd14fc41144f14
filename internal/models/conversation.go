package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ShouldAnalyze is the model's verdict on whether a conversation is worth analyzing
type ShouldAnalyze string

const (
	ShouldAnalyzeFalse   ShouldAnalyze = "false"
	ShouldAnalyzePending ShouldAnalyze = "pending"
	ShouldAnalyzeTrue    ShouldAnalyze = "true"
)

// ParseShouldAnalyze maps free-form model output onto the closed set, defaulting to false
func ParseShouldAnalyze(v string) ShouldAnalyze {
	switch ShouldAnalyze(strings.ToLower(strings.TrimSpace(v))) {
	case ShouldAnalyzeTrue:
		return ShouldAnalyzeTrue
	case ShouldAnalyzePending:
		return ShouldAnalyzePending
	default:
		return ShouldAnalyzeFalse
	}
}

// Role is the author of a conversation turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is one visitor's identity scope for an agent
type Session struct {
	AgentID           uuid.UUID      `json:"agent_id" db:"agent_id"`
	UserID            string         `json:"user_id" db:"user_id"`
	FirstSeen         time.Time      `json:"first_seen" db:"first_seen"`
	LastSeen          time.Time      `json:"last_seen" db:"last_seen"`
	Metadata          map[string]any `json:"metadata,omitempty" db:"metadata"`
	ConversationCount int            `json:"conversation_count" db:"conversation_count"`
}

// Conversation is one bounded exchange within a session
type Conversation struct {
	AgentID       uuid.UUID     `json:"agent_id" db:"agent_id"`
	UserID        string        `json:"user_id" db:"user_id"`
	ID            string        `json:"id" db:"id"`
	StartedAt     time.Time     `json:"started_at" db:"started_at"`
	LastMessageAt time.Time     `json:"last_message_at" db:"last_message_at"`
	ShouldAnalyze ShouldAnalyze `json:"should_analyze" db:"should_analyze"`
	Analyzed      bool          `json:"analyzed" db:"analyzed"`
	Analysis      *Analysis     `json:"analysis,omitempty" db:"analysis"`
	AnalyzedAt    *time.Time    `json:"analyzed_at,omitempty" db:"analyzed_at"`
}

// ConversationKey addresses a conversation under its agent and session
type ConversationKey struct {
	AgentID        uuid.UUID
	UserID         string
	ConversationID string
}

// RelevanceTrace records which chunk contributed to an assistant answer
type RelevanceTrace struct {
	ChunkID      uuid.UUID `json:"chunk_id"`
	DocumentName string    `json:"document_name"`
	Similarity   float64   `json:"similarity"`
}

// Message is one immutable turn
type Message struct {
	ID        uuid.UUID        `json:"id" db:"id"`
	Role      Role             `json:"role" db:"role"`
	Content   string           `json:"content" db:"content"`
	Relevance []RelevanceTrace `json:"relevance,omitempty" db:"relevance"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// MainCategory is the closed set of conversation categories
type MainCategory string

const (
	CategoryFeedback       MainCategory = "Feedback"
	CategoryQuestion       MainCategory = "Question"
	CategorySupportRequest MainCategory = "Support Request"
	CategorySalesInquiry   MainCategory = "Sales Inquiry"
	CategoryBugReport      MainCategory = "Bug Report"
	CategoryGeneral        MainCategory = "General"
	CategoryOther          MainCategory = "Other"
)

var mainCategories = []MainCategory{
	CategoryFeedback, CategoryQuestion, CategorySupportRequest,
	CategorySalesInquiry, CategoryBugReport, CategoryGeneral,
}

// ParseMainCategory matches case-insensitively, falling back to Other
func ParseMainCategory(v string) MainCategory {
	v = strings.TrimSpace(v)
	for _, c := range mainCategories {
		if strings.EqualFold(v, string(c)) {
			return c
		}
	}
	return CategoryOther
}

// Urgency of a conversation as judged by the analyzer
type Urgency string

const (
	UrgencyLow     Urgency = "low"
	UrgencyMedium  Urgency = "medium"
	UrgencyHigh    Urgency = "high"
	UrgencyUnknown Urgency = "unknown"
)

func ParseUrgency(v string) Urgency {
	switch Urgency(strings.ToLower(strings.TrimSpace(v))) {
	case UrgencyLow:
		return UrgencyLow
	case UrgencyMedium:
		return UrgencyMedium
	case UrgencyHigh:
		return UrgencyHigh
	default:
		return UrgencyUnknown
	}
}

// Analysis is the write-once result of scoring a conversation
type Analysis struct {
	Summary        string       `json:"summary"`
	MainCategory   MainCategory `json:"mainCategory"`
	SubCategory    string       `json:"subCategory"`
	SentimentScore int          `json:"sentimentScore"`
	Intent         string       `json:"intent"`
	Urgency        Urgency      `json:"urgency"`
	KeyTopics      []string     `json:"keyTopics"`
	Resolved       bool         `json:"resolved"`
	Skipped        bool         `json:"skipped,omitempty"`
	Reason         string       `json:"reason,omitempty"`
}
