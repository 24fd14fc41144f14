// Package analysis scores finished conversations for the support dashboard.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aimerfeng/AgentDesk/internal/logging"
	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/aimerfeng/AgentDesk/internal/monitoring"
	"github.com/aimerfeng/AgentDesk/internal/prompt"
	"github.com/aimerfeng/AgentDesk/internal/provider"
	"github.com/rs/zerolog"
)

// MinWords is the smallest conversation worth a model call
const MinWords = 10

// ReasonTooShort marks conversations skipped for being under MinWords
const ReasonTooShort = "Too short"

// ErrAlreadyAnalyzed is returned when the conversation already has an analysis
var ErrAlreadyAnalyzed = errors.New("conversation already analyzed")

// Store reads transcripts and stores the write-once result
type Store interface {
	GetConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error)
	ListMessages(ctx context.Context, key models.ConversationKey) ([]models.Message, error)
	SaveAnalysis(ctx context.Context, key models.ConversationKey, analysis *models.Analysis) (bool, error)
}

// Completer is the completion half of the provider client
type Completer interface {
	Complete(ctx context.Context, req provider.CompletionRequest) (*provider.Completion, error)
}

type Analyzer struct {
	store     Store
	completer Completer
	logger    zerolog.Logger
}

func NewAnalyzer(store Store, completer Completer) *Analyzer {
	return &Analyzer{
		store:     store,
		completer: completer,
		logger:    logging.NewLogger("analysis"),
	}
}

// analysisContract is the model's raw answer before closed sets are applied
type analysisContract struct {
	Summary        string   `json:"summary"`
	MainCategory   string   `json:"mainCategory"`
	SubCategory    string   `json:"subCategory"`
	SentimentScore *float64 `json:"sentimentScore"`
	Intent         string   `json:"intent"`
	Urgency        string   `json:"urgency"`
	KeyTopics      []string `json:"keyTopics"`
	Resolved       bool     `json:"resolved"`
}

// Analyze scores the conversation once. Conversations under MinWords are stored as
// skipped without calling the model, and analyzed conversations are never sent again.
func (a *Analyzer) Analyze(ctx context.Context, key models.ConversationKey) (*models.Analysis, error) {
	conv, err := a.store.GetConversation(ctx, key)
	if err != nil {
		monitoring.RecordAnalysis("failed")
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv.Analyzed {
		monitoring.RecordAnalysis("duplicate")
		return nil, ErrAlreadyAnalyzed
	}

	msgs, err := a.store.ListMessages(ctx, key)
	if err != nil {
		monitoring.RecordAnalysis("failed")
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}

	var result *models.Analysis
	if WordCount(msgs) < MinWords {
		result = &models.Analysis{
			Skipped:        true,
			Reason:         ReasonTooShort,
			MainCategory:   models.CategoryOther,
			Urgency:        models.UrgencyUnknown,
			SentimentScore: 5,
			KeyTopics:      []string{},
		}
	} else {
		result, err = a.score(ctx, msgs)
		if err != nil {
			monitoring.RecordAnalysis("failed")
			return nil, err
		}
	}

	saved, err := a.store.SaveAnalysis(ctx, key, result)
	if err != nil {
		monitoring.RecordAnalysis("failed")
		return nil, err
	}
	// Another run stored its analysis between the check and the save
	if !saved {
		monitoring.RecordAnalysis("duplicate")
		return nil, ErrAlreadyAnalyzed
	}

	if result.Skipped {
		monitoring.RecordAnalysis("skipped")
	} else {
		monitoring.RecordAnalysis("completed")
	}
	a.logger.Info().
		Str("agent_id", key.AgentID.String()).
		Str("conversation_id", key.ConversationID).
		Bool("skipped", result.Skipped).
		Str("category", string(result.MainCategory)).
		Msg("Conversation analyzed")
	return result, nil
}

func (a *Analyzer) score(ctx context.Context, msgs []models.Message) (*models.Analysis, error) {
	completion, err := a.completer.Complete(ctx, provider.CompletionRequest{
		Messages: []provider.Message{
			{Role: "system", Content: analyzerInstruction},
			{Role: "user", Content: Transcript(msgs)},
		},
		Temperature: 0.2,
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}

	var c analysisContract
	if err := prompt.DecodeJSON(completion.Content, &c); err != nil {
		a.logger.Warn().Str("raw", logging.SanitizeForLog(completion.Content, 200)).Msg("Analysis reply was not valid JSON")
		return nil, err
	}
	return c.toAnalysis(), nil
}

func (c *analysisContract) toAnalysis() *models.Analysis {
	sentiment := 5
	if c.SentimentScore != nil {
		sentiment = int(math.Round(min(max(*c.SentimentScore, 1), 10)))
	}
	topics := make([]string, 0, len(c.KeyTopics))
	for _, t := range c.KeyTopics {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return &models.Analysis{
		Summary:        strings.TrimSpace(c.Summary),
		MainCategory:   models.ParseMainCategory(c.MainCategory),
		SubCategory:    strings.TrimSpace(c.SubCategory),
		SentimentScore: sentiment,
		Intent:         strings.TrimSpace(c.Intent),
		Urgency:        models.ParseUrgency(c.Urgency),
		KeyTopics:      topics,
		Resolved:       c.Resolved,
	}
}

const analyzerInstruction = `You analyze customer support conversations.
Read the transcript and respond with one JSON object and nothing else:
{"summary": string, "mainCategory": "Feedback"|"Question"|"Support Request"|"Sales Inquiry"|"Bug Report"|"General",
 "subCategory": string, "sentimentScore": integer 1-10, "intent": string, "urgency": "low"|"medium"|"high",
 "keyTopics": [string], "resolved": boolean}
summary is one or two sentences. sentimentScore 1 is very negative, 10 is very positive.
resolved is true only if the customer's need was fully met in the conversation.`

// Transcript renders messages as "Customer:"/"Assistant:" lines in order
func Transcript(msgs []models.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		speaker := "Customer"
		if m.Role == models.RoleAssistant {
			speaker = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, strings.TrimSpace(m.Content))
	}
	return b.String()
}

// WordCount counts whitespace-separated words across all messages
func WordCount(msgs []models.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(strings.Fields(m.Content))
	}
	return n
}
