// Package gaps clusters questions the agent could not answer into knowledge gaps.
package gaps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/aimerfeng/AgentDesk/internal/logging"
	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/aimerfeng/AgentDesk/internal/monitoring"
	"github.com/aimerfeng/AgentDesk/internal/prompt"
	"github.com/aimerfeng/AgentDesk/internal/provider"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Gap errors
var (
	ErrEmptyQuestion = errors.New("unanswered question is empty")
	ErrAlreadyFilled = errors.New("knowledge gap is already filled")
	ErrEmptyAnswer   = errors.New("answer is empty")
)

// UncategorizedCategory is used when the classifier could not be consulted
const UncategorizedCategory = "Uncategorized"

const (
	maxCategoryWords = 4
	maxCategoryLen   = 100
)

// Store is the gap persistence the classifier and service need
type Store interface {
	ListGaps(ctx context.Context, agentID uuid.UUID, includeFilled bool) ([]models.KnowledgeGap, error)
	GetGap(ctx context.Context, agentID, gapID uuid.UUID) (*models.KnowledgeGap, error)
	CreateGap(ctx context.Context, agentID uuid.UUID, category, question, raw string) (*models.KnowledgeGap, error)
	MergeGap(ctx context.Context, agentID, gapID uuid.UUID, raw string, maxRecent int) (*models.KnowledgeGap, error)
	MarkGapFilled(ctx context.Context, agentID, gapID, chunkID uuid.UUID, answer string) (*models.KnowledgeGap, error)
}

// Completer is the completion half of the provider client
type Completer interface {
	Complete(ctx context.Context, req provider.CompletionRequest) (*provider.Completion, error)
}

// Result is the outcome of classifying one unanswered question
type Result struct {
	Matched                bool
	GapID                  uuid.UUID
	Category               string
	RepresentativeQuestion string
	Confidence             float64
	Count                  int64
}

// classification is the model's verdict
type classification struct {
	MatchesExisting        bool     `json:"matchesExisting"`
	ExistingGapID          *string  `json:"existingGapId"`
	Category               string   `json:"category"`
	RepresentativeQuestion string   `json:"representativeQuestion"`
	Confidence             *float64 `json:"confidence"`
}

type Classifier struct {
	store     Store
	completer Completer
	maxRecent int
	locks     agentLocks
	logger    zerolog.Logger
}

func NewClassifier(store Store, completer Completer, maxRecent int) *Classifier {
	if maxRecent <= 0 {
		maxRecent = 10
	}
	return &Classifier{
		store:     store,
		completer: completer,
		maxRecent: maxRecent,
		logger:    logging.NewLogger("gaps"),
	}
}

// Classify merges the question into an existing gap or records a new one. The count
// increment is a single statement in the store so concurrent turns cannot lose updates.
// Classifications for one agent run one at a time, in process and, when the store is an
// AgentLocker, across processes, so two askers of the same question never both create a gap.
func (c *Classifier) Classify(ctx context.Context, agentID uuid.UUID, unanswered, original string) (*Result, error) {
	question := strings.TrimSpace(unanswered)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	raw := strings.TrimSpace(original)
	if raw == "" {
		raw = question
	}

	unlock := c.locks.lock(agentID)
	defer unlock()

	locker, ok := c.store.(AgentLocker)
	if !ok {
		return c.classify(ctx, agentID, question, raw)
	}
	var res *Result
	err := locker.WithAgentLock(ctx, agentID, func(ctx context.Context) error {
		var err error
		res, err = c.classify(ctx, agentID, question, raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Classifier) classify(ctx context.Context, agentID uuid.UUID, question, raw string) (*Result, error) {
	existing, err := c.store.ListGaps(ctx, agentID, true)
	if err != nil {
		monitoring.RecordKnowledgeGap("failed")
		return nil, fmt.Errorf("failed to load knowledge gaps: %w", err)
	}

	if len(existing) == 0 {
		return c.create(ctx, agentID, defaultCategory(question), question, raw, 1)
	}

	if g := exactMatch(existing, question); g != nil {
		return c.merge(ctx, agentID, g.ID, raw, 1)
	}

	verdict, err := c.ask(ctx, existing, question, raw)
	if err != nil {
		c.logger.Warn().Err(err).Str("agent_id", agentID.String()).Msg("Gap classification failed, recording as uncategorized")
		return c.create(ctx, agentID, UncategorizedCategory, question, raw, 0)
	}

	confidence := 0.0
	if verdict.Confidence != nil {
		confidence = min(max(*verdict.Confidence, 0), 1)
	}

	if verdict.MatchesExisting && verdict.ExistingGapID != nil {
		if id, ok := findGap(existing, *verdict.ExistingGapID); ok {
			return c.merge(ctx, agentID, id, raw, confidence)
		}
		c.logger.Warn().
			Str("agent_id", agentID.String()).
			Str("gap_id", logging.SanitizeForLog(*verdict.ExistingGapID, 64)).
			Msg("Classifier matched an unknown gap, creating a new one")
	}

	category := normalizeCategory(verdict.Category)
	if category == "" {
		category = defaultCategory(question)
	}
	representative := strings.TrimSpace(verdict.RepresentativeQuestion)
	if representative == "" {
		representative = question
	}
	return c.create(ctx, agentID, category, representative, raw, confidence)
}

func (c *Classifier) ask(ctx context.Context, existing []models.KnowledgeGap, question, raw string) (*classification, error) {
	completion, err := c.completer.Complete(ctx, provider.CompletionRequest{
		Messages: []provider.Message{
			{Role: "system", Content: classifierInstruction},
			{Role: "user", Content: classifierInput(existing, question, raw)},
		},
		Temperature: 0.1,
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}
	var v classification
	if err := prompt.DecodeJSON(completion.Content, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Classifier) create(ctx context.Context, agentID uuid.UUID, category, question, raw string, confidence float64) (*Result, error) {
	g, err := c.store.CreateGap(ctx, agentID, category, question, raw)
	if err != nil {
		monitoring.RecordKnowledgeGap("failed")
		return nil, err
	}
	monitoring.RecordKnowledgeGap("created")
	c.logger.Info().Str("agent_id", agentID.String()).Str("gap_id", g.ID.String()).Str("category", category).Msg("Knowledge gap created")
	return &Result{
		GapID:                  g.ID,
		Category:               g.Category,
		RepresentativeQuestion: g.RepresentativeQuestion,
		Confidence:             confidence,
		Count:                  g.Count,
	}, nil
}

func (c *Classifier) merge(ctx context.Context, agentID, gapID uuid.UUID, raw string, confidence float64) (*Result, error) {
	g, err := c.store.MergeGap(ctx, agentID, gapID, raw, c.maxRecent)
	if err != nil {
		monitoring.RecordKnowledgeGap("failed")
		return nil, err
	}
	monitoring.RecordKnowledgeGap("merged")
	return &Result{
		Matched:                true,
		GapID:                  g.ID,
		Category:               g.Category,
		RepresentativeQuestion: g.RepresentativeQuestion,
		Confidence:             confidence,
		Count:                  g.Count,
	}, nil
}

const classifierInstruction = `You group customer questions that a support knowledge base could not answer.
Decide whether the NEW QUESTION asks essentially the same thing (at least 70% similar in meaning) as one of the
EXISTING GAPS. Rephrasings, typos and different wording of the same need count as the same gap.
Respond with one JSON object and nothing else:
{"matchesExisting": boolean, "existingGapId": string|null, "category": string,
 "representativeQuestion": string, "confidence": number}
When it matches, existingGapId is the id of the matching gap. Otherwise give a short 2-4 word category and a clear,
normalized version of the question as representativeQuestion. confidence is between 0 and 1.`

func classifierInput(existing []models.KnowledgeGap, question, raw string) string {
	var b strings.Builder
	b.WriteString("EXISTING GAPS:\n")
	for _, g := range existing {
		fmt.Fprintf(&b, "- id=%s | category=%s | question=%s | asked %d times\n",
			g.ID, g.Category, g.RepresentativeQuestion, g.Count)
	}
	fmt.Fprintf(&b, "\nNEW QUESTION: %s\n", question)
	if raw != question {
		fmt.Fprintf(&b, "ORIGINAL MESSAGE: %s\n", raw)
	}
	return b.String()
}

func findGap(existing []models.KnowledgeGap, id string) (uuid.UUID, bool) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return uuid.Nil, false
	}
	for _, g := range existing {
		if g.ID == parsed {
			return g.ID, true
		}
	}
	return uuid.Nil, false
}

func exactMatch(existing []models.KnowledgeGap, question string) *models.KnowledgeGap {
	key := NormalizeQuestion(question)
	if key == "" {
		return nil
	}
	for i := range existing {
		if NormalizeQuestion(existing[i].RepresentativeQuestion) == key {
			return &existing[i]
		}
	}
	return nil
}

// NormalizeQuestion lowercases and drops punctuation so trivially different phrasings compare equal
func NormalizeQuestion(q string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(q) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func normalizeCategory(c string) string {
	words := strings.Fields(c)
	if len(words) > maxCategoryWords {
		words = words[:maxCategoryWords]
	}
	c = strings.Join(words, " ")
	if r := []rune(c); len(r) > maxCategoryLen {
		c = string(r[:maxCategoryLen])
	}
	return c
}

// defaultCategory titles the first words of a question when no classifier verdict exists
func defaultCategory(question string) string {
	words := strings.Fields(NormalizeQuestion(question))
	if len(words) == 0 {
		return UncategorizedCategory
	}
	if len(words) > 3 {
		words = words[:3]
	}
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return normalizeCategory(strings.Join(words, " "))
}
