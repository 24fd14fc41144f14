// Package chat answers widget messages. Handle runs the turn as a fixed sequence of
// stages; the first four reject the request, the rest degrade to a fallback reply.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/agent"
	"github.com/aimerfeng/AgentDesk/internal/analysis"
	"github.com/aimerfeng/AgentDesk/internal/cache"
	"github.com/aimerfeng/AgentDesk/internal/knowledge"
	"github.com/aimerfeng/AgentDesk/internal/logging"
	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/aimerfeng/AgentDesk/internal/monitoring"
	"github.com/aimerfeng/AgentDesk/internal/prompt"
	"github.com/aimerfeng/AgentDesk/internal/provider"
	"github.com/aimerfeng/AgentDesk/internal/security"
	"github.com/aimerfeng/AgentDesk/internal/store"
	"github.com/aimerfeng/AgentDesk/internal/tasks"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Chat errors
var (
	ErrInvalidRequest = errors.New("invalid chat request")
	ErrPersist        = errors.New("failed to persist chat turn")
)

const (
	// NoKnowledgeReply is sent when the agent has nothing to retrieve from
	NoKnowledgeReply = "I'm not able to help with questions yet because my knowledge base is still empty. Please check back soon or contact the site owner directly."
	// FallbackReply is sent when retrieval or the model fails
	FallbackReply = "I'm sorry, I'm having trouble answering right now. Please try again in a moment."
)

// MaxMessageLength caps a visitor message in runes
const MaxMessageLength = 4000

// VisitorRateLimitedError is returned when one visitor sends too many messages
type VisitorRateLimitedError struct {
	RetryAfter time.Duration
}

func (e *VisitorRateLimitedError) Error() string {
	return fmt.Sprintf("too many messages, retry after %s", e.RetryAfter)
}

// AgentLoader looks up the agent a widget belongs to
type AgentLoader interface {
	GetByID(ctx context.Context, agentID uuid.UUID) (*models.Agent, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, agent *models.Agent, req security.Request) error
}

// QuotaGuard rejects exhausted tenants and bills delivered replies
type QuotaGuard interface {
	Check(ctx context.Context, tenantID uuid.UUID) error
	Increment(ctx context.Context, tenantID uuid.UUID) error
}

type Retriever interface {
	HasKnowledge(ctx context.Context, agentID uuid.UUID) (bool, error)
	Search(ctx context.Context, agentID uuid.UUID, query []float32, k int) ([]models.ScoredChunk, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Responder interface {
	Respond(ctx context.Context, in prompt.Input) (*prompt.Reply, error)
}

// Store persists turns and chat-path failures
type Store interface {
	SaveTurn(ctx context.Context, rec *store.TurnRecord) (*store.TurnResult, error)
	RecentMessages(ctx context.Context, key models.ConversationKey, n int) ([]models.Message, error)
	RecordChatEvent(ctx context.Context, event *models.ChatEvent) error
}

type Analyzer interface {
	Analyze(ctx context.Context, key models.ConversationKey) (*models.Analysis, error)
}

// HistoryCache holds recent turns between requests
type HistoryCache interface {
	Get(ctx context.Context, key models.ConversationKey) ([]models.Turn, bool, error)
	Set(ctx context.Context, key models.ConversationKey, turns []models.Turn) error
	Invalidate(ctx context.Context, key models.ConversationKey) error
}

// VisitorLimiter throttles single visitors
type VisitorLimiter interface {
	Check(ctx context.Context, agentID, visitor string) (*cache.RateLimitResult, error)
}

// Dependencies are the collaborators of an Orchestrator. History, Limiter and Tasks are optional.
type Dependencies struct {
	Agents    AgentLoader
	Gate      Authorizer
	Quota     QuotaGuard
	Retriever Retriever
	Embedder  Embedder
	Responder Responder
	Store     Store
	Analyzer  Analyzer
	History   HistoryCache
	Limiter   VisitorLimiter
	Tasks     tasks.Submitter
}

// Options tune retrieval and history
type Options struct {
	TopK       int
	MaxHistory int
}

// Orchestrator runs chat turns
type Orchestrator struct {
	deps       Dependencies
	topK       int
	maxHistory int
	now        func() time.Time
	logger     zerolog.Logger
}

func NewOrchestrator(deps Dependencies, opts Options) *Orchestrator {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 10
	}
	return &Orchestrator{
		deps:       deps,
		topK:       opts.TopK,
		maxHistory: opts.MaxHistory,
		now:        time.Now,
		logger:     logging.NewLogger("chat"),
	}
}

// turn carries per-request state between stages
type turn struct {
	req        *models.ChatRequest
	message    string
	agent      *models.Agent
	key        models.ConversationKey
	receivedAt time.Time
	history    []models.Turn
	chunks     []models.ScoredChunk
	reply      *prompt.Reply
	logger     zerolog.Logger
}

// Handle answers one widget message
func (o *Orchestrator) Handle(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error) {
	t := &turn{req: req, receivedAt: o.now()}

	agentID, message, err := validate(req)
	if err != nil {
		monitoring.RecordChatTurn("rejected")
		return nil, err
	}
	t.message = message

	t.agent, err = o.deps.Agents.GetByID(ctx, agentID)
	if err != nil {
		monitoring.RecordChatTurn("rejected")
		return nil, err
	}
	t.key = conversationKey(agentID, req)
	t.logger = o.logger.With().
		Str("agent_id", agentID.String()).
		Str("user_id", t.key.UserID).
		Str("conversation_id", t.key.ConversationID).
		Logger()

	if err := o.deps.Gate.Authorize(ctx, t.agent, security.Request{
		Origin:    req.Origin,
		Message:   req.Message,
		HMAC:      req.HMAC,
		Timestamp: req.Timestamp,
	}); err != nil {
		monitoring.RecordChatTurn("rejected")
		return nil, err
	}

	if err := o.checkVisitor(ctx, t); err != nil {
		monitoring.RecordChatTurn("rejected")
		return nil, err
	}

	if err := o.deps.Quota.Check(ctx, t.agent.TenantID); err != nil {
		monitoring.RecordChatTurn("rejected")
		return nil, err
	}

	ctx = provider.WithAgentID(ctx, agentID)

	ok, err := o.deps.Retriever.HasKnowledge(ctx, agentID)
	if err != nil {
		return o.fallback(ctx, t, models.ChatEventRetrievalError, err), nil
	}
	if !ok {
		return o.noKnowledge(t), nil
	}

	query, err := o.deps.Embedder.Embed(ctx, t.message)
	if err != nil {
		return o.fallback(ctx, t, models.ChatEventProviderError, fmt.Errorf("failed to embed query: %w", err)), nil
	}

	t.chunks, err = o.deps.Retriever.Search(ctx, agentID, query, o.topK)
	if errors.Is(err, knowledge.ErrNoKnowledgeBase) {
		return o.noKnowledge(t), nil
	}
	if err != nil {
		return o.fallback(ctx, t, models.ChatEventRetrievalError, err), nil
	}

	t.history = o.loadHistory(ctx, t)
	t.reply, err = o.deps.Responder.Respond(ctx, prompt.Input{
		Context: prompt.Context{
			AgentName: t.agent.Name,
			Chunks:    t.chunks,
			Session:   req.SessionData,
		},
		History: t.history,
		Message: t.message,
	})
	if err != nil {
		return o.fallback(ctx, t, models.ChatEventProviderError, err), nil
	}

	if err := o.persist(ctx, t); err != nil {
		o.recordEvent(ctx, t, models.ChatEventPersistError, err)
		monitoring.RecordChatTurn("failed")
		return nil, err
	}

	if t.reply.ShouldAnalyze == models.ShouldAnalyzeTrue {
		o.analyze(ctx, t)
	}
	if t.reply.KnowledgeGapDetected && t.reply.UnansweredQuestion != nil {
		o.submitGap(ctx, t)
	}

	if err := o.deps.Quota.Increment(ctx, t.agent.TenantID); err != nil {
		t.logger.Error().Err(err).Str("tenant_id", t.agent.TenantID.String()).Msg("Failed to increment usage")
		o.recordEvent(ctx, t, models.ChatEventQuotaError, err)
	}

	monitoring.RecordChatTurn("answered")
	t.logger.Info().
		Int("chunks", len(t.chunks)).
		Str("should_analyze", string(t.reply.ShouldAnalyze)).
		Bool("knowledge_gap", t.reply.KnowledgeGapDetected).
		Bool("parsed", t.reply.Parsed()).
		Dur("duration", o.now().Sub(t.receivedAt)).
		Msg("Chat turn answered")

	return &models.ChatResponse{
		Response:        t.reply.Text,
		SessionID:       t.key.ConversationID,
		RelevantSources: RelevantSources(t.chunks),
	}, nil
}

// validate returns the agent id and the trimmed message. req.Message is left as sent,
// since the widget signs the raw text.
func validate(req *models.ChatRequest) (uuid.UUID, string, error) {
	if req == nil {
		return uuid.Nil, "", fmt.Errorf("%w: request body is required", ErrInvalidRequest)
	}
	message := strings.TrimSpace(req.Message)
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return uuid.Nil, "", fmt.Errorf("%w: agentId is required", ErrInvalidRequest)
	}
	if message == "" {
		return uuid.Nil, "", fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if len([]rune(message)) > MaxMessageLength {
		return uuid.Nil, "", fmt.Errorf("%w: message exceeds %d characters", ErrInvalidRequest, MaxMessageLength)
	}
	// Agent ids that are not UUIDs cannot exist
	id, err := uuid.Parse(agentID)
	if err != nil {
		return uuid.Nil, "", agent.ErrAgentNotFound
	}
	return id, message, nil
}

// conversationKey picks the visitor identity: anonymous id, then the widget's user id,
// then the session id. The session id doubles as the conversation id.
func conversationKey(agentID uuid.UUID, req *models.ChatRequest) models.ConversationKey {
	conversationID := strings.TrimSpace(req.SessionID)
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	userID := ""
	if req.AnonymousUserID != nil {
		userID = strings.TrimSpace(*req.AnonymousUserID)
	}
	if userID == "" && req.SessionData != nil {
		userID = strings.TrimSpace(req.SessionData.UserID)
	}
	if userID == "" {
		userID = conversationID
	}
	return models.ConversationKey{AgentID: agentID, UserID: userID, ConversationID: conversationID}
}

func (o *Orchestrator) checkVisitor(ctx context.Context, t *turn) error {
	if o.deps.Limiter == nil {
		return nil
	}
	res, err := o.deps.Limiter.Check(ctx, t.key.AgentID.String(), t.key.UserID)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Visitor rate limit check failed")
		return nil
	}
	if !res.Allowed {
		return &VisitorRateLimitedError{RetryAfter: res.RetryAfter}
	}
	return nil
}

func (o *Orchestrator) noKnowledge(t *turn) *models.ChatResponse {
	monitoring.RecordChatTurn("no_knowledge")
	t.logger.Info().Msg("Agent has no knowledge base, sending canned reply")
	return &models.ChatResponse{
		Response:        NoKnowledgeReply,
		SessionID:       t.key.ConversationID,
		RelevantSources: []string{},
	}
}

// fallback answers with the apology and records what went wrong. Nothing is persisted or billed.
func (o *Orchestrator) fallback(ctx context.Context, t *turn, kind models.ChatEventType, cause error) *models.ChatResponse {
	monitoring.RecordChatTurn("fallback")
	t.logger.Error().Err(cause).Str("event", string(kind)).Msg("Chat turn degraded to fallback reply")
	o.recordEvent(ctx, t, kind, cause)
	return &models.ChatResponse{
		Response:        FallbackReply,
		SessionID:       t.key.ConversationID,
		RelevantSources: []string{},
	}
}

func (o *Orchestrator) recordEvent(ctx context.Context, t *turn, kind models.ChatEventType, cause error) {
	event := &models.ChatEvent{
		ID:             uuid.New(),
		AgentID:        t.key.AgentID,
		TenantID:       t.agent.TenantID,
		UserID:         t.key.UserID,
		ConversationID: t.key.ConversationID,
		Type:           kind,
		Detail:         logging.SanitizeForLog(cause.Error(), 500),
		CreatedAt:      o.now(),
	}
	// The request context may already be past its deadline
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.deps.Store.RecordChatEvent(recordCtx, event); err != nil {
		t.logger.Error().Err(err).Str("event", string(kind)).Msg("Failed to record chat event")
	}
}

// loadHistory prefers the widget's own history, then the cache, then the stored conversation
func (o *Orchestrator) loadHistory(ctx context.Context, t *turn) []models.Turn {
	if len(t.req.ConversationHistory) > 0 {
		return t.req.ConversationHistory
	}

	if o.deps.History != nil {
		turns, ok, err := o.deps.History.Get(ctx, t.key)
		if err != nil {
			monitoring.RecordHistoryCache("error")
			t.logger.Warn().Err(err).Msg("History cache read failed")
		} else if ok {
			monitoring.RecordHistoryCache("hit")
			return turns
		} else {
			monitoring.RecordHistoryCache("miss")
		}
	}

	msgs, err := o.deps.Store.RecentMessages(ctx, t.key, o.maxHistory)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to load stored history")
		return nil
	}
	turns := make([]models.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, models.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

func (o *Orchestrator) persist(ctx context.Context, t *turn) error {
	traces := make([]models.RelevanceTrace, 0, len(t.chunks))
	for _, c := range t.chunks {
		traces = append(traces, models.RelevanceTrace{
			ChunkID:      c.Chunk.ID,
			DocumentName: c.Chunk.DocumentName,
			Similarity:   c.Similarity,
		})
	}

	answeredAt := o.now()
	rec := &store.TurnRecord{
		Key:      t.key,
		Metadata: sessionMetadata(t.req.SessionData),
		Messages: []models.Message{
			{ID: uuid.New(), Role: models.RoleUser, Content: t.message, CreatedAt: t.receivedAt},
			{ID: uuid.New(), Role: models.RoleAssistant, Content: t.reply.Text, Relevance: traces, CreatedAt: answeredAt},
		},
		ShouldAnalyze: t.reply.ShouldAnalyze,
	}
	if _, err := o.deps.Store.SaveTurn(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	if o.deps.History != nil {
		turns := append(append([]models.Turn{}, t.history...),
			models.Turn{Role: models.RoleUser, Content: t.message},
			models.Turn{Role: models.RoleAssistant, Content: t.reply.Text},
		)
		if len(turns) > o.maxHistory {
			turns = turns[len(turns)-o.maxHistory:]
		}
		if err := o.deps.History.Set(ctx, t.key, turns); err != nil {
			t.logger.Warn().Err(err).Msg("History cache write failed")
			_ = o.deps.History.Invalidate(ctx, t.key)
		}
	}
	return nil
}

// analyze runs inline so the result is stored before the response, but never fails the turn
func (o *Orchestrator) analyze(ctx context.Context, t *turn) {
	if o.deps.Analyzer == nil {
		return
	}
	result, err := o.deps.Analyzer.Analyze(ctx, t.key)
	if errors.Is(err, analysis.ErrAlreadyAnalyzed) {
		t.logger.Debug().Msg("Conversation already analyzed")
		return
	}
	if err != nil {
		t.logger.Error().Err(err).Msg("Conversation analysis failed")
		return
	}
	t.logger.Info().
		Bool("skipped", result.Skipped).
		Str("category", string(result.MainCategory)).
		Str("urgency", string(result.Urgency)).
		Msg("Conversation analyzed")
}

func (o *Orchestrator) submitGap(ctx context.Context, t *turn) {
	if o.deps.Tasks == nil {
		t.logger.Warn().Msg("Knowledge gap detected but no task queue is configured")
		return
	}
	task, err := tasks.NewTask(tasks.KindKnowledgeGap, t.key.AgentID, tasks.GapPayload{
		Question: *t.reply.UnansweredQuestion,
		Original: t.message,
	})
	if err != nil {
		t.logger.Error().Err(err).Msg("Failed to build knowledge gap task")
		return
	}
	if err := o.deps.Tasks.Submit(ctx, task); err != nil {
		t.logger.Error().Err(err).Msg("Failed to submit knowledge gap task")
	}
}

// RelevantSources lists document names in rank order without repeats
func RelevantSources(chunks []models.ScoredChunk) []string {
	seen := make(map[string]struct{}, len(chunks))
	sources := make([]string, 0, len(chunks))
	for _, c := range chunks {
		name := c.Chunk.DocumentName
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		sources = append(sources, name)
	}
	return sources
}

func sessionMetadata(sd *models.SessionData) map[string]any {
	if sd == nil {
		return nil
	}
	meta := map[string]any{}
	if sd.CurrentPath != "" {
		meta["currentPath"] = sd.CurrentPath
	}
	if sd.Page != nil && sd.Page.URL != "" {
		meta["pageUrl"] = sd.Page.URL
	}
	if len(sd.Device) > 0 {
		meta["device"] = sd.Device
	}
	if len(sd.Location) > 0 {
		meta["location"] = sd.Location
	}
	if len(sd.Behavior) > 0 {
		meta["behavior"] = sd.Behavior
	}
	return meta
}
