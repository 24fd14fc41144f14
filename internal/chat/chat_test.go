package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/agent"
	"github.com/aimerfeng/AgentDesk/internal/cache"
	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/aimerfeng/AgentDesk/internal/prompt"
	"github.com/aimerfeng/AgentDesk/internal/provider"
	"github.com/aimerfeng/AgentDesk/internal/quota"
	"github.com/aimerfeng/AgentDesk/internal/security"
	"github.com/aimerfeng/AgentDesk/internal/store"
	"github.com/aimerfeng/AgentDesk/internal/tasks"
	"github.com/google/uuid"
	"pgregory.net/rapid"
)

type memoryAgents map[uuid.UUID]*models.Agent

func (m memoryAgents) GetByID(_ context.Context, id uuid.UUID) (*models.Agent, error) {
	a, ok := m[id]
	if !ok {
		return nil, agent.ErrAgentNotFound
	}
	return a, nil
}

type memoryCounter struct {
	mu    sync.Mutex
	usage quota.Usage
	err   error
}

func (m *memoryCounter) Usage(context.Context, uuid.UUID) (*quota.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usage
	return &u, nil
}

func (m *memoryCounter) Increment(context.Context, uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.usage.MessagesUsed++
	return m.usage.MessagesUsed, nil
}

type fakeRetriever struct {
	chunks   []models.ScoredChunk
	hasErr   error
	searchEr error
	searches int
}

func (f *fakeRetriever) HasKnowledge(context.Context, uuid.UUID) (bool, error) {
	return len(f.chunks) > 0, f.hasErr
}

func (f *fakeRetriever) Search(_ context.Context, _ uuid.UUID, _ []float32, k int) ([]models.ScoredChunk, error) {
	f.searches++
	if f.searchEr != nil {
		return nil, f.searchEr
	}
	return f.chunks[:min(k, len(f.chunks))], nil
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

// jsonCompleter returns a fixed model output and remembers the prompt it was sent
type jsonCompleter struct {
	content string
	err     error
	calls   int
	last    provider.CompletionRequest
}

func (f *jsonCompleter) Complete(_ context.Context, req provider.CompletionRequest) (*provider.Completion, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Completion{Content: f.content}, nil
}

type memoryStore struct {
	mu      sync.Mutex
	turns   []*store.TurnRecord
	events  []*models.ChatEvent
	recent  []models.Message
	saveErr error
}

func (m *memoryStore) SaveTurn(_ context.Context, rec *store.TurnRecord) (*store.TurnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return nil, m.saveErr
	}
	m.turns = append(m.turns, rec)
	return &store.TurnResult{NewConversation: len(m.turns) == 1}, nil
}

func (m *memoryStore) RecentMessages(_ context.Context, _ models.ConversationKey, n int) ([]models.Message, error) {
	return m.recent[max(len(m.recent)-n, 0):], nil
}

func (m *memoryStore) RecordChatEvent(_ context.Context, e *models.ChatEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

type fakeAnalyzer struct {
	keys []models.ConversationKey
	err  error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, key models.ConversationKey) (*models.Analysis, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Analysis{MainCategory: models.CategorySupportRequest, Urgency: models.UrgencyHigh}, nil
}

type captureTasks struct {
	tasks []tasks.Task
}

func (c *captureTasks) Submit(_ context.Context, t tasks.Task) error {
	c.tasks = append(c.tasks, t)
	return nil
}

type memoryHistory struct {
	turns map[models.ConversationKey][]models.Turn
}

func (m *memoryHistory) Get(_ context.Context, key models.ConversationKey) ([]models.Turn, bool, error) {
	t, ok := m.turns[key]
	return t, ok, nil
}

func (m *memoryHistory) Set(_ context.Context, key models.ConversationKey, turns []models.Turn) error {
	m.turns[key] = turns
	return nil
}

func (m *memoryHistory) Invalidate(_ context.Context, key models.ConversationKey) error {
	delete(m.turns, key)
	return nil
}

type denyLimiter struct{}

func (denyLimiter) Check(context.Context, string, string) (*cache.RateLimitResult, error) {
	return &cache.RateLimitResult{Allowed: false, RetryAfter: 30 * time.Second}, nil
}

type fixture struct {
	agent     *models.Agent
	counter   *memoryCounter
	retriever *fakeRetriever
	embedder  *fakeEmbedder
	llm       *jsonCompleter
	store     *memoryStore
	analyzer  *fakeAnalyzer
	tasks     *captureTasks
	history   *memoryHistory
	orch      *Orchestrator
}

const helloReply = `{"reply":"Hi there! How can I help you today?","shouldAnalyze":"false","analysisReason":"greeting",
	"knowledgeGapDetected":false,"unansweredQuestion":null,"requestEmail":false}`

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		agent:   &models.Agent{ID: uuid.New(), TenantID: uuid.New(), Name: "Acme Helper", AllowedDomains: []string{"shop.test"}},
		counter: &memoryCounter{usage: quota.Usage{MessageLimit: 100, Plan: "starter"}},
		retriever: &fakeRetriever{chunks: []models.ScoredChunk{
			{Chunk: models.Chunk{ID: uuid.New(), DocumentName: "login-help.md", Content: "Reset your password from the sign-in page."}, Similarity: 0.92},
			{Chunk: models.Chunk{ID: uuid.New(), DocumentName: "login-help.md", Content: "Accounts lock after five failed attempts."}, Similarity: 0.88},
			{Chunk: models.Chunk{ID: uuid.New(), DocumentName: "faq.md", Content: "Support is available 9am to 5pm."}, Similarity: 0.61},
			{Chunk: models.Chunk{ID: uuid.New(), DocumentName: "pricing.md", Content: "Plans start at $10."}, Similarity: 0.20},
		}},
		embedder: &fakeEmbedder{},
		llm:      &jsonCompleter{content: helloReply},
		store:    &memoryStore{},
		analyzer: &fakeAnalyzer{},
		tasks:    &captureTasks{},
		history:  &memoryHistory{turns: map[models.ConversationKey][]models.Turn{}},
	}
	f.orch = NewOrchestrator(Dependencies{
		Agents:    memoryAgents{f.agent.ID: f.agent},
		Gate:      security.NewGate(nil, time.Minute*5),
		Quota:     quota.NewGuard(f.counter),
		Retriever: f.retriever,
		Embedder:  f.embedder,
		Responder: prompt.NewOrchestrator(f.llm, prompt.Options{}),
		Store:     f.store,
		Analyzer:  f.analyzer,
		History:   f.history,
		Tasks:     f.tasks,
	}, Options{TopK: 3})
	return f
}

func (f *fixture) request(message string) *models.ChatRequest {
	return &models.ChatRequest{
		AgentID:   f.agent.ID.String(),
		Message:   message,
		SessionID: "sess-1",
		Timestamp: time.Now().UnixMilli(),
		Origin:    "https://shop.test",
	}
}

// Scenario A: an agent without chunks answers with the canned reply and nothing else happens
func TestHandle_NoKnowledgeBase(t *testing.T) {
	f := newFixture(t)
	f.retriever.chunks = nil

	resp, err := f.orch.Handle(context.Background(), f.request("do you ship to canada?"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Response != NoKnowledgeReply || resp.SessionID != "sess-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if f.embedder.calls != 0 || f.retriever.searches != 0 || f.llm.calls != 0 {
		t.Fatalf("expected no retrieval or provider calls, got embed=%d search=%d llm=%d",
			f.embedder.calls, f.retriever.searches, f.llm.calls)
	}
	if len(f.store.turns) != 0 || f.counter.usage.MessagesUsed != 0 {
		t.Fatalf("canned reply must not be persisted or billed")
	}
}

// Scenario B: a greeting is answered without analysis or gap work
func TestHandle_Greeting(t *testing.T) {
	f := newFixture(t)

	resp, err := f.orch.Handle(context.Background(), f.request("hello"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Response != "Hi there! How can I help you today?" {
		t.Fatalf("unexpected reply %q", resp.Response)
	}
	if len(f.analyzer.keys) != 0 || len(f.tasks.tasks) != 0 {
		t.Fatalf("greeting must not trigger analysis or gap tasks")
	}
	if len(f.store.turns) != 1 || f.store.turns[0].ShouldAnalyze != models.ShouldAnalyzeFalse {
		t.Fatalf("expected one stored turn with shouldAnalyze=false, got %+v", f.store.turns)
	}
	if f.counter.usage.MessagesUsed != 1 {
		t.Fatalf("expected one billed message, got %d", f.counter.usage.MessagesUsed)
	}
}

// Scenario C: an urgent issue is grounded in the top 3 chunks and analyzed inline
func TestHandle_UrgentIssueGroundedAndAnalyzed(t *testing.T) {
	f := newFixture(t)
	f.llm.content = `{"reply":"Sorry about that! Try resetting your password from the sign-in page. What email is on your account?",
		"shouldAnalyze":"true","analysisReason":"urgent login issue","knowledgeGapDetected":false,
		"unansweredQuestion":null,"requestEmail":true}`

	resp, err := f.orch.Handle(context.Background(), f.request("I can't log in, this is urgent"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	system := f.llm.last.Messages[0].Content
	for _, c := range f.retriever.chunks[:3] {
		if !strings.Contains(system, c.Chunk.Content) {
			t.Fatalf("system prompt missing retrieved chunk %q", c.Chunk.Content)
		}
	}
	if strings.Contains(system, "Plans start at $10.") {
		t.Fatal("system prompt includes a chunk outside the top 3")
	}
	if !f.llm.last.JSONMode {
		t.Fatal("expected JSON mode completion")
	}

	want := []string{"login-help.md", "faq.md"}
	if strings.Join(resp.RelevantSources, ",") != strings.Join(want, ",") {
		t.Fatalf("relevantSources = %v, want %v", resp.RelevantSources, want)
	}

	if len(f.analyzer.keys) != 1 {
		t.Fatalf("expected inline analysis, got %d runs", len(f.analyzer.keys))
	}
	rec := f.store.turns[0]
	if rec.ShouldAnalyze != models.ShouldAnalyzeTrue || len(rec.Messages) != 2 {
		t.Fatalf("unexpected turn record %+v", rec)
	}
	assistant := rec.Messages[1]
	if assistant.Role != models.RoleAssistant || len(assistant.Relevance) != 3 || assistant.Relevance[0].Similarity != 0.92 {
		t.Fatalf("unexpected assistant message %+v", assistant)
	}
	if rec.Messages[0].CreatedAt.After(assistant.CreatedAt) {
		t.Fatal("user message stored after the assistant reply")
	}
}

// Scenario D: each detected gap becomes one background task carrying the question
func TestHandle_KnowledgeGapSubmitsTask(t *testing.T) {
	f := newFixture(t)
	f.llm.content = `{"reply":"I don't have details on refunds yet. Could I get your email so the team can follow up?",
		"shouldAnalyze":"pending","knowledgeGapDetected":true,"unansweredQuestion":"What is the refund policy?","requestEmail":true}`

	for i, user := range []string{"visitor-a", "visitor-b"} {
		req := f.request("how do refunds work")
		req.AnonymousUserID = &user
		if _, err := f.orch.Handle(context.Background(), req); err != nil {
			t.Fatalf("Handle %d: %v", i, err)
		}
	}

	if len(f.tasks.tasks) != 2 {
		t.Fatalf("expected 2 gap tasks, got %d", len(f.tasks.tasks))
	}
	var p tasks.GapPayload
	if err := f.tasks.tasks[1].Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Question != "What is the refund policy?" || p.Original != "how do refunds work" {
		t.Fatalf("unexpected payload %+v", p)
	}
	if f.tasks.tasks[1].AgentID != f.agent.ID || f.tasks.tasks[1].Kind != tasks.KindKnowledgeGap {
		t.Fatalf("unexpected task %+v", f.tasks.tasks[1])
	}
	if len(f.analyzer.keys) != 0 {
		t.Fatal("pending conversations must not be analyzed")
	}
}

// TestProperty_Handle_ExhaustedQuotaNeverCallsProvider tests that exhausted tenants are rejected before any provider call
func TestProperty_Handle_ExhaustedQuotaNeverCallsProvider(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)
		limit := rapid.Int64Range(1, 1000).Draw(rt, "limit")
		f.counter.usage = quota.Usage{MessageLimit: limit, MessagesUsed: limit + rapid.Int64Range(0, 5).Draw(rt, "over"), Plan: "starter"}

		_, err := f.orch.Handle(context.Background(), f.request("I can't log in"))
		var lr *quota.LimitReachedError
		if !errors.As(err, &lr) {
			rt.Fatalf("PROPERTY VIOLATION: expected LimitReachedError, got %v", err)
		}
		if lr.MessageLimit != limit || lr.Plan != "starter" {
			rt.Fatalf("PROPERTY VIOLATION: rejection lost usage details %+v", lr)
		}
		if f.embedder.calls != 0 || f.llm.calls != 0 {
			rt.Fatalf("PROPERTY VIOLATION: provider called for exhausted tenant")
		}
	})
}

func TestHandle_DomainRejectedBeforeQuota(t *testing.T) {
	f := newFixture(t)
	f.counter.usage = quota.Usage{MessageLimit: 1, MessagesUsed: 1}
	req := f.request("hi")
	req.Origin = "https://evil.test"

	_, err := f.orch.Handle(context.Background(), req)
	var rej *security.Rejection
	if !errors.As(err, &rej) || rej.Reason != security.ReasonDomainRejected {
		t.Fatalf("expected domain rejection, got %v", err)
	}
}

// The widget signs the message exactly as typed, surrounding whitespace included
func TestHandle_SignatureCoversRawMessage(t *testing.T) {
	f := newFixture(t)
	secret := "widget-secret"
	f.agent.HMACSecret = &secret

	req := f.request("  I need help with billing\n")
	req.HMAC = security.Sign(secret, f.agent.ID, req.Message, req.Timestamp)

	if _, err := f.orch.Handle(context.Background(), req); err != nil {
		t.Fatalf("correctly signed message rejected: %v", err)
	}
	if req.Message != "  I need help with billing\n" {
		t.Fatalf("request message was rewritten to %q", req.Message)
	}
	if got := f.store.turns[0].Messages[0].Content; got != "I need help with billing" {
		t.Fatalf("expected the trimmed message to be stored, got %q", got)
	}

	tampered := f.request("I need help with billing")
	tampered.HMAC = security.Sign(secret, f.agent.ID, "I need help with refunds", tampered.Timestamp)
	var rej *security.Rejection
	if _, err := f.orch.Handle(context.Background(), tampered); !errors.As(err, &rej) || rej.Reason != security.ReasonSignatureInvalid {
		t.Fatalf("expected signature rejection, got %v", err)
	}
}

func TestHandle_ProviderFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	f.llm.err = provider.ErrUpstream

	resp, err := f.orch.Handle(context.Background(), f.request("I can't log in"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Response != FallbackReply || len(resp.RelevantSources) != 0 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(f.store.events) != 1 || f.store.events[0].Type != models.ChatEventProviderError {
		t.Fatalf("expected provider error event, got %+v", f.store.events)
	}
	if f.store.events[0].TenantID != f.agent.TenantID || f.store.events[0].ConversationID != "sess-1" {
		t.Fatalf("event not attributed to session and tenant: %+v", f.store.events[0])
	}
	if len(f.store.turns) != 0 || f.counter.usage.MessagesUsed != 0 {
		t.Fatal("failed turn must not be persisted or billed")
	}
}

func TestHandle_EmbedAndRetrievalFailuresFallBack(t *testing.T) {
	f := newFixture(t)
	f.embedder.err = provider.ErrRateLimited
	resp, err := f.orch.Handle(context.Background(), f.request("hi"))
	if err != nil || resp.Response != FallbackReply {
		t.Fatalf("expected fallback on embed failure, got %+v, %v", resp, err)
	}

	f = newFixture(t)
	f.retriever.searchEr = errors.New("connection reset")
	resp, err = f.orch.Handle(context.Background(), f.request("hi"))
	if err != nil || resp.Response != FallbackReply {
		t.Fatalf("expected fallback on retrieval failure, got %+v, %v", resp, err)
	}
	if len(f.store.events) != 1 || f.store.events[0].Type != models.ChatEventRetrievalError {
		t.Fatalf("expected retrieval error event, got %+v", f.store.events)
	}
	if f.llm.calls != 0 {
		t.Fatal("model called after retrieval failed")
	}
}

func TestHandle_UnparsableReplyIsStillDelivered(t *testing.T) {
	f := newFixture(t)
	f.llm.content = "Sure, you can reset it from the sign-in page."

	resp, err := f.orch.Handle(context.Background(), f.request("how do I reset my password"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Response != f.llm.content {
		t.Fatalf("expected raw text reply, got %q", resp.Response)
	}
	if f.store.turns[0].ShouldAnalyze != models.ShouldAnalyzeFalse || f.counter.usage.MessagesUsed != 1 {
		t.Fatal("raw reply should be stored unanalyzed and billed")
	}
}

func TestHandle_PersistFailureFailsTurn(t *testing.T) {
	f := newFixture(t)
	f.store.saveErr = errors.New("database unavailable")

	_, err := f.orch.Handle(context.Background(), f.request("hello"))
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
	if len(f.store.events) != 1 || f.store.events[0].Type != models.ChatEventPersistError {
		t.Fatalf("expected persist error event, got %+v", f.store.events)
	}
	if f.counter.usage.MessagesUsed != 0 {
		t.Fatal("unpersisted turn must not be billed")
	}
}

func TestHandle_AnalysisAndQuotaFailuresDoNotFailTurn(t *testing.T) {
	f := newFixture(t)
	f.llm.content = `{"reply":"Let me help with that.","shouldAnalyze":"true"}`
	f.analyzer.err = errors.New("model down")
	f.counter.err = errors.New("tenant row locked")

	resp, err := f.orch.Handle(context.Background(), f.request("my order arrived broken and I want a replacement"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Response != "Let me help with that." {
		t.Fatalf("unexpected reply %q", resp.Response)
	}
	if len(f.store.events) != 1 || f.store.events[0].Type != models.ChatEventQuotaError {
		t.Fatalf("expected quota error event, got %+v", f.store.events)
	}
}

func TestHandle_Validation(t *testing.T) {
	f := newFixture(t)

	req := f.request("   ")
	if _, err := f.orch.Handle(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for blank message, got %v", err)
	}
	req = f.request("hi")
	req.AgentID = ""
	if _, err := f.orch.Handle(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for missing agent, got %v", err)
	}
	req = f.request(strings.Repeat("a", MaxMessageLength+1))
	if _, err := f.orch.Handle(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for long message, got %v", err)
	}
	req = f.request("hi")
	req.AgentID = "not-a-uuid"
	if _, err := f.orch.Handle(context.Background(), req); !errors.Is(err, agent.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	req = f.request("hi")
	req.AgentID = uuid.NewString()
	if _, err := f.orch.Handle(context.Background(), req); !errors.Is(err, agent.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestHandle_VisitorRateLimited(t *testing.T) {
	f := newFixture(t)
	f.orch.deps.Limiter = denyLimiter{}

	_, err := f.orch.Handle(context.Background(), f.request("hi"))
	var rl *VisitorRateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter != 30*time.Second {
		t.Fatalf("expected VisitorRateLimitedError, got %v", err)
	}
}

func TestHandle_HistoryFromCacheThenStore(t *testing.T) {
	f := newFixture(t)
	f.store.recent = []models.Message{
		{Role: models.RoleUser, Content: "stored question"},
		{Role: models.RoleAssistant, Content: "stored answer"},
	}

	if _, err := f.orch.Handle(context.Background(), f.request("follow up")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	// system, 2 stored turns, new message
	if len(f.llm.last.Messages) != 4 || f.llm.last.Messages[1].Content != "stored question" {
		t.Fatalf("expected stored history in prompt, got %+v", f.llm.last.Messages)
	}

	key := f.store.turns[0].Key
	cached := f.history.turns[key]
	if len(cached) != 4 || cached[2].Content != "follow up" || cached[3].Role != models.RoleAssistant {
		t.Fatalf("unexpected cached history %+v", cached)
	}

	f.store.recent = nil
	if _, err := f.orch.Handle(context.Background(), f.request("again")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.llm.last.Messages) != 6 {
		t.Fatalf("expected cached history in prompt, got %d messages", len(f.llm.last.Messages))
	}
}

func TestConversationKey(t *testing.T) {
	agentID := uuid.New()
	anon := "anon-1"
	cases := []struct {
		name string
		req  models.ChatRequest
		user string
	}{
		{"anonymous id wins", models.ChatRequest{SessionID: "s", AnonymousUserID: &anon, SessionData: &models.SessionData{UserID: "u"}}, "anon-1"},
		{"session data user", models.ChatRequest{SessionID: "s", SessionData: &models.SessionData{UserID: "u"}}, "u"},
		{"session id", models.ChatRequest{SessionID: "s"}, "s"},
	}
	for _, tc := range cases {
		key := conversationKey(agentID, &tc.req)
		if key.UserID != tc.user || key.ConversationID != "s" {
			t.Errorf("%s: got %+v", tc.name, key)
		}
	}

	key := conversationKey(agentID, &models.ChatRequest{})
	if _, err := uuid.Parse(key.ConversationID); err != nil || key.UserID != key.ConversationID {
		t.Fatalf("expected generated conversation id, got %+v", key)
	}
}

// TestProperty_RelevantSources_RankOrderUnique tests that sources keep first-seen rank order without repeats
func TestProperty_RelevantSources_RankOrderUnique(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOf(rapid.SampledFrom([]string{"a.md", "b.md", "c.pdf", ""})).Draw(t, "names")
		chunks := make([]models.ScoredChunk, len(names))
		for i, n := range names {
			chunks[i] = models.ScoredChunk{Chunk: models.Chunk{DocumentName: n}}
		}

		got := RelevantSources(chunks)
		seen := map[string]bool{}
		for _, s := range got {
			if s == "" || seen[s] {
				t.Fatalf("PROPERTY VIOLATION: duplicate or empty source in %v", got)
			}
			seen[s] = true
		}
		var want []string
		for _, n := range names {
			if n != "" && !slices.Contains(want, n) {
				want = append(want, n)
			}
		}
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Fatalf("PROPERTY VIOLATION: got %v, want %v", got, want)
		}
	})
}
