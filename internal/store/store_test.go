package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"pgregory.net/rapid"
)

var testDB *pgxpool.Pool

func TestMain(m *testing.M) {
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		os.Exit(m.Run())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	testDB, err = pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Printf("Warning: Failed to connect to test database: %v\n", err)
		testDB = nil
		os.Exit(m.Run())
	}
	if err := testDB.Ping(ctx); err != nil {
		fmt.Printf("Warning: Failed to ping test database: %v\n", err)
		testDB.Close()
		testDB = nil
	}

	code := m.Run()
	if testDB != nil {
		testDB.Close()
	}
	os.Exit(code)
}

func requireDB(t *testing.T) *Store {
	t.Helper()
	if testDB == nil {
		t.Skip("TEST_DATABASE_URL not set")
	}
	return New(testDB)
}

func createTestAgent(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	tenantID, agentID := uuid.New(), uuid.New()
	if _, err := testDB.Exec(ctx, `INSERT INTO tenants (id, name) VALUES ($1, 'store test')`, tenantID); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	if _, err := testDB.Exec(ctx, `INSERT INTO agents (id, tenant_id, name) VALUES ($1, $2, 'store test')`, agentID, tenantID); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	t.Cleanup(func() {
		for _, q := range []string{
			`DELETE FROM messages WHERE agent_id = $1`,
			`DELETE FROM conversations WHERE agent_id = $1`,
			`DELETE FROM sessions WHERE agent_id = $1`,
			`DELETE FROM knowledge_gaps WHERE agent_id = $1`,
			`DELETE FROM agents WHERE id = $1`,
		} {
			_, _ = testDB.Exec(ctx, q, agentID)
		}
		_, _ = testDB.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, tenantID)
	})
	return agentID
}

// TestProperty_ClampMonotonic_NonDecreasing tests that clamped timestamps never go backwards
func TestProperty_ClampMonotonic_NonDecreasing(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		floor := base.Add(time.Duration(rapid.IntRange(0, 3600).Draw(t, "floor")) * time.Second)
		offsets := rapid.SliceOfN(rapid.IntRange(-1, 7200), 0, 20).Draw(t, "offsets")

		msgs := make([]models.Message, len(offsets))
		for i, off := range offsets {
			if off >= 0 {
				msgs[i].CreatedAt = base.Add(time.Duration(off) * time.Second)
			}
		}

		out := ClampMonotonic(floor, msgs)
		if len(out) != len(msgs) {
			t.Fatalf("PROPERTY VIOLATION: got %d messages, want %d", len(out), len(msgs))
		}
		prev := floor
		for i, m := range out {
			if m.CreatedAt.Before(prev) {
				t.Fatalf("PROPERTY VIOLATION: message %d at %v precedes %v", i, m.CreatedAt, prev)
			}
			if !msgs[i].CreatedAt.Before(prev) && !m.CreatedAt.Equal(msgs[i].CreatedAt) {
				t.Fatalf("PROPERTY VIOLATION: in-order message %d was moved", i)
			}
			prev = m.CreatedAt
		}
	})
}

func TestClampMonotonic_DoesNotMutateInput(t *testing.T) {
	floor := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	msgs := []models.Message{{Content: "early", CreatedAt: floor.Add(-time.Hour)}}

	out := ClampMonotonic(floor, msgs)
	if !out[0].CreatedAt.Equal(floor) {
		t.Fatalf("expected clamp to floor, got %v", out[0].CreatedAt)
	}
	if !msgs[0].CreatedAt.Equal(floor.Add(-time.Hour)) {
		t.Fatal("input slice was modified")
	}
}

func TestSaveTurn_OrdersMessagesAndKeepsTrue(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	key := models.ConversationKey{AgentID: createTestAgent(t), UserID: "visitor-1", ConversationID: "conv-1"}

	now := time.Now().UTC().Truncate(time.Millisecond)
	first, err := s.SaveTurn(ctx, &TurnRecord{
		Key:      key,
		Metadata: map[string]any{"device": "mobile"},
		Messages: []models.Message{
			{ID: uuid.New(), Role: models.RoleUser, Content: "my login fails", CreatedAt: now},
			{ID: uuid.New(), Role: models.RoleAssistant, Content: "which browser?", CreatedAt: now.Add(time.Second)},
		},
		ShouldAnalyze: models.ShouldAnalyzeTrue,
	})
	if err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}
	if !first.NewSession || !first.NewConversation {
		t.Fatalf("expected new session and conversation, got %+v", first)
	}

	// A turn stamped before the previous one is clamped forward.
	second, err := s.SaveTurn(ctx, &TurnRecord{
		Key: key,
		Messages: []models.Message{
			{ID: uuid.New(), Role: models.RoleUser, Content: "chrome", CreatedAt: now.Add(-time.Minute)},
		},
		ShouldAnalyze: models.ShouldAnalyzePending,
	})
	if err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}
	if second.NewSession || second.NewConversation {
		t.Fatalf("expected existing session and conversation, got %+v", second)
	}

	msgs, err := s.ListMessages(ctx, key)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 || msgs[2].Content != "chrome" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("message %d precedes its predecessor", i)
		}
	}

	conv, err := s.GetConversation(ctx, key)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.ShouldAnalyze != models.ShouldAnalyzeTrue {
		t.Fatalf("should_analyze downgraded to %q", conv.ShouldAnalyze)
	}

	recent, err := s.RecentMessages(ctx, key, 2)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(recent) != 2 || recent[1].Content != "chrome" {
		t.Fatalf("unexpected recent messages: %+v", recent)
	}
}

func TestSaveAnalysis_WriteOnce(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	key := models.ConversationKey{AgentID: createTestAgent(t), UserID: "visitor-2", ConversationID: "conv-2"}

	if _, err := s.SaveTurn(ctx, &TurnRecord{Key: key, Messages: []models.Message{
		{ID: uuid.New(), Role: models.RoleUser, Content: "hello", CreatedAt: time.Now()},
	}}); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}

	saved, err := s.SaveAnalysis(ctx, key, &models.Analysis{Summary: "first", SentimentScore: 5})
	if err != nil || !saved {
		t.Fatalf("expected first save, got saved=%v err=%v", saved, err)
	}
	saved, err = s.SaveAnalysis(ctx, key, &models.Analysis{Summary: "second", SentimentScore: 5})
	if err != nil || saved {
		t.Fatalf("expected second save to be ignored, got saved=%v err=%v", saved, err)
	}

	conv, err := s.GetConversation(ctx, key)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if !conv.Analyzed || conv.Analysis == nil || conv.Analysis.Summary != "first" {
		t.Fatalf("unexpected analysis: %+v", conv.Analysis)
	}
}

func TestMergeGap_ConcurrentIncrements(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	agentID := createTestAgent(t)

	gap, err := s.CreateGap(ctx, agentID, "Refund policy", "What is the refund policy?", "refund?")
	if err != nil {
		t.Fatalf("CreateGap: %v", err)
	}

	const merges = 12
	const maxRecent = 5
	var wg sync.WaitGroup
	errs := make(chan error, merges)
	for i := 0; i < merges; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.MergeGap(ctx, agentID, gap.ID, fmt.Sprintf("refund %d", i), maxRecent); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("MergeGap: %v", err)
	}

	got, err := s.GetGap(ctx, agentID, gap.ID)
	if err != nil {
		t.Fatalf("GetGap: %v", err)
	}
	if got.Count != merges+1 {
		t.Fatalf("expected count %d, got %d", merges+1, got.Count)
	}
	if len(got.RecentQuestions) != maxRecent {
		t.Fatalf("expected %d recent questions, got %d", maxRecent, len(got.RecentQuestions))
	}
}

func TestMergeGap_UnknownGap(t *testing.T) {
	s := requireDB(t)
	if _, err := s.MergeGap(context.Background(), createTestAgent(t), uuid.New(), "q", 10); err != ErrGapNotFound {
		t.Fatalf("expected ErrGapNotFound, got %v", err)
	}
}

func TestWithAgentLock_Serializes(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	agentID := uuid.New()

	var (
		mu      sync.Mutex
		active  int
		overlap bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithAgentLock(ctx, agentID, func(context.Context) error {
				mu.Lock()
				active++
				if active > 1 {
					overlap = true
				}
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("WithAgentLock: %v", err)
			}
		}()
	}
	wg.Wait()
	if overlap {
		t.Fatal("two holders ran under the same agent lock")
	}
}
