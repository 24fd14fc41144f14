package knowledge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AgentLister enumerates agents for periodic maintenance
type AgentLister interface {
	ListIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Reembedder backfills null embeddings for one agent
type Reembedder interface {
	ReembedMissing(ctx context.Context, agentID uuid.UUID) (*ReembedResult, error)
}

// SweepResult summarizes one pass over all agents
type SweepResult struct {
	Agents    int `json:"agents"`
	Attempted int `json:"attempted"`
	Embedded  int `json:"embedded"`
	Failed    int `json:"failed"`
	Errors    int `json:"errors"`
}

// Scheduler periodically re-embeds chunks that were stored without a vector
type Scheduler struct {
	agents     AgentLister
	reembedder Reembedder
	interval   time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
	running    bool
	mu         sync.Mutex
	lastRun    time.Time
	lastResult *SweepResult
	logger     zerolog.Logger
}

// NewScheduler creates a re-embed scheduler; a non-positive interval defaults to 15 minutes
func NewScheduler(agents AgentLister, reembedder Reembedder, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		agents:     agents,
		reembedder: reembedder,
		interval:   interval,
		stopCh:     make(chan struct{}),
		logger:     logging.NewLogger("reembed-scheduler"),
	}
}

// Start begins the periodic sweep
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info().Dur("interval", s.interval).Msg("Re-embed scheduler started")
	return nil
}

// Stop stops the sweep and waits for an in-flight pass to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("Re-embed scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetLastResult returns the result of the last sweep
func (s *Scheduler) GetLastResult() (time.Time, *SweepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastResult
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.RunNow(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Re-embed sweep failed")
			}
		}
	}
}

// RunNow sweeps every agent once. A failing agent is logged and skipped.
func (s *Scheduler) RunNow(ctx context.Context) (*SweepResult, error) {
	ids, err := s.agents.ListIDs(ctx)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{Agents: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		res, err := s.reembedder.ReembedMissing(ctx, id)
		if err != nil {
			result.Errors++
			s.logger.Warn().Err(err).Str("agent_id", id.String()).Msg("Re-embed failed for agent")
			continue
		}
		result.Attempted += res.Attempted
		result.Embedded += res.Embedded
		result.Failed += res.Failed
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastResult = result
	s.mu.Unlock()

	if result.Attempted > 0 {
		s.logger.Info().
			Int("agents", result.Agents).
			Int("attempted", result.Attempted).
			Int("embedded", result.Embedded).
			Msg("Re-embed sweep completed")
	}
	return result, nil
}
