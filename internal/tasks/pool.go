package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/logging"
	"github.com/aimerfeng/AgentDesk/internal/monitoring"
	"github.com/rs/zerolog"
)

const poolQueueName = "in_process"

// DefaultTaskTimeout bounds a single handler run
const DefaultTaskTimeout = 2 * time.Minute

// Pool runs tasks on a fixed number of workers fed by a bounded queue.
// Submit never blocks: a full queue drops the task with ErrQueueFull.
type Pool struct {
	registry *Registry
	queue    chan Task
	workers  int
	timeout  time.Duration
	logger   zerolog.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(registry *Registry, workers, queueSize int, timeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &Pool{
		registry: registry,
		queue:    make(chan Task, queueSize),
		workers:  workers,
		timeout:  timeout,
		logger:   logging.NewLogger("tasks"),
	}
}

// Start launches the workers. Tasks run under ctx, not under the submitting request.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(workerCtx)
	}
	p.logger.Info().Int("workers", p.workers).Int("queue_size", cap(p.queue)).Msg("Task pool started")
}

// Submit enqueues t without blocking
func (p *Pool) Submit(_ context.Context, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.queue <- t:
		monitoring.SetTasksQueued(poolQueueName, len(p.queue))
		return nil
	default:
		monitoring.RecordTaskProcessed(string(t.Kind), "dropped")
		return ErrQueueFull
	}
}

// Stop refuses new tasks, lets workers drain what is queued and waits for them
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if started {
		p.wg.Wait()
		p.cancel()
	}
	p.logger.Info().Msg("Task pool stopped")
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for t := range p.queue {
		monitoring.SetTasksQueued(poolQueueName, len(p.queue))
		p.run(ctx, t)
	}
}

func (p *Pool) run(ctx context.Context, t Task) {
	taskCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			monitoring.RecordTaskProcessed(string(t.Kind), "panic")
			p.logger.Error().Interface("panic", r).Str("task_id", t.ID.String()).Str("kind", string(t.Kind)).Msg("Task panicked")
		}
	}()

	start := time.Now()
	if err := p.registry.Handle(taskCtx, t); err != nil {
		monitoring.RecordTaskProcessed(string(t.Kind), "failed")
		p.logger.Error().Err(err).
			Str("task_id", t.ID.String()).
			Str("kind", string(t.Kind)).
			Str("agent_id", t.AgentID.String()).
			Dur("duration", time.Since(start)).
			Msg("Task failed")
		return
	}
	monitoring.RecordTaskProcessed(string(t.Kind), "success")
}
