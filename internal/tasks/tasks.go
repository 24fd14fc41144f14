// Package tasks runs background work off the chat response path, either on an in-process
// bounded pool or through a durable RabbitMQ queue.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task errors
var (
	ErrQueueFull     = errors.New("task queue is full")
	ErrPoolStopped   = errors.New("task pool is stopped")
	ErrUnknownKind   = errors.New("no handler registered for task kind")
	ErrInvalidTask   = errors.New("invalid task payload")
	ErrNotConfigured = errors.New("task queue not configured")
)

// Kind names a background job
type Kind string

const KindKnowledgeGap Kind = "knowledge_gap"

// Task is one unit of background work. Payload is kind-specific JSON.
type Task struct {
	ID         uuid.UUID       `json:"id"`
	Kind       Kind            `json:"kind"`
	AgentID    uuid.UUID       `json:"agent_id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewTask encodes payload into a task of the given kind
func NewTask(kind Kind, agentID uuid.UUID, payload any) (Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("failed to encode task payload: %w", err)
	}
	return Task{ID: uuid.New(), Kind: kind, AgentID: agentID, Payload: data, EnqueuedAt: time.Now()}, nil
}

// Decode reads the payload into out
func (t Task) Decode(out any) error {
	if err := json.Unmarshal(t.Payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	return nil
}

// GapPayload asks for an unanswered question to be classified into a knowledge gap
type GapPayload struct {
	Question string `json:"question"`
	Original string `json:"original"`
}

// Handler processes one task
type Handler func(ctx context.Context, t Task) error

// Submitter accepts tasks for background execution
type Submitter interface {
	Submit(ctx context.Context, t Task) error
}

// Registry maps task kinds to their handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]Handler)}
}

func (r *Registry) Register(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Handle runs the task's handler
func (r *Registry) Handle(ctx context.Context, t Task) error {
	r.mu.RLock()
	h, ok := r.handlers[t.Kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, t.Kind)
	}
	return h(ctx, t)
}
