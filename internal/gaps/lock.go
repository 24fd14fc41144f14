package gaps

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// AgentLocker serializes work for one agent across processes
type AgentLocker interface {
	WithAgentLock(ctx context.Context, agentID uuid.UUID, fn func(ctx context.Context) error) error
}

// agentLocks is a per-agent mutex; entries are dropped when nobody holds or waits on them
type agentLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*agentLock
}

type agentLock struct {
	mu   sync.Mutex
	refs int
}

func (l *agentLocks) lock(agentID uuid.UUID) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[uuid.UUID]*agentLock)
	}
	al, ok := l.locks[agentID]
	if !ok {
		al = &agentLock{}
		l.locks[agentID] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()
	return func() {
		al.mu.Unlock()
		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, agentID)
		}
		l.mu.Unlock()
	}
}
