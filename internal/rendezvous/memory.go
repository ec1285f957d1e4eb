package rendezvous

import (
	"context"
	"sync"
	"time"

	"github.com/adforge/api/internal/model"
)

type entry struct {
	done      chan struct{}
	result    *model.CallbackResult
	expiresAt time.Time
	// tombstone is set when the waiter gave up; late results are dropped.
	tombstone bool
}

// Memory is the single-instance backend.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	cfg     Config
	now     func() time.Time
}

func NewMemory(cfg Config) *Memory {
	return &Memory{
		entries: make(map[string]*entry),
		cfg:     cfg,
		now:     time.Now,
	}
}

func (m *Memory) Wait(ctx context.Context, jobID string, maxWait time.Duration) (*model.CallbackResult, error) {
	m.mu.Lock()
	m.purgeLocked()
	e, ok := m.entries[jobID]
	if !ok || e.tombstone {
		e = &entry{done: make(chan struct{}), expiresAt: m.now().Add(maxWait + m.cfg.TTLBuffer)}
		m.entries[jobID] = e
	}
	m.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-e.done:
		return e.result, nil
	case <-timer.C:
		return m.abandon(jobID, e, ErrCallbackTimeout)
	case <-ctx.Done():
		return m.abandon(jobID, e, ctx.Err())
	}
}

// abandon tombstones the entry unless a result slipped in first.
func (m *Memory) abandon(jobID string, e *entry, cause error) (*model.CallbackResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.result != nil {
		return e.result, nil
	}
	e.tombstone = true
	e.expiresAt = m.now().Add(m.cfg.TTLBuffer)
	return nil, cause
}

func (m *Memory) Resolve(_ context.Context, jobID string, result *model.CallbackResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()

	e, ok := m.entries[jobID]
	if !ok {
		e = &entry{done: make(chan struct{}), expiresAt: m.now().Add(m.cfg.resultTTL())}
		m.entries[jobID] = e
	}
	if e.tombstone || e.result != nil {
		return nil
	}
	e.result = result
	close(e.done)
	return nil
}

func (m *Memory) Reject(ctx context.Context, jobID string, cause error) error {
	return m.Resolve(ctx, jobID, rejection(cause))
}

// Len reports the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()
	return len(m.entries)
}

func (m *Memory) purgeLocked() {
	now := m.now()
	for id, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, id)
		}
	}
}
