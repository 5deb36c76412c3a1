package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type memoryEntry struct {
	timer *time.Timer
}

// Memory keeps jobs as in-process timers. Jobs are lost on restart; use Redis
// when more than one process runs or durability matters.
type Memory struct {
	handlers

	mu      sync.Mutex
	entries map[string]*memoryEntry
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewMemory(log *zap.Logger) *Memory {
	ctx, cancel := context.WithCancel(context.Background())
	return &Memory{
		handlers: handlers{log: log},
		entries:  make(map[string]*memoryEntry),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *Memory) Schedule(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return context.Canceled
	}
	k := member(job.Kind, job.Key)
	if old, ok := m.entries[k]; ok {
		old.timer.Stop()
	}
	e := &memoryEntry{}
	e.timer = time.AfterFunc(time.Until(job.RunAt), func() { m.fire(k, e, job) })
	m.entries[k] = e
	return nil
}

func (m *Memory) fire(k string, e *memoryEntry, job Job) {
	m.mu.Lock()
	if m.closed || m.entries[k] != e {
		m.mu.Unlock()
		return
	}
	delete(m.entries, k)
	m.mu.Unlock()

	m.dispatch(m.ctx, job, func(next Job) { _ = m.Schedule(m.ctx, next) })
}

func (m *Memory) Cancel(_ context.Context, kind, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := member(kind, key)
	e, ok := m.entries[k]
	if !ok {
		return false, nil
	}
	e.timer.Stop()
	delete(m.entries, k)
	return true, nil
}

// Pending reports how many jobs are waiting.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Run blocks until ctx is done, then drops every pending timer.
func (m *Memory) Run(ctx context.Context) error {
	<-ctx.Done()
	m.mu.Lock()
	m.closed = true
	for k, e := range m.entries {
		e.timer.Stop()
		delete(m.entries, k)
	}
	m.mu.Unlock()
	m.cancel()
	return nil
}
