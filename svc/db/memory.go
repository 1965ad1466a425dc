package db

import (
	"context"
	"sync"

	"pastelite/pkg/domain"
)

// Memory keeps pastes in a process-local map. It is meant for development
// and tests; records are lost on restart.
type Memory struct {
	mu     sync.Mutex
	pastes map[string]*domain.Paste
	closed bool
}

func NewMemory() *Memory {
	return &Memory{pastes: make(map[string]*domain.Paste)}
}

func (m *Memory) Put(_ context.Context, p *domain.Paste) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.pastes[p.ID]; ok {
		return ErrIDTaken
	}
	cp := p.Snapshot()
	if p.RemainingViews != nil {
		cp.RemainingViews = domain.IntPtr(*p.RemainingViews)
	}
	m.pastes[p.ID] = cp
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Paste, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	p, ok := m.pastes[id]
	if !ok {
		return nil, domain.ErrPasteNotFound
	}
	if p.RemainingViews != nil {
		return p.WithRemaining(*p.RemainingViews), nil
	}
	return p.Snapshot(), nil
}

func (m *Memory) DecrementIfPositive(_ context.Context, id string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, false, ErrClosed
	}
	p, ok := m.pastes[id]
	if !ok || p.RemainingViews == nil || *p.RemainingViews <= 0 {
		return 0, false, nil
	}
	*p.RemainingViews--
	return *p.RemainingViews, true, nil
}

func (m *Memory) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.pastes[id]
	return ok, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
