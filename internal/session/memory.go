package session

import (
	"context"
	"sync"
)

// Memory — хранилище сессии в памяти процесса.
// Годится для неинтерактивных хостов и тестов.
type Memory struct {
	mu sync.RWMutex
	s  *Session
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Get(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.s == nil {
		return Session{}, ErrNotFound
	}

	return *m.s, nil
}

func (m *Memory) Set(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.s = &s
	m.mu.Unlock()

	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.s = nil
	m.mu.Unlock()

	return nil
}

var _ Store = (*Memory)(nil)
