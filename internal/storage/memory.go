package storage

import (
	"context"
	"sync"
)

// Memory keeps the document in process memory.
type Memory struct {
	mu     sync.Mutex
	doc    []byte
	saves  int
	closed bool
}

func NewMemory() *Memory { return &Memory{} }

func (s *Memory) Load(ctx context.Context) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	if s.doc == nil {
		return nil, false, nil
	}
	return append([]byte(nil), s.doc...), true, nil
}

func (s *Memory) Save(ctx context.Context, doc []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.doc = append([]byte(nil), doc...)
	s.saves++
	return nil
}

// Saves reports how many times Save succeeded.
func (s *Memory) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *Memory) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
