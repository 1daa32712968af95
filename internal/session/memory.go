package session

import (
	"context"
	"sync"
)

// memoryStore implements Store using an in-process map.
type memoryStore struct {
	notifier

	mu     sync.RWMutex
	values map[string]string
	closed bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: make(map[string]string)}
}

// Get implements Store.
func (s *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.values[key]
	return v, ok, nil
}

// Set implements Store.
func (s *memoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.values[key] = value
	s.mu.Unlock()

	s.notify(Change{Key: key, Value: value})
	return nil
}

// Delete implements Store.
func (s *memoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	_, existed := s.values[key]
	delete(s.values, key)
	s.mu.Unlock()

	if existed {
		s.notify(Change{Key: key, Deleted: true})
	}
	return nil
}

// Subscribe implements Store.
func (s *memoryStore) Subscribe(fn func(Change)) func() {
	return s.subscribe(fn)
}

// Close implements Store.
func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.values = nil
	return nil
}
