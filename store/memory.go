package store

import (
	"context"
	"sync"
)

// MemoryStore keeps state in process. Saves counts SaveContacts calls.
type MemoryStore struct {
	mu       sync.Mutex
	contacts map[string]string
	groups   map[string]Group
	saves    int
	closed   bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contacts: make(map[string]string),
		groups:   make(map[string]Group),
	}
}

func (s *MemoryStore) LoadContacts(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return copyContacts(s.contacts), nil
}

func (s *MemoryStore) SaveContacts(ctx context.Context, contacts map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.contacts = copyContacts(contacts)
	s.saves++
	return nil
}

func (s *MemoryStore) LoadGroups(ctx context.Context) (map[string]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return copyGroups(s.groups), nil
}

func (s *MemoryStore) SaveGroups(ctx context.Context, groups map[string]Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.groups = copyGroups(groups)
	return nil
}

// Saves reports how many times contacts were written.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
