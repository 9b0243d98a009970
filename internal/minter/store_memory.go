package minter

import (
	"context"
	"encoding/json"
	"sync"

	"pidserv/pkg/sentinel"
)

// InMemoryStore keeps minter state in process memory. Used by tests and by
// callers that manage durability themselves.
type InMemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{states: make(map[string][]byte)}
}

func (s *InMemoryStore) Load(_ context.Context, prefix string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.states[prefix]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *InMemoryStore) Save(_ context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[st.Prefix]; !ok {
		return sentinel.ErrNotFound
	}
	s.states[st.Prefix] = raw
	return nil
}

func (s *InMemoryStore) Create(_ context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[st.Prefix]; ok {
		return sentinel.ErrAlreadyExists
	}
	s.states[st.Prefix] = raw
	return nil
}
