package credstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu         sync.Mutex
	byUsername map[string]*Principal
	bySubject  map[string]*Principal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byUsername: make(map[string]*Principal),
		bySubject:  make(map[string]*Principal),
	}
}

func (s *MemoryStore) FindByUsername(ctx context.Context, username string) (Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byUsername[username]
	if !ok {
		return Principal{}, ErrNotFound
	}
	return *p, nil
}

func (s *MemoryStore) FindBySubject(ctx context.Context, subjectID string) (Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.bySubject[subjectID]
	if !ok {
		return Principal{}, ErrNotFound
	}
	return *p, nil
}

func (s *MemoryStore) Create(ctx context.Context, p Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUsername[p.Username]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.bySubject[p.SubjectID]; ok {
		return ErrAlreadyExists
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := p
	s.byUsername[p.Username] = &cp
	s.bySubject[p.SubjectID] = &cp
	return nil
}

func (s *MemoryStore) UpdateRole(ctx context.Context, subjectID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.bySubject[subjectID]
	if !ok {
		return ErrNotFound
	}
	p.Role = role
	return nil
}
