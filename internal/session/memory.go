package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRegistry keeps refresh state in process memory under one mutex,
// which makes Rotate trivially linearizable. Suitable for tests and
// single-node development; production uses the redis or postgres registry.
type MemoryRegistry struct {
	mu        sync.Mutex
	byDigest  map[string]*Token
	bySubject map[string][]string

	ttl time.Duration
	now func() time.Time
}

func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		byDigest:  make(map[string]*Token),
		bySubject: make(map[string][]string),
		ttl:       ttl,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (m *MemoryRegistry) WithClock(fn func() time.Time) *MemoryRegistry {
	m.now = fn
	return m
}

func (m *MemoryRegistry) Issue(ctx context.Context, subjectID string) (Issued, error) {
	if err := ctx.Err(); err != nil {
		return Issued{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mint(subjectID, uuid.NewString(), "")
}

func (m *MemoryRegistry) Rotate(ctx context.Context, handle string) (Issued, error) {
	if err := ctx.Err(); err != nil {
		return Issued{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.byDigest[DigestHandle(handle)]
	if !ok {
		return Issued{}, ErrUnknownToken
	}
	if tok.Revoked {
		m.revokeSubjectLocked(tok.SubjectID)
		return Issued{}, &ReuseError{SubjectID: tok.SubjectID}
	}
	if m.now().After(tok.ExpiresAt) {
		return Issued{}, ErrExpiredToken
	}
	tok.Revoked = true
	return m.mint(tok.SubjectID, tok.ChainID, tok.Digest)
}

func (m *MemoryRegistry) Revoke(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.byDigest[DigestHandle(handle)]
	if !ok {
		return ErrUnknownToken
	}
	for _, d := range m.bySubject[tok.SubjectID] {
		if t := m.byDigest[d]; t != nil && t.ChainID == tok.ChainID {
			t.Revoked = true
		}
	}
	return nil
}

func (m *MemoryRegistry) RevokeAll(ctx context.Context, subjectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeSubjectLocked(subjectID)
	return nil
}

// ActiveCount reports non-revoked, unexpired tokens for a subject. Tests only.
func (m *MemoryRegistry) ActiveCount(subjectID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := m.now()
	for _, d := range m.bySubject[subjectID] {
		if t := m.byDigest[d]; t != nil && !t.Revoked && now.Before(t.ExpiresAt) {
			n++
		}
	}
	return n
}

func (m *MemoryRegistry) mint(subjectID, chainID, rotatedFrom string) (Issued, error) {
	handle, err := NewHandle()
	if err != nil {
		return Issued{}, err
	}
	now := m.now().UTC()
	tok := Token{
		Digest:      DigestHandle(handle),
		SubjectID:   subjectID,
		ChainID:     chainID,
		RotatedFrom: rotatedFrom,
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.ttl),
	}
	m.byDigest[tok.Digest] = &tok
	m.bySubject[subjectID] = append(m.bySubject[subjectID], tok.Digest)
	return Issued{Handle: handle, Token: tok}, nil
}

func (m *MemoryRegistry) revokeSubjectLocked(subjectID string) {
	for _, d := range m.bySubject[subjectID] {
		if t := m.byDigest[d]; t != nil {
			t.Revoked = true
		}
	}
}
