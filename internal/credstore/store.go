// Package credstore owns principal identity and password verification.
// The auth pipeline only ever asks it two questions: who is this, and does
// this password match.
package credstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("credstore: principal not found")
	ErrAlreadyExists = errors.New("credstore: principal already exists")
)

// Principal is a registered identity. SubjectID is immutable; Role changes
// only through UpdateRole, which callers must gate behind admin authorization.
type Principal struct {
	SubjectID    string
	Username     string
	Role         string
	PasswordHash string
	CreatedAt    time.Time
}

type Store interface {
	// FindByUsername resolves a login identifier.
	FindByUsername(ctx context.Context, username string) (Principal, error)

	// FindBySubject resolves the immutable subject id (refresh flow).
	FindBySubject(ctx context.Context, subjectID string) (Principal, error)

	// Create registers a new principal. ErrAlreadyExists on username clash.
	Create(ctx context.Context, p Principal) error

	// UpdateRole changes a principal's role.
	UpdateRole(ctx context.Context, subjectID, role string) error
}
