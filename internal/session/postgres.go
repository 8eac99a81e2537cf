package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"authgate/pkg/utils"

	"github.com/google/uuid"
)

// PostgresRegistry persists refresh state in Postgres.
//
// NOTE: This registry assumes the following table exists:
//
//	CREATE TABLE refresh_tokens (
//	    digest       TEXT PRIMARY KEY,
//	    subject_id   TEXT NOT NULL,
//	    chain_id     TEXT NOT NULL,
//	    rotated_from TEXT,
//	    issued_at    TIMESTAMPTZ NOT NULL,
//	    expires_at   TIMESTAMPTZ NOT NULL,
//	    revoked      BOOLEAN NOT NULL DEFAULT FALSE
//	);
//	CREATE INDEX refresh_tokens_subject_idx ON refresh_tokens (subject_id);
//	CREATE INDEX refresh_tokens_chain_idx ON refresh_tokens (chain_id);
//
// Rows are kept after revocation so replayed handles stay detectable;
// expired rows are garbage for a retention job, not for this code path.
type PostgresRegistry struct {
	db        *sql.DB
	ttl       time.Duration
	opTimeout time.Duration
	now       func() time.Time
}

func NewPostgresRegistry(db *sql.DB, ttl, opTimeout time.Duration) *PostgresRegistry {
	return &PostgresRegistry{db: db, ttl: ttl, opTimeout: opTimeout, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (p *PostgresRegistry) WithClock(fn func() time.Time) *PostgresRegistry {
	p.now = fn
	return p
}

func (p *PostgresRegistry) Issue(ctx context.Context, subjectID string) (Issued, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	var iss Issued
	err := utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		iss, err = p.mint(ctx, tx, subjectID, uuid.NewString(), "")
		return err
	})
	if err != nil {
		return Issued{}, p.mapErr(err)
	}
	return iss, nil
}

func (p *PostgresRegistry) Rotate(ctx context.Context, handle string) (Issued, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	var iss Issued
	var reuseSubject string
	err := utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		old, err := lockToken(ctx, tx, DigestHandle(handle))
		if err != nil {
			return err
		}
		if old.Revoked {
			// Commit the escalation; returning an error here would roll the
			// subject-wide revocation back.
			reuseSubject = old.SubjectID
			return revokeSubjectTx(ctx, tx, old.SubjectID)
		}
		if p.now().After(old.ExpiresAt) {
			return ErrExpiredToken
		}
		const q = `UPDATE refresh_tokens SET revoked = TRUE WHERE digest = $1`
		if _, err := tx.ExecContext(ctx, q, old.Digest); err != nil {
			return err
		}
		iss, err = p.mint(ctx, tx, old.SubjectID, old.ChainID, old.Digest)
		return err
	})
	if err != nil {
		return Issued{}, p.mapErr(err)
	}
	if reuseSubject != "" {
		return Issued{}, &ReuseError{SubjectID: reuseSubject}
	}
	return iss, nil
}

func (p *PostgresRegistry) Revoke(ctx context.Context, handle string) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	err := utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		tok, err := lockToken(ctx, tx, DigestHandle(handle))
		if err != nil {
			return err
		}
		const q = `UPDATE refresh_tokens SET revoked = TRUE WHERE chain_id = $1 AND revoked = FALSE`
		_, err = tx.ExecContext(ctx, q, tok.ChainID)
		return err
	})
	return p.mapErr(err)
}

func (p *PostgresRegistry) RevokeAll(ctx context.Context, subjectID string) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	const q = `UPDATE refresh_tokens SET revoked = TRUE WHERE subject_id = $1 AND revoked = FALSE`
	if _, err := p.db.ExecContext(ctx, q, subjectID); err != nil {
		return p.mapErr(err)
	}
	return nil
}

// lockToken serializes concurrent rotations of one handle on the row lock,
// which is what makes Rotate single-winner.
func lockToken(ctx context.Context, tx *sql.Tx, digest string) (Token, error) {
	const q = `
SELECT digest, subject_id, chain_id, COALESCE(rotated_from, ''), issued_at, expires_at, revoked
FROM refresh_tokens
WHERE digest = $1
FOR UPDATE
`
	var t Token
	if err := tx.QueryRowContext(ctx, q, digest).Scan(
		&t.Digest,
		&t.SubjectID,
		&t.ChainID,
		&t.RotatedFrom,
		&t.IssuedAt,
		&t.ExpiresAt,
		&t.Revoked,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Token{}, ErrUnknownToken
		}
		return Token{}, err
	}
	return t, nil
}

func revokeSubjectTx(ctx context.Context, tx *sql.Tx, subjectID string) error {
	const q = `UPDATE refresh_tokens SET revoked = TRUE WHERE subject_id = $1 AND revoked = FALSE`
	_, err := tx.ExecContext(ctx, q, subjectID)
	return err
}

func (p *PostgresRegistry) mint(ctx context.Context, tx *sql.Tx, subjectID, chainID, rotatedFrom string) (Issued, error) {
	handle, err := NewHandle()
	if err != nil {
		return Issued{}, err
	}
	now := p.now().UTC()
	tok := Token{
		Digest:      DigestHandle(handle),
		SubjectID:   subjectID,
		ChainID:     chainID,
		RotatedFrom: rotatedFrom,
		IssuedAt:    now,
		ExpiresAt:   now.Add(p.ttl),
	}

	const q = `
INSERT INTO refresh_tokens (digest, subject_id, chain_id, rotated_from, issued_at, expires_at, revoked)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, FALSE)
`
	if _, err := tx.ExecContext(ctx, q, tok.Digest, tok.SubjectID, tok.ChainID, tok.RotatedFrom, tok.IssuedAt, tok.ExpiresAt); err != nil {
		return Issued{}, err
	}
	return Issued{Handle: handle, Token: tok}, nil
}

func (p *PostgresRegistry) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.opTimeout)
}

func (p *PostgresRegistry) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnknownToken),
		errors.Is(err, ErrExpiredToken),
		errors.Is(err, ErrReuseDetected):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
}
