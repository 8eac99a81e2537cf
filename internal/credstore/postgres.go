package credstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore persists principals.
//
// NOTE: This store assumes the following table exists:
//
//	CREATE TABLE principals (
//	    subject_id    TEXT PRIMARY KEY,
//	    username      TEXT NOT NULL UNIQUE,
//	    role          TEXT NOT NULL,
//	    password_hash TEXT NOT NULL,
//	    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) FindByUsername(ctx context.Context, username string) (Principal, error) {
	const q = `
SELECT subject_id, username, role, password_hash, created_at
FROM principals
WHERE username = $1
`
	return s.scanOne(ctx, q, username)
}

func (s *PostgresStore) FindBySubject(ctx context.Context, subjectID string) (Principal, error) {
	const q = `
SELECT subject_id, username, role, password_hash, created_at
FROM principals
WHERE subject_id = $1
`
	return s.scanOne(ctx, q, subjectID)
}

func (s *PostgresStore) Create(ctx context.Context, p Principal) error {
	const q = `
INSERT INTO principals (subject_id, username, role, password_hash)
VALUES ($1, $2, $3, $4)
`
	if _, err := s.db.ExecContext(ctx, q, p.SubjectID, p.Username, p.Role, p.PasswordHash); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *PostgresStore) UpdateRole(ctx context.Context, subjectID, role string) error {
	const q = `UPDATE principals SET role = $2 WHERE subject_id = $1`
	res, err := s.db.ExecContext(ctx, q, subjectID, role)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) scanOne(ctx context.Context, q, arg string) (Principal, error) {
	var p Principal
	if err := s.db.QueryRowContext(ctx, q, arg).Scan(
		&p.SubjectID,
		&p.Username,
		&p.Role,
		&p.PasswordHash,
		&p.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Principal{}, ErrNotFound
		}
		return Principal{}, err
	}
	return p, nil
}

// unique_violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
