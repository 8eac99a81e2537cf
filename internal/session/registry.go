// Package session is the source of truth for refresh credentials. Access
// tokens are stateless; everything that requires server-side memory (logout,
// rotation, theft detection) lives here.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrUnknownToken = errors.New("session: unknown refresh token")
	ErrExpiredToken = errors.New("session: refresh token expired")

	// ErrReuseDetected means an already-rotated handle was presented. The
	// registry has revoked every session for the subject before returning it.
	// The concrete error is a *ReuseError carrying the subject.
	ErrReuseDetected = errors.New("session: refresh token reuse detected")

	// ErrRegistryUnavailable is retryable; the operation timed out or the
	// backing store is unreachable. Nothing was committed.
	ErrRegistryUnavailable = errors.New("session: registry unavailable")
)

// ReuseError reports which subject's sessions were force-revoked, so the
// caller can audit the incident. errors.Is(err, ErrReuseDetected) holds.
type ReuseError struct {
	SubjectID string
}

func (e *ReuseError) Error() string { return ErrReuseDetected.Error() }

func (e *ReuseError) Is(target error) bool { return target == ErrReuseDetected }

// Token is a registry record. Only the SHA-256 digest of the handle is
// stored; the raw handle exists client-side and in transit only.
type Token struct {
	Digest      string
	SubjectID   string
	ChainID     string
	RotatedFrom string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Revoked     bool
}

// Issued pairs a freshly minted raw handle with its stored record. The
// handle is returned to the client exactly once.
type Issued struct {
	Handle string
	Token  Token
}

// Registry tracks which refresh handles are currently valid.
//
// Rotate is linearizable per handle: of two concurrent calls with the same
// handle, exactly one receives a new token. The loser observes
// ErrReuseDetected (or ErrUnknownToken) and never a second valid token.
type Registry interface {
	// Issue starts a new session chain for the subject.
	Issue(ctx context.Context, subjectID string) (Issued, error)

	// Rotate exchanges a live handle for a fresh one in the same chain,
	// revoking the old handle. A revoked handle is a reuse signal: the whole
	// subject is logged out and ErrReuseDetected returned.
	Rotate(ctx context.Context, handle string) (Issued, error)

	// Revoke ends the chain the handle belongs to (single-session logout).
	Revoke(ctx context.Context, handle string) error

	// RevokeAll ends every session for the subject (logout everywhere,
	// reuse response, account compromise).
	RevokeAll(ctx context.Context, subjectID string) error
}

// NewHandle mints a 256-bit random opaque handle.
func NewHandle() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DigestHandle maps a raw handle to its storage key.
func DigestHandle(handle string) string {
	sum := sha256.Sum256([]byte(handle))
	return hex.EncodeToString(sum[:])
}
