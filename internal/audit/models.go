package audit

import "time"

// Event is an immutable, append-only security log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Logging is best-effort; auth flows must not fail on audit errors.
type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the security category of the record.
	Type EventType `json:"type" db:"type"`

	// SubjectID is the principal the event is about.
	SubjectID string `json:"subject_id" db:"subject_id"`

	// ActorID is the authenticated caller, when different from the subject
	// (e.g. an admin changing someone's role).
	ActorID string `json:"actor_id,omitempty" db:"actor_id"`

	// IPAddress should capture the original client IP when available.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeLogin           EventType = "login"
	EventTypeLoginFailed     EventType = "login_failed"
	EventTypeRefresh         EventType = "token_refreshed"
	EventTypeReuseDetected   EventType = "refresh_reuse_detected"
	EventTypeLogout          EventType = "logout"
	EventTypeSessionsRevoked EventType = "sessions_revoked"
	EventTypeRoleChanged     EventType = "role_changed"
)
