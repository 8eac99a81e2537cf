package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for security events.
//
// It MUST be append-only. No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records security-relevant auth events.
//
// Callers should treat audit logging as best-effort: a reuse incident must
// still fail the request even if the audit write fails.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.SubjectID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogReuseIncident records a replayed refresh handle and the forced logout
// that followed. This is the one event worth paging on.
func (s *Service) LogReuseIncident(ctx context.Context, subjectID, ip string) error {
	return s.Append(ctx, Event{
		Type:      EventTypeReuseDetected,
		SubjectID: subjectID,
		IPAddress: ip,
		Message:   "rotated refresh handle replayed; all sessions revoked",
	})
}

func (s *Service) LogLogin(ctx context.Context, subjectID, ip string) error {
	return s.Append(ctx, Event{Type: EventTypeLogin, SubjectID: subjectID, IPAddress: ip})
}

func (s *Service) LogLoginFailed(ctx context.Context, username, ip string) error {
	// Username, not subject id: the principal may not exist.
	return s.Append(ctx, Event{Type: EventTypeLoginFailed, SubjectID: username, IPAddress: ip})
}

func (s *Service) LogRefresh(ctx context.Context, subjectID, ip string) error {
	return s.Append(ctx, Event{Type: EventTypeRefresh, SubjectID: subjectID, IPAddress: ip})
}

func (s *Service) LogLogout(ctx context.Context, subjectID, ip string, everywhere bool) error {
	msg := "session chain revoked"
	typ := EventTypeLogout
	if everywhere {
		msg = "all sessions revoked"
		typ = EventTypeSessionsRevoked
	}
	return s.Append(ctx, Event{Type: typ, SubjectID: subjectID, IPAddress: ip, Message: msg})
}

func (s *Service) LogRoleChange(ctx context.Context, subjectID, actorID, role string) error {
	return s.Append(ctx, Event{
		Type:      EventTypeRoleChanged,
		SubjectID: subjectID,
		ActorID:   actorID,
		Message:   "role set to " + role,
	})
}
