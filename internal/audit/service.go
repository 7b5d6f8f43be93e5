package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to end users.
// - Callers should treat audit logging as best-effort.

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

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogRateChange records an admin writing a billing rate.
func (s *Service) LogRateChange(ctx context.Context, actorUserID, actorRole, ip, rateID, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeRateChange,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		RateID:      rateID,
		Message:     "rate upserted",
		Metadata:    metadata,
	})
}

// LogDeposit records a credit deposit against a user's balance.
func (s *Service) LogDeposit(ctx context.Context, actorUserID, actorRole, ip, subjectUserID, metadata string) error {
	return s.Append(ctx, Event{
		Type:          EventTypeDeposit,
		ActorUserID:   actorUserID,
		ActorRole:     actorRole,
		IPAddress:     ip,
		SubjectUserID: subjectUserID,
		Message:       "credits deposited",
		Metadata:      metadata,
	})
}
