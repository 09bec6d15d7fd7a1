package calllog

import (
	"context"
	"errors"
	"time"

	"crm-voice/internal/calls"

	"github.com/google/uuid"
)

// Repository is the persistence contract for call log entries.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Between returns entries with from <= EndedAt < to, oldest first.
	// An empty mailingID matches every entry.
	Between(ctx context.Context, from, to time.Time, mailingID string) ([]Entry, error)
}

// Service writes the device call history.
//
// Callers treat logging as best-effort; a failed write never changes call state.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEntry = errors.New("calllog: invalid entry")

func (s *Service) Append(ctx context.Context, e Entry) error {
	if s.repo == nil {
		return errors.New("calllog: repository not configured")
	}
	if e.CallID == "" || e.Reason == "" {
		return ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EndedAt.IsZero() {
		e.EndedAt = s.clock().UTC()
	}
	if e.ConnectedAt != nil && e.EndedAt.After(*e.ConnectedAt) {
		e.DurationSeconds = int(e.EndedAt.Sub(*e.ConnectedAt) / time.Second)
	}
	return s.repo.Append(ctx, e)
}

// RecordSession logs a session that ended with reason.
func (s *Service) RecordSession(ctx context.Context, sess calls.Session, reason calls.EndReason, endedAt time.Time) error {
	return s.Append(ctx, Entry{
		CallID:             sess.ID,
		Direction:          sess.Direction,
		RemoteHandle:       sess.RemoteHandle,
		LeadID:             sess.Metadata.LeadID,
		LeadFullName:       sess.Metadata.LeadFullName,
		RelatedMailingID:   sess.Metadata.RelatedMailingID,
		RelatedMailingName: sess.Metadata.RelatedMailingName,
		Reason:             reason,
		StartedAt:          sess.StartedAt,
		ConnectedAt:        sess.ConnectedAt,
		EndedAt:            endedAt,
	})
}

// RecordInvite logs an incoming call that went away before it was answered.
func (s *Service) RecordInvite(ctx context.Context, inv calls.Invite, reason calls.EndReason, endedAt time.Time) error {
	return s.Append(ctx, Entry{
		CallID:             inv.ID,
		Direction:          calls.DirectionIncoming,
		RemoteHandle:       inv.RemoteHandle,
		LeadID:             inv.Metadata.LeadID,
		LeadFullName:       inv.Metadata.LeadFullName,
		RelatedMailingID:   inv.Metadata.RelatedMailingID,
		RelatedMailingName: inv.Metadata.RelatedMailingName,
		Reason:             reason,
		StartedAt:          inv.ReceivedAt,
		EndedAt:            endedAt,
	})
}

// Recent returns the latest entries, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s.repo == nil {
		return nil, errors.New("calllog: repository not configured")
	}
	return s.repo.Recent(ctx, limit)
}
