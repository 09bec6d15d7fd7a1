package calllog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"crm-voice/internal/calls"
)

func TestService_AppendRequiresCallAndReason(t *testing.T) {
	svc := NewService(NewMemoryRepo())

	if err := svc.Append(context.Background(), Entry{Reason: calls.EndReasonFailed}); err != ErrInvalidEntry {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
	if err := svc.Append(context.Background(), Entry{CallID: "c"}); err != ErrInvalidEntry {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestService_RecordSessionComputesTalkTime(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	connected := started.Add(5 * time.Second)
	sess := calls.Session{
		ID:           "c1",
		Direction:    calls.DirectionOutgoing,
		RemoteHandle: "+15551234567",
		Metadata:     calls.Metadata{LeadID: "lead-1", LeadFullName: "Ada"},
		StartedAt:    started,
		ConnectedAt:  &connected,
	}
	if err := svc.RecordSession(context.Background(), sess, calls.EndReasonLocalEnded, connected.Add(90*time.Second)); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, _ := repo.Recent(context.Background(), 10)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].DurationSeconds != 90 {
		t.Fatalf("expected 90s talk time, got %d", got[0].DurationSeconds)
	}
	if got[0].ID == "" || got[0].LeadID != "lead-1" {
		t.Fatalf("unexpected entry %+v", got[0])
	}
}

func TestService_RecordInviteHasNoTalkTime(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	inv := calls.Invite{ID: "i1", RemoteHandle: "+15550000000", ReceivedAt: time.Now().Add(-time.Minute)}
	if err := svc.RecordInvite(context.Background(), inv, calls.EndReasonUnanswered, time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, _ := repo.Recent(context.Background(), 0)
	if got[0].DurationSeconds != 0 || got[0].ConnectedAt != nil {
		t.Fatalf("missed call should have no talk time: %+v", got[0])
	}
	if got[0].Direction != calls.DirectionIncoming {
		t.Fatalf("expected incoming, got %s", got[0].Direction)
	}
}

func TestMemoryRepo_RecentNewestFirst(t *testing.T) {
	repo := NewMemoryRepo()
	for _, id := range []string{"a", "b", "c"} {
		_ = repo.Append(context.Background(), Entry{CallID: id})
	}
	got, _ := repo.Recent(context.Background(), 2)
	if len(got) != 2 || got[0].CallID != "c" || got[1].CallID != "b" {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestNewPostgresRepo_RequiresDB(t *testing.T) {
	if _, err := NewPostgresRepo((*sql.DB)(nil)); err == nil {
		t.Fatalf("expected error")
	}
	var _ Repository = (*PostgresRepo)(nil)
	var _ Repository = (*MemoryRepo)(nil)
}
