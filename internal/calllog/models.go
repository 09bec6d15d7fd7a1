package calllog

import (
	"time"

	"crm-voice/internal/calls"
)

// Entry is an append-only record of a call that went away.
//
// Invariants:
// - Entries are never updated or deleted.
// - Reason is always set; it mirrors what the call surface was told.
// - Invites that were never answered are logged with a zero ConnectedAt.
type Entry struct {
	ID     string `json:"id" db:"id"`
	CallID string `json:"call_id" db:"call_id"`

	Direction    calls.Direction `json:"direction" db:"direction"`
	RemoteHandle string          `json:"remote_handle" db:"remote_handle"`

	LeadID             string `json:"lead_id,omitempty" db:"lead_id"`
	LeadFullName       string `json:"lead_full_name,omitempty" db:"lead_full_name"`
	RelatedMailingID   string `json:"related_mailing_id,omitempty" db:"related_mailing_id"`
	RelatedMailingName string `json:"related_mailing_name,omitempty" db:"related_mailing_name"`

	Reason calls.EndReason `json:"reason" db:"reason"`

	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	EndedAt     time.Time  `json:"ended_at" db:"ended_at"`

	// DurationSeconds counts talk time only, from connect to end.
	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`
}
