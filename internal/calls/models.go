package calls

import "time"

// Session represents one call tracked by the device, incoming or outgoing.
//
// Invariant: at most one Session in a non-ended state exists per device at any time.
// Sessions are mutated only by the telephony adapter; everything else reads copies.
type Session struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	State     State     `json:"state"`

	// RemoteHandle is the other party, E.164 where it could be normalised.
	RemoteHandle string `json:"remote_handle"`

	// Hold and mute are tracked independently of State, which is only the display state.
	IsOnHold bool `json:"is_on_hold"`
	IsMuted  bool `json:"is_muted"`

	Metadata Metadata `json:"metadata"`

	StartedAt   time.Time  `json:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`

	// EndingLocally is set once the local user asked to hang up, so the
	// signaling disconnect that follows is not reported to the call surface twice.
	EndingLocally bool `json:"-"`
}

// Metadata is the business linkage carried in custom call parameters.
// Decoded once at the invite boundary; empty fields mean "not provided".
type Metadata struct {
	LeadID             string `json:"lead_id,omitempty"`
	LeadFullName       string `json:"lead_full_name,omitempty"`
	RelatedMailingID   string `json:"related_mailing_id,omitempty"`
	RelatedMailingName string `json:"related_mailing_name,omitempty"`
}

// CallerDisplayName prefers the lead name, falling back to the supplied handle.
func (m Metadata) CallerDisplayName(handle string) string {
	if m.LeadFullName != "" {
		return m.LeadFullName
	}
	return handle
}

// Invite is an announced incoming call that was neither accepted nor rejected yet.
type Invite struct {
	ID           string    `json:"id"`
	RemoteHandle string    `json:"remote_handle"`
	Metadata     Metadata  `json:"metadata"`
	ReceivedAt   time.Time `json:"received_at"`
}

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateHeld       State = "held"
	StateMuted      State = "muted"
	StateEnded      State = "ended"
)

// Live reports whether the state counts against the single active call limit.
func (s State) Live() bool {
	return s != "" && s != StateEnded
}

// EndReason is reported to the native call surface when a call goes away.
type EndReason string

const (
	EndReasonFailed      EndReason = "failed"
	EndReasonRemoteEnded EndReason = "remote_ended"
	EndReasonUnanswered  EndReason = "unanswered"
	EndReasonDeclined    EndReason = "declined"
	EndReasonLocalEnded  EndReason = "local_ended"
)

// DisplayState derives the state shown to the user from the hold and mute flags.
// Held and muted are only reachable once the call is active.
func (s Session) DisplayState() State {
	switch s.State {
	case StateConnecting, StateEnded:
		return s.State
	}
	if s.IsOnHold {
		return StateHeld
	}
	if s.IsMuted {
		return StateMuted
	}
	return StateActive
}

// DisplayLabel is the call banner text.
func (s Session) DisplayLabel() string {
	switch s.DisplayState() {
	case StateConnecting:
		if s.Direction == DirectionIncoming {
			return "Connecting..."
		}
		return "Calling..."
	case StateHeld:
		return "On hold"
	case StateMuted:
		return "Muted"
	case StateEnded:
		return "Call ended"
	default:
		return "Active call"
	}
}
