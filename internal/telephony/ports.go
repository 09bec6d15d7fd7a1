package telephony

import (
	"context"
	"time"

	"crm-voice/internal/calls"
	"crm-voice/internal/voiceapi"
)

// NativeCallSurface is the OS call UI the device reports into.
//
// Rules:
// - Only the Adapter talks to the surface.
// - Report* calls other than ReportNewIncomingCall are fire-and-forget.
type NativeCallSurface interface {
	ReportNewIncomingCall(ctx context.Context, callID, handle string, hasVideo bool) error
	ReportOutgoingCallConnecting(ctx context.Context, callID string)
	ReportOutgoingCallConnected(ctx context.Context, callID string)
	ReportCallEnded(ctx context.Context, callID string, reason calls.EndReason, at time.Time)
}

// ConnectParams are passed to the signaling engine when dialing out.
type ConnectParams struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`

	LeadID    string `json:"lead_id,omitempty"`
	MailingID string `json:"related_mailing_id,omitempty"`
}

// SignalingEngine performs call control. Call progress arrives separately as
// SignalingEvents passed to Adapter.HandleSignalingEvent.
type SignalingEngine interface {
	Connect(ctx context.Context, accessToken string, p ConnectParams) error
	Accept(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID string) error
	Disconnect(ctx context.Context, callID string) error
	SetMuted(ctx context.Context, callID string, muted bool) error
	SetHeld(ctx context.Context, callID string, held bool) error
}

type SessionTokenClient interface {
	FetchSessionToken(ctx context.Context, deviceID string) (voiceapi.SessionToken, error)
}

type LeadResolver interface {
	ResolveLead(ctx context.Context, leadID string) (voiceapi.Lead, error)
}

type ConferenceClient interface {
	AddParticipant(ctx context.Context, sessionToken, addNumber, fromNumber string) error
}

// Ringback plays the local ringing tone while an outgoing call rings.
type Ringback interface {
	Start(callID string)
	Stop(callID string)
}

// CallRecorder writes call history. Failures are logged, never surfaced.
type CallRecorder interface {
	RecordSession(ctx context.Context, s calls.Session, reason calls.EndReason, endedAt time.Time) error
	RecordInvite(ctx context.Context, inv calls.Invite, reason calls.EndReason, endedAt time.Time) error
}

type EventKind string

const (
	EventRinging       EventKind = "ringing"
	EventConnected     EventKind = "connected"
	EventConnectFailed EventKind = "connect_failed"
	EventDisconnected  EventKind = "disconnected"
)

// SignalingEvent is one call progress notification from the signaling engine.
type SignalingEvent struct {
	CallID string    `json:"call_id"`
	Kind   EventKind `json:"kind"`

	// PlayRingback is set on ringing events when the far end sends no early media.
	PlayRingback bool `json:"play_ringback,omitempty"`

	// Error is set when a disconnect was caused by a failure.
	Error string `json:"error,omitempty"`
}
