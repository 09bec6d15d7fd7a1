package telephony

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"crm-voice/internal/calls"
	"crm-voice/internal/phone"
	"crm-voice/internal/registry"
	"crm-voice/pkg/logger"

	"github.com/google/uuid"
)

var (
	ErrUnknownCall    = errors.New("telephony: unknown call")
	ErrCallInProgress = errors.New("telephony: another call is in progress")
	ErrCallEnded      = errors.New("telephony: call ended before the action completed")
	ErrNotConnected   = errors.New("telephony: call is not connected")
	ErrNoDestination  = errors.New("telephony: no destination to dial")
	ErrInvalidInvite  = errors.New("telephony: invalid invite")
	ErrNotConfigured  = errors.New("telephony: dependency not configured")
)

// Adapter is the call state machine. It is the only writer of the registry and
// the only caller of the native surface and signaling engine.
//
// Rules:
// - mu covers registry check-then-act sequences only. Engine, surface and backend
//   calls are made without it, and their completions re-check the registry.
// - controlMu is held across a hold or mute engine call and its registry update,
//   so both apply user actions in arrival order. It is always taken before mu.
// - A call that went away while an operation was in flight is not resurrected.
// - Registry observers run while mu is held and must not call back into the Adapter.
type Adapter struct {
	mu        sync.Mutex
	controlMu sync.Mutex

	reg     *registry.Registry
	surface NativeCallSurface
	engine  SignalingEngine

	tokens     SessionTokenClient
	leads      LeadResolver
	conference ConferenceClient
	ringback   Ringback
	recorder   CallRecorder

	deviceID  string
	callerID  string
	region    string
	inviteTTL time.Duration

	clock func() time.Time
	newID func() string
}

type Options struct {
	DeviceID string
	// CallerID is the number outgoing calls and added participants are dialed from.
	CallerID string
	// Region is the default ISO 3166 region for dialed numbers.
	Region string
	// InviteTTL bounds how long an unanswered invite is kept; zero keeps it forever.
	InviteTTL time.Duration

	Tokens     SessionTokenClient
	Leads      LeadResolver
	Conference ConferenceClient
	Ringback   Ringback
	Recorder   CallRecorder

	Clock func() time.Time
	NewID func() string
}

func NewAdapter(reg *registry.Registry, surface NativeCallSurface, engine SignalingEngine, opts Options) (*Adapter, error) {
	if reg == nil || surface == nil || engine == nil {
		return nil, ErrNotConfigured
	}
	a := &Adapter{
		reg:        reg,
		surface:    surface,
		engine:     engine,
		tokens:     opts.Tokens,
		leads:      opts.Leads,
		conference: opts.Conference,
		ringback:   opts.Ringback,
		recorder:   opts.Recorder,
		deviceID:   opts.DeviceID,
		callerID:   opts.CallerID,
		region:     opts.Region,
		inviteTTL:  opts.InviteTTL,
		clock:      opts.Clock,
		newID:      opts.NewID,
	}
	if a.clock == nil {
		a.clock = time.Now
	}
	if a.newID == nil {
		a.newID = uuid.NewString
	}
	return a, nil
}

func (a *Adapter) now() time.Time { return a.clock().UTC() }

// ReportInvite announces an incoming call to the native surface and tracks it
// as pending. While another call is live the invite is rejected as busy.
func (a *Adapter) ReportInvite(ctx context.Context, inv calls.Invite) error {
	if strings.TrimSpace(inv.ID) == "" {
		return ErrInvalidInvite
	}
	if inv.ReceivedAt.IsZero() {
		inv.ReceivedAt = a.now()
	}
	log := logger.From(ctx).With("call_id", inv.ID)

	a.mu.Lock()
	_, pending := a.reg.FindInvite(inv.ID)
	_, accepted := a.reg.Find(inv.ID)
	if pending || accepted {
		a.mu.Unlock()
		log.Debug("duplicate invite ignored")
		return nil
	}
	if a.reg.HasLive() {
		a.mu.Unlock()
		log.Info("invite rejected, call in progress")
		a.rejectQuietly(ctx, inv.ID)
		a.recordInvite(ctx, inv, calls.EndReasonDeclined)
		return ErrCallInProgress
	}
	err := a.reg.AddInvite(inv)
	a.mu.Unlock()
	if err != nil {
		return err
	}

	handle := inv.Metadata.CallerDisplayName(inv.RemoteHandle)
	if err := a.surface.ReportNewIncomingCall(ctx, inv.ID, handle, false); err != nil {
		a.mu.Lock()
		_, stillPending := a.reg.RemoveInvite(inv.ID)
		a.mu.Unlock()
		if stillPending {
			a.rejectQuietly(ctx, inv.ID)
		}
		return fmt.Errorf("telephony: report invite %s: %w", inv.ID, err)
	}
	log.Info("invite reported", "from", inv.RemoteHandle, "lead", inv.Metadata.LeadID)
	return nil
}

// Cancel drops a pending invite the caller gave up on. It reports whether an
// invite was removed; a cancel for an accepted or unknown call changes nothing.
func (a *Adapter) Cancel(ctx context.Context, callID string) bool {
	a.mu.Lock()
	inv, ok := a.reg.RemoveInvite(callID)
	a.mu.Unlock()
	if !ok {
		logger.From(ctx).Debug("cancel ignored", "call_id", callID)
		return false
	}
	at := a.now()
	a.surface.ReportCallEnded(ctx, callID, calls.EndReasonRemoteEnded, at)
	a.recordInvite(ctx, inv, calls.EndReasonRemoteEnded)
	return true
}

// Answer accepts a pending invite. It fails with ErrUnknownCall when the invite
// was already cancelled and with ErrCallInProgress while another call is live.
func (a *Adapter) Answer(ctx context.Context, callID string) error {
	a.mu.Lock()
	inv, ok := a.reg.FindInvite(callID)
	if !ok {
		_, accepted := a.reg.Find(callID)
		a.mu.Unlock()
		if accepted {
			return nil
		}
		return ErrUnknownCall
	}
	sess := calls.Session{
		ID:           inv.ID,
		Direction:    calls.DirectionIncoming,
		State:        calls.StateConnecting,
		RemoteHandle: inv.RemoteHandle,
		Metadata:     inv.Metadata,
		StartedAt:    a.now(),
	}
	err := a.reg.Promote(callID, sess)
	a.mu.Unlock()
	if err != nil {
		if errors.Is(err, registry.ErrActiveSession) {
			return ErrCallInProgress
		}
		return err
	}

	if err := a.engine.Accept(ctx, callID); err != nil {
		a.finish(ctx, callID, calls.EndReasonFailed)
		return fmt.Errorf("telephony: accept %s: %w", callID, err)
	}
	if _, ok := a.reg.Find(callID); !ok {
		return ErrCallEnded
	}
	return nil
}

// End hangs up a session or declines a pending invite on behalf of the local user.
// The surface is not told about the end; it asked for it.
func (a *Adapter) End(ctx context.Context, callID string) error {
	a.mu.Lock()
	if inv, ok := a.reg.RemoveInvite(callID); ok {
		a.mu.Unlock()
		a.rejectQuietly(ctx, callID)
		a.recordInvite(ctx, inv, calls.EndReasonDeclined)
		return nil
	}
	_, err := a.reg.Update(callID, func(s *calls.Session) { s.EndingLocally = true })
	a.mu.Unlock()
	if err != nil {
		return ErrUnknownCall
	}

	if err := a.engine.Disconnect(ctx, callID); err != nil {
		logger.From(ctx).Warn("disconnect failed", "call_id", callID, "err", err)
	}
	a.finish(ctx, callID, calls.EndReasonLocalEnded)
	return nil
}

// SetHold puts the call on or off hold. Flags may be set while connecting;
// the displayed state follows them once the call is active.
func (a *Adapter) SetHold(ctx context.Context, callID string, onHold bool) error {
	a.controlMu.Lock()
	defer a.controlMu.Unlock()
	if _, ok := a.reg.Find(callID); !ok {
		return ErrUnknownCall
	}
	if err := a.engine.SetHeld(ctx, callID, onHold); err != nil {
		return fmt.Errorf("telephony: hold %s: %w", callID, err)
	}
	return a.applyFlags(callID, func(s *calls.Session) { s.IsOnHold = onHold })
}

func (a *Adapter) SetMute(ctx context.Context, callID string, muted bool) error {
	a.controlMu.Lock()
	defer a.controlMu.Unlock()
	if _, ok := a.reg.Find(callID); !ok {
		return ErrUnknownCall
	}
	if err := a.engine.SetMuted(ctx, callID, muted); err != nil {
		return fmt.Errorf("telephony: mute %s: %w", callID, err)
	}
	return a.applyFlags(callID, func(s *calls.Session) { s.IsMuted = muted })
}

func (a *Adapter) applyFlags(callID string, set func(*calls.Session)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.reg.Update(callID, func(s *calls.Session) {
		set(s)
		if s.State != calls.StateConnecting {
			s.State = s.DisplayState()
		}
	})
	if errors.Is(err, registry.ErrNotFound) {
		return ErrCallEnded
	}
	return err
}

// OutgoingCall describes a call the user places. To may be empty when LeadID
// resolves to a phone number.
type OutgoingCall struct {
	To                 string `json:"to"`
	LeadID             string `json:"lead_id,omitempty"`
	LeadFullName       string `json:"lead_full_name,omitempty"`
	RelatedMailingID   string `json:"related_mailing_id,omitempty"`
	RelatedMailingName string `json:"related_mailing_name,omitempty"`
}

// StartCall reserves the single call slot, then dials. Any failure after the
// reservation ends the session as failed. The surface hears "connecting" before
// the engine dials, so a fast "connected" event can never overtake it.
func (a *Adapter) StartCall(ctx context.Context, req OutgoingCall) (calls.Session, error) {
	if a.tokens == nil {
		return calls.Session{}, ErrNotConfigured
	}
	if strings.TrimSpace(req.To) == "" && req.LeadID == "" {
		return calls.Session{}, ErrNoDestination
	}

	id := a.newID()
	log := logger.From(ctx).With("call_id", id)
	sess := calls.Session{
		ID:           id,
		Direction:    calls.DirectionOutgoing,
		State:        calls.StateConnecting,
		RemoteHandle: strings.TrimSpace(req.To),
		Metadata: calls.Metadata{
			LeadID:             req.LeadID,
			LeadFullName:       req.LeadFullName,
			RelatedMailingID:   req.RelatedMailingID,
			RelatedMailingName: req.RelatedMailingName,
		},
		StartedAt: a.now(),
	}

	a.mu.Lock()
	err := a.reg.Add(sess)
	a.mu.Unlock()
	if err != nil {
		if errors.Is(err, registry.ErrActiveSession) {
			return calls.Session{}, ErrCallInProgress
		}
		return calls.Session{}, err
	}

	fail := func(err error) (calls.Session, error) {
		log.Warn("outgoing call failed", "err", err)
		a.finish(ctx, id, calls.EndReasonFailed)
		return calls.Session{}, err
	}

	to, meta, err := a.resolveDestination(ctx, sess.RemoteHandle, sess.Metadata)
	if err != nil {
		return fail(err)
	}
	if _, err := a.reg.Update(id, func(s *calls.Session) {
		s.RemoteHandle = to
		s.Metadata = meta
	}); err != nil {
		return calls.Session{}, ErrCallEnded
	}

	tok, err := a.tokens.FetchSessionToken(ctx, a.deviceID)
	if err != nil {
		return fail(fmt.Errorf("telephony: session token: %w", err))
	}
	if _, ok := a.reg.Find(id); !ok {
		return calls.Session{}, ErrCallEnded
	}
	a.surface.ReportOutgoingCallConnecting(ctx, id)

	params := ConnectParams{
		SessionID: id,
		From:      a.callerID,
		To:        to,
		LeadID:    meta.LeadID,
		MailingID: meta.RelatedMailingID,
	}
	if err := a.engine.Connect(ctx, tok.Token, params); err != nil {
		return fail(fmt.Errorf("telephony: connect: %w", err))
	}

	cur, ok := a.reg.Find(id)
	if !ok {
		a.disconnectQuietly(ctx, id)
		return calls.Session{}, ErrCallEnded
	}
	log.Info("outgoing call connecting", "to", to)
	return cur, nil
}

func (a *Adapter) resolveDestination(ctx context.Context, to string, meta calls.Metadata) (string, calls.Metadata, error) {
	if meta.LeadID != "" && a.leads != nil && (to == "" || meta.LeadFullName == "") {
		lead, err := a.leads.ResolveLead(ctx, meta.LeadID)
		if err != nil {
			return "", meta, fmt.Errorf("telephony: resolve lead: %w", err)
		}
		if to == "" {
			to = lead.Phone
		}
		if meta.LeadFullName == "" {
			meta.LeadFullName = lead.FullName
		}
	}
	if to == "" {
		return "", meta, ErrNoDestination
	}
	normalized, err := phone.Normalize(to, a.region)
	if err != nil {
		return "", meta, fmt.Errorf("telephony: destination %q: %w", to, err)
	}
	return normalized, meta, nil
}

// AddParticipant dials number into the live call's conference.
func (a *Adapter) AddParticipant(ctx context.Context, number string) error {
	if a.conference == nil || a.tokens == nil {
		return ErrNotConfigured
	}
	s, ok := a.reg.Live()
	if !ok {
		return ErrUnknownCall
	}
	if s.State == calls.StateConnecting {
		return ErrNotConnected
	}
	normalized, err := phone.Normalize(number, a.region)
	if err != nil {
		return fmt.Errorf("telephony: participant %q: %w", number, err)
	}
	tok, err := a.tokens.FetchSessionToken(ctx, a.deviceID)
	if err != nil {
		return fmt.Errorf("telephony: session token: %w", err)
	}
	return a.conference.AddParticipant(ctx, tok.Token, normalized, a.callerID)
}

// HandleSignalingEvent applies one call progress event from the engine.
func (a *Adapter) HandleSignalingEvent(ctx context.Context, ev SignalingEvent) {
	log := logger.From(ctx).With("call_id", ev.CallID, "event", string(ev.Kind))
	switch ev.Kind {
	case EventRinging:
		s, ok := a.reg.Find(ev.CallID)
		if ok && s.State == calls.StateConnecting && ev.PlayRingback && a.ringback != nil {
			a.ringback.Start(ev.CallID)
		}
	case EventConnected:
		a.connected(ctx, ev.CallID)
	case EventConnectFailed:
		if !a.finish(ctx, ev.CallID, calls.EndReasonFailed) {
			log.Debug("connect failure for untracked call")
		}
	case EventDisconnected:
		reason := calls.EndReasonRemoteEnded
		if ev.Error != "" {
			reason = calls.EndReasonFailed
		}
		if !a.finish(ctx, ev.CallID, reason) && !a.Cancel(ctx, ev.CallID) {
			log.Debug("disconnect for untracked call")
		}
	default:
		log.Warn("unknown signaling event")
	}
}

func (a *Adapter) connected(ctx context.Context, callID string) {
	at := a.now()
	wasConnecting := false

	a.mu.Lock()
	s, err := a.reg.Update(callID, func(s *calls.Session) {
		if s.State != calls.StateConnecting {
			return
		}
		wasConnecting = true
		s.ConnectedAt = &at
		s.State = calls.StateActive
		s.State = s.DisplayState()
	})
	a.mu.Unlock()
	if err != nil {
		logger.From(ctx).Warn("connected event for untracked call, disconnecting", "call_id", callID)
		a.disconnectQuietly(ctx, callID)
		return
	}

	a.stopRingback(callID)
	if wasConnecting && s.Direction == calls.DirectionOutgoing {
		a.surface.ReportOutgoingCallConnected(ctx, callID)
	}
}

// finish removes a session and reports its end, unless the local user ended it.
// It reports whether a session was removed.
func (a *Adapter) finish(ctx context.Context, callID string, reason calls.EndReason) bool {
	a.mu.Lock()
	s, ok := a.reg.Find(callID)
	if ok {
		a.reg.Remove(callID)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}

	a.stopRingback(callID)
	at := a.now()
	if s.EndingLocally {
		reason = calls.EndReasonLocalEnded
	} else {
		a.surface.ReportCallEnded(ctx, callID, reason, at)
	}
	s.State = calls.StateEnded
	a.recordSession(ctx, s, reason, at)
	logger.From(ctx).Info("call ended", "call_id", callID, "reason", string(reason))
	return true
}

// Reset tears down every call after the native call stack reset.
// Pending invites are rejected so the caller stops ringing.
func (a *Adapter) Reset(ctx context.Context) {
	a.mu.Lock()
	pending := a.reg.Snapshot().Invites
	cleared := a.reg.ResetAll()
	a.mu.Unlock()

	at := a.now()
	for _, s := range cleared {
		a.stopRingback(s.ID)
		a.disconnectQuietly(ctx, s.ID)
		s.State = calls.StateEnded
		a.recordSession(ctx, s, calls.EndReasonFailed, at)
	}
	for _, inv := range pending {
		a.rejectQuietly(ctx, inv.ID)
		a.recordInvite(ctx, inv, calls.EndReasonFailed)
	}
	if len(cleared) > 0 || len(pending) > 0 {
		logger.From(ctx).Warn("call state reset", "sessions", len(cleared), "invites", len(pending))
	}
}

// ExpireInvites ends invites older than the configured TTL as unanswered.
func (a *Adapter) ExpireInvites(ctx context.Context) int {
	if a.inviteTTL <= 0 {
		return 0
	}
	cutoff := a.now().Add(-a.inviteTTL)

	a.mu.Lock()
	var expired []calls.Invite
	for _, inv := range a.reg.Snapshot().Invites {
		if inv.ReceivedAt.After(cutoff) {
			continue
		}
		if removed, ok := a.reg.RemoveInvite(inv.ID); ok {
			expired = append(expired, removed)
		}
	}
	a.mu.Unlock()

	at := a.now()
	for _, inv := range expired {
		a.rejectQuietly(ctx, inv.ID)
		a.surface.ReportCallEnded(ctx, inv.ID, calls.EndReasonUnanswered, at)
		a.recordInvite(ctx, inv, calls.EndReasonUnanswered)
	}
	return len(expired)
}

// RunInviteExpiry sweeps invites until ctx is done.
func (a *Adapter) RunInviteExpiry(ctx context.Context) {
	if a.inviteTTL <= 0 {
		return
	}
	interval := a.inviteTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := a.ExpireInvites(ctx); n > 0 {
				logger.From(ctx).Info("invites expired", "count", n)
			}
		}
	}
}

func (a *Adapter) rejectQuietly(ctx context.Context, callID string) {
	if err := a.engine.Reject(ctx, callID); err != nil {
		logger.From(ctx).Warn("reject failed", "call_id", callID, "err", err)
	}
}

func (a *Adapter) disconnectQuietly(ctx context.Context, callID string) {
	if err := a.engine.Disconnect(ctx, callID); err != nil {
		logger.From(ctx).Warn("disconnect failed", "call_id", callID, "err", err)
	}
}

func (a *Adapter) stopRingback(callID string) {
	if a.ringback != nil {
		a.ringback.Stop(callID)
	}
}

func (a *Adapter) recordSession(ctx context.Context, s calls.Session, reason calls.EndReason, at time.Time) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.RecordSession(ctx, s, reason, at); err != nil {
		logger.From(ctx).Warn("call log write failed", "call_id", s.ID, "err", err)
	}
}

func (a *Adapter) recordInvite(ctx context.Context, inv calls.Invite, reason calls.EndReason) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.RecordInvite(ctx, inv, reason, a.now()); err != nil {
		logger.From(ctx).Warn("call log write failed", "call_id", inv.ID, "err", err)
	}
}
