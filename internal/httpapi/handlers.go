package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crm-voice/internal/auth"
	"crm-voice/internal/calllog"
	"crm-voice/internal/calls"
	"crm-voice/internal/credentials"
	"crm-voice/internal/feed"
	"crm-voice/internal/invites"
	"crm-voice/internal/phone"
	"crm-voice/internal/pushcreds"
	"crm-voice/internal/rbac"
	"crm-voice/internal/telephony"
	"crm-voice/internal/voiceapi"
	"crm-voice/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallControl is the subset of the telephony adapter the API drives.
type CallControl interface {
	Answer(ctx context.Context, callID string) error
	End(ctx context.Context, callID string) error
	SetHold(ctx context.Context, callID string, onHold bool) error
	SetMute(ctx context.Context, callID string, muted bool) error
	StartCall(ctx context.Context, req telephony.OutgoingCall) (calls.Session, error)
	AddParticipant(ctx context.Context, number string) error
	Reset(ctx context.Context)
}

type PushRegistration interface {
	OnCredentialsUpdated(ctx context.Context, deviceToken, deviceID string) (bool, error)
	OnCredentialsInvalidated(ctx context.Context, deviceID string) error
	Renew(ctx context.Context, deviceID string) (bool, error)
	Status(ctx context.Context) (pushcreds.Registration, error)
}

type PushInbox interface {
	HandlePush(ctx context.Context, raw []byte) (invites.Message, error)
}

type StateSource interface {
	Snapshot() calls.Snapshot
}

type CallHistory interface {
	Recent(ctx context.Context, limit int) ([]calllog.Entry, error)
	Summary(ctx context.Context, req calllog.SummaryRequest) (calllog.Summary, error)
}

// TokenCache drops cached voice session tokens when the account credential changes.
type TokenCache interface {
	InvalidateSessionToken(deviceID string)
}

type FeedServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth        *auth.Manager
	DeviceID    string
	Credentials credentials.Store
	Tokens      TokenCache

	Calls   CallControl
	Push    PushRegistration
	Inbox   PushInbox
	State   StateSource
	History CallHistory
	Feed    FeedServer
}

const maxPushBytes = 64 << 10

// ack is the uniform response to call actions: the surface needs only fulfilled or failed.
type ack struct {
	Fulfilled bool   `json:"fulfilled"`
	Error     string `json:"error,omitempty"`
}

// --- Auth ---

type deviceSessionRequest struct {
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	BasicAuthToken string `json:"basic_auth_token"`
}

// CreateDeviceSession stores the account credential used against the voice backend
// and issues a token pair bound to this device.
//
// NOTE: the account credential is checked by the backend on first use, not here.
func (h Handlers) CreateDeviceSession(c *gin.Context) {
	if h.Auth == nil || h.Credentials == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req deviceSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	if !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	if req.BasicAuthToken != "" {
		if err := h.Credentials.Set(c.Request.Context(), credentials.KeyBasicAuthToken, req.BasicAuthToken); err != nil {
			logger.FromGin(c).Error("store basic auth token failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "credential storage failed"})
			return
		}
		if h.Tokens != nil {
			h.Tokens.InvalidateSessionToken(h.DeviceID)
		}
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, h.DeviceID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	Role         string `json:"role"`
}

func (h Handlers) RefreshDeviceSession(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	if !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, req.Role, time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Push ---

// ReceivePush accepts a raw push payload relayed by the OS push channel.
func (h Handlers) ReceivePush(c *gin.Context) {
	if h.Inbox == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "push inbox not configured"})
		return
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushBytes))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	msg, err := h.Inbox.HandlePush(c.Request.Context(), raw)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"kind": msg.Kind})
}

type credentialsUpdatedRequest struct {
	DeviceToken string `json:"device_token"`
}

func (h Handlers) CredentialsUpdated(c *gin.Context) {
	if h.Push == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "push registration not configured"})
		return
	}
	var req credentialsUpdatedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	registered, err := h.Push.OnCredentialsUpdated(c.Request.Context(), req.DeviceToken, h.DeviceID)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": registered})
}

func (h Handlers) CredentialsInvalidated(c *gin.Context) {
	if h.Push == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "push registration not configured"})
		return
	}
	if err := h.Push.OnCredentialsInvalidated(c.Request.Context(), h.DeviceID); err != nil {
		// Local state is already cleared; the backend will expire the binding.
		logger.FromGin(c).Warn("unregister incomplete", "err", err)
		c.JSON(http.StatusOK, gin.H{"cleared": true, "unregistered": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true, "unregistered": true})
}

func (h Handlers) RenewRegistration(c *gin.Context) {
	if h.Push == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "push registration not configured"})
		return
	}
	registered, err := h.Push.Renew(c.Request.Context(), h.DeviceID)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": registered})
}

func (h Handlers) RegistrationStatus(c *gin.Context) {
	if h.Push == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "push registration not configured"})
		return
	}
	reg, err := h.Push.Status(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "registration lookup failed"})
		return
	}
	c.JSON(http.StatusOK, reg)
}

// --- Calls ---

func (h Handlers) GetState(c *gin.Context) {
	if h.State == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "state not configured"})
		return
	}
	snap := h.State.Snapshot()
	c.JSON(http.StatusOK, gin.H{"snapshot": snap, "banner": calls.BannerFor(snap)})
}

func (h Handlers) CallHistory(c *gin.Context) {
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call history not configured"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	entries, err := h.History.Recent(c.Request.Context(), limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// CallSummary aggregates history between from and to (RFC 3339), defaulting to the last 24 hours.
func (h Handlers) CallSummary(c *gin.Context) {
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call history not configured"})
		return
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if raw := c.Query("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
	}
	if raw := c.Query("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
	}
	out, err := h.History.Summary(c.Request.Context(), calllog.SummaryRequest{
		Range:     calllog.TimeRange{From: from, To: to},
		MailingID: c.Query("mailing_id"),
	})
	if err != nil {
		if errors.Is(err, calllog.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call summary failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) StartCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	var req telephony.OutgoingCall
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	sess, err := h.Calls.StartCall(c.Request.Context(), req)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), ack{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fulfilled": true, "session": sess})
}

func (h Handlers) AnswerCall(c *gin.Context) {
	h.callAction(c, func(ctx context.Context, id string) error { return h.Calls.Answer(ctx, id) })
}

func (h Handlers) EndCall(c *gin.Context) {
	h.callAction(c, func(ctx context.Context, id string) error { return h.Calls.End(ctx, id) })
}

type holdRequest struct {
	OnHold *bool `json:"on_hold"`
}

func (h Handlers) HoldCall(c *gin.Context) {
	var req holdRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.OnHold == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ack{Error: "on_hold required"})
		return
	}
	h.callAction(c, func(ctx context.Context, id string) error { return h.Calls.SetHold(ctx, id, *req.OnHold) })
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

func (h Handlers) MuteCall(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Muted == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ack{Error: "muted required"})
		return
	}
	h.callAction(c, func(ctx context.Context, id string) error { return h.Calls.SetMute(ctx, id, *req.Muted) })
}

type participantRequest struct {
	Number string `json:"number"`
}

func (h Handlers) AddParticipant(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	var req participantRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Number) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, ack{Error: "number required"})
		return
	}
	if err := h.Calls.AddParticipant(c.Request.Context(), req.Number); err != nil {
		c.AbortWithStatusJSON(statusFor(err), ack{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ack{Fulfilled: true})
}

// ResetProvider is called when the OS reports the call provider was reset.
func (h Handlers) ResetProvider(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	h.Calls.Reset(c.Request.Context())
	c.JSON(http.StatusOK, ack{Fulfilled: true})
}

// ServeFeed upgrades to the websocket event feed.
func (h Handlers) ServeFeed(c *gin.Context) {
	if h.Feed == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "feed not configured"})
		return
	}
	if feed.Role(c.Query("role")) == feed.RoleSurface {
		if role, _ := auth.Role(c.Request.Context()); role != rbac.RoleSurface {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "surface role required"})
			return
		}
	}
	h.Feed.ServeWS(c.Writer, c.Request)
}

func (h Handlers) callAction(c *gin.Context, fn func(ctx context.Context, id string) error) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	id := c.Param("call_id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, ack{Error: "call_id required"})
		return
	}
	if err := fn(c.Request.Context(), id); err != nil {
		c.AbortWithStatusJSON(statusFor(err), ack{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ack{Fulfilled: true})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var apiErr *voiceapi.APIError
	switch {
	case errors.Is(err, telephony.ErrUnknownCall):
		return http.StatusNotFound
	case errors.Is(err, telephony.ErrCallInProgress),
		errors.Is(err, telephony.ErrCallEnded),
		errors.Is(err, telephony.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, telephony.ErrNoDestination),
		errors.Is(err, telephony.ErrInvalidInvite),
		errors.Is(err, invites.ErrMalformedPayload),
		errors.Is(err, phone.ErrEmptyHandle),
		errors.Is(err, phone.ErrInvalidNumber),
		errors.Is(err, pushcreds.ErrDeviceTokenRequired),
		errors.Is(err, voiceapi.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, voiceapi.ErrMissingBasicAuth):
		return http.StatusPreconditionFailed
	case errors.Is(err, feed.ErrNoSurface),
		errors.Is(err, telephony.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, voiceapi.ErrUnauthorized), errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Convenience middleware bundles.

func RequireDeviceAndAnyRole(deviceID string, roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireDevice(deviceID), rbac.RequireAnyRole(roles...)}
}
