package voiceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"crm-voice/internal/credentials"

	"github.com/golang-jwt/jwt/v5"
)

// Client talks to the CRM voice backend.
//
// Rules:
// - Account calls authenticate with the stored basic_auth_token.
// - Voice calls authenticate with a short-lived session token.
// - No retries here; callers own their retry policy.
type Client struct {
	baseURL string
	http    *http.Client
	store   credentials.Store
	now     func() time.Time

	mu     sync.Mutex
	cached map[string]SessionToken
}

// SessionToken is a short-lived voice access token and the client identity it grants.
type SessionToken struct {
	Token     string
	Identity  string
	ExpiresAt time.Time
}

// Lead is the subset of a CRM lead needed to place a call.
type Lead struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("voiceapi: %s failed with status %d: %s", e.Op, e.Status, e.Body)
}

var (
	ErrMissingBasicAuth = errors.New("voiceapi: basic auth token not stored")
	ErrUnauthorized     = errors.New("voiceapi: unauthorized")
	ErrInvalidArgument  = errors.New("voiceapi: invalid argument")
)

// tokenRefreshMargin keeps a cached token from expiring mid-request.
const tokenRefreshMargin = 30 * time.Second

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func NewClient(baseURL string, store credentials.Store, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("voiceapi: base url is required")
	}
	if store == nil {
		return nil, fmt.Errorf("voiceapi: credential store is required")
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		store:   store,
		now:     time.Now,
		cached:  make(map[string]SessionToken),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type accessTokenResponse struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
}

// FetchSessionToken returns a voice session token for the device, reusing a cached
// one until shortly before it expires. The granted identity is persisted.
func (c *Client) FetchSessionToken(ctx context.Context, deviceID string) (SessionToken, error) {
	if deviceID == "" {
		return SessionToken{}, ErrInvalidArgument
	}

	c.mu.Lock()
	if t, ok := c.cached[deviceID]; ok && c.now().Add(tokenRefreshMargin).Before(t.ExpiresAt) {
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	q := url.Values{}
	q.Set("device_id", deviceID)
	var out accessTokenResponse
	if err := c.doAccount(ctx, "fetch session token", http.MethodGet, "/voice/access-token?"+q.Encode(), nil, &out); err != nil {
		return SessionToken{}, err
	}
	if out.Token == "" {
		return SessionToken{}, fmt.Errorf("voiceapi: empty session token")
	}

	tok := SessionToken{Token: out.Token, Identity: out.Identity}
	parseTokenClaims(&tok)

	if tok.Identity != "" {
		if err := c.store.Set(ctx, credentials.KeyMobileClientIdentity, tok.Identity); err != nil {
			return SessionToken{}, err
		}
	}
	if !tok.ExpiresAt.IsZero() {
		c.mu.Lock()
		c.cached[deviceID] = tok
		c.mu.Unlock()
	}
	return tok, nil
}

// parseTokenClaims reads expiry and identity without verifying the signature;
// the token is only ever verified by the backend that issued it.
func parseTokenClaims(tok *SessionToken) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.Token, claims); err != nil {
		return
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tok.ExpiresAt = exp.Time
	}
	if tok.Identity != "" {
		return
	}
	if grants, ok := claims["grants"].(map[string]any); ok {
		if id, ok := grants["identity"].(string); ok && id != "" {
			tok.Identity = id
			return
		}
	}
	if sub, err := claims.GetSubject(); err == nil {
		tok.Identity = sub
	}
}

// InvalidateSessionToken drops the cached token, e.g. after the backend rejected it.
func (c *Client) InvalidateSessionToken(deviceID string) {
	c.mu.Lock()
	delete(c.cached, deviceID)
	c.mu.Unlock()
}

type bindingRequest struct {
	DeviceToken string `json:"device_token"`
	BindingType string `json:"binding_type"`
}

// Register binds the device push token to the client identity behind sessionToken.
func (c *Client) Register(ctx context.Context, sessionToken, deviceToken string) error {
	if sessionToken == "" || deviceToken == "" {
		return ErrInvalidArgument
	}
	return c.doVoice(ctx, "register", http.MethodPost, "/voice/push-bindings", sessionToken,
		bindingRequest{DeviceToken: deviceToken, BindingType: "voip"}, nil)
}

// Unregister removes the binding for deviceToken.
func (c *Client) Unregister(ctx context.Context, sessionToken, deviceToken string) error {
	if sessionToken == "" || deviceToken == "" {
		return ErrInvalidArgument
	}
	return c.doVoice(ctx, "unregister", http.MethodDelete, "/voice/push-bindings/"+url.PathEscape(deviceToken), sessionToken, nil, nil)
}

type participantRequest struct {
	AddNumber  string `json:"add_number"`
	FromNumber string `json:"from_number"`
}

// AddParticipant dials addNumber into the caller's current conference.
func (c *Client) AddParticipant(ctx context.Context, sessionToken, addNumber, fromNumber string) error {
	if sessionToken == "" || addNumber == "" {
		return ErrInvalidArgument
	}
	return c.doVoice(ctx, "add participant", http.MethodPost, "/voice/conference/participants", sessionToken,
		participantRequest{AddNumber: addNumber, FromNumber: fromNumber}, nil)
}

// ResolveLead loads the lead a call is placed to.
func (c *Client) ResolveLead(ctx context.Context, leadID string) (Lead, error) {
	if leadID == "" {
		return Lead{}, ErrInvalidArgument
	}
	var out Lead
	if err := c.doAccount(ctx, "resolve lead", http.MethodGet, "/leads/"+url.PathEscape(leadID), nil, &out); err != nil {
		return Lead{}, err
	}
	return out, nil
}

func (c *Client) doAccount(ctx context.Context, op, method, path string, body, out any) error {
	basic, ok, err := c.store.Get(ctx, credentials.KeyBasicAuthToken)
	if err != nil {
		return err
	}
	if !ok || basic == "" {
		return ErrMissingBasicAuth
	}
	return c.do(ctx, op, method, path, "Basic "+basic, body, out)
}

func (c *Client) doVoice(ctx context.Context, op, method, path, sessionToken string, body, out any) error {
	err := c.do(ctx, op, method, path, "Bearer "+sessionToken, body, out)
	if errors.Is(err, ErrUnauthorized) {
		c.forgetToken(sessionToken)
	}
	return err
}

// forgetToken evicts every cached entry holding tok so the next fetch goes to the backend.
func (c *Client) forgetToken(tok string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.cached {
		if t.Token == tok {
			delete(c.cached, id)
		}
	}
}

func (c *Client) do(ctx context.Context, op, method, path, authorization string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("voiceapi: %s: marshal: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("voiceapi: %s: %w", op, err)
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("voiceapi: %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("voiceapi: %s: read body: %w", op, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("voiceapi: %s: %w", op, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("voiceapi: %s: decode: %w", op, err)
	}
	return nil
}
