package signaling

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
	"time"

	"crm-voice/internal/telephony"
	"crm-voice/internal/voiceapi"
)

// TokenClient supplies device session tokens. A token the gateway answers with
// 401 is invalidated so the next call fetches a fresh one.
type TokenClient interface {
	FetchSessionToken(ctx context.Context, deviceID string) (voiceapi.SessionToken, error)
	InvalidateSessionToken(deviceID string)
}

// RemoteEngine drives call control on the signaling gateway over REST.
// Call progress is delivered separately by Stream.
type RemoteEngine struct {
	baseURL  string
	deviceID string
	tokens   TokenClient
	http     *http.Client
}

var ErrCallNotFound = errors.New("signaling: call not found")

func NewRemoteEngine(baseURL, deviceID string, tokens TokenClient) (*RemoteEngine, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("signaling: base url is required")
	}
	if tokens == nil {
		return nil, errors.New("signaling: token client is required")
	}
	return &RemoteEngine{
		baseURL:  baseURL,
		deviceID: deviceID,
		tokens:   tokens,
		http:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type connectRequest struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	LeadID    string `json:"lead_id,omitempty"`
	MailingID string `json:"related_mailing_id,omitempty"`
}

func (e *RemoteEngine) Connect(ctx context.Context, accessToken string, p telephony.ConnectParams) error {
	body := connectRequest{SessionID: p.SessionID, From: p.From, To: p.To, LeadID: p.LeadID, MailingID: p.MailingID}
	return e.send(ctx, http.MethodPost, "/signaling/calls", accessToken, body)
}

func (e *RemoteEngine) Accept(ctx context.Context, callID string) error {
	return e.control(ctx, http.MethodPost, callID, "accept", nil)
}

// Reject is idempotent: a call the gateway no longer knows is already gone.
func (e *RemoteEngine) Reject(ctx context.Context, callID string) error {
	return ignoreNotFound(e.control(ctx, http.MethodPost, callID, "reject", nil))
}

func (e *RemoteEngine) Disconnect(ctx context.Context, callID string) error {
	return ignoreNotFound(e.control(ctx, http.MethodPost, callID, "disconnect", nil))
}

func (e *RemoteEngine) SetMuted(ctx context.Context, callID string, muted bool) error {
	return e.control(ctx, http.MethodPut, callID, "mute", map[string]bool{"muted": muted})
}

func (e *RemoteEngine) SetHeld(ctx context.Context, callID string, held bool) error {
	return e.control(ctx, http.MethodPut, callID, "hold", map[string]bool{"held": held})
}

func (e *RemoteEngine) control(ctx context.Context, method, callID, verb string, body any) error {
	if callID == "" {
		return ErrCallNotFound
	}
	tok, err := e.tokens.FetchSessionToken(ctx, e.deviceID)
	if err != nil {
		return fmt.Errorf("signaling: session token: %w", err)
	}
	return e.send(ctx, method, "/signaling/calls/"+url.PathEscape(callID)+"/"+verb, tok.Token, body)
}

func (e *RemoteEngine) send(ctx context.Context, method, path, accessToken string, body any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("signaling: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrCallNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		e.tokens.InvalidateSessionToken(e.deviceID)
		return fmt.Errorf("signaling: %s %s: %w", method, path, voiceapi.ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("signaling: %s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrCallNotFound) {
		return nil
	}
	return err
}
