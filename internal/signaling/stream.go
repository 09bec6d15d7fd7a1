package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"crm-voice/internal/telephony"
	"crm-voice/internal/voiceapi"
	"crm-voice/pkg/logger"

	"github.com/gorilla/websocket"
)

// EventHandler receives every decoded signaling event, in arrival order.
type EventHandler func(ctx context.Context, ev telephony.SignalingEvent)

// Stream keeps a WebSocket open to the signaling gateway and feeds call
// progress events to a handler. It reconnects with capped exponential backoff.
type Stream struct {
	url      string
	deviceID string
	tokens   TokenClient
	handler  EventHandler

	dialer       websocket.Dialer
	pingInterval time.Duration
	pongTimeout  time.Duration
	backoffMin   time.Duration
	backoffMax   time.Duration
}

func NewStream(wsURL, deviceID string, tokens TokenClient, handler EventHandler) (*Stream, error) {
	if wsURL == "" {
		return nil, errors.New("signaling: events url is required")
	}
	if tokens == nil || handler == nil {
		return nil, errors.New("signaling: token client and handler are required")
	}
	return &Stream{
		url:          wsURL,
		deviceID:     deviceID,
		tokens:       tokens,
		handler:      handler,
		dialer:       websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
		backoffMin:   500 * time.Millisecond,
		backoffMax:   30 * time.Second,
	}, nil
}

// Run blocks until ctx is done.
func (s *Stream) Run(ctx context.Context) {
	log := logger.From(ctx).With("component", "signaling_stream")
	backoff := s.backoffMin
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = s.backoffMin
		}
		log.Warn("event stream interrupted", "err", err, "retry_in", backoff.String())

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.backoffMax {
			backoff = s.backoffMax
		}
	}
}

// session runs one connection. It reports whether the dial succeeded.
func (s *Stream) session(ctx context.Context) (bool, error) {
	tok, err := s.tokens.FetchSessionToken(ctx, s.deviceID)
	if err != nil {
		return false, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok.Token)

	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			s.tokens.InvalidateSessionToken(s.deviceID)
			return false, fmt.Errorf("signaling: dial events: %w", voiceapi.ErrUnauthorized)
		}
		return false, err
	}
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Time{})
	})

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	log := logger.From(ctx)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var ev telephony.SignalingEvent
		if err := json.Unmarshal(msg, &ev); err != nil || ev.CallID == "" || ev.Kind == "" {
			log.Warn("signaling event dropped", "bytes", len(msg))
			continue
		}
		s.handler(ctx, ev)
	}
}

func (s *Stream) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			_ = conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.pongTimeout)); err != nil {
				return
			}
		}
	}
}
