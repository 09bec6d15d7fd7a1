package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"crm-voice/internal/telephony"
	"crm-voice/internal/voiceapi"

	"github.com/gorilla/websocket"
)

type staticTokens struct{}

func (staticTokens) FetchSessionToken(ctx context.Context, deviceID string) (voiceapi.SessionToken, error) {
	return voiceapi.SessionToken{Token: "sess-" + deviceID}, nil
}

func (staticTokens) InvalidateSessionToken(deviceID string) {}

// countingTokens hands out a new token per fetch, like a cache that was just emptied.
type countingTokens struct {
	mu          sync.Mutex
	fetches     int
	invalidated int
	evicted     chan struct{}
}

func (c *countingTokens) FetchSessionToken(ctx context.Context, deviceID string) (voiceapi.SessionToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	return voiceapi.SessionToken{Token: "sess-" + deviceID}, nil
}

func (c *countingTokens) InvalidateSessionToken(deviceID string) {
	c.mu.Lock()
	c.invalidated++
	c.mu.Unlock()
	if c.evicted != nil {
		select {
		case c.evicted <- struct{}{}:
		default:
		}
	}
}

func TestRemoteEngine_CallControl(t *testing.T) {
	type hit struct{ method, path, auth, body string }
	var (
		mu   sync.Mutex
		hits []hit
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		b, _ := json.Marshal(body)
		mu.Lock()
		hits = append(hits, hit{r.Method, r.URL.Path, r.Header.Get("Authorization"), string(b)})
		mu.Unlock()
		if strings.HasSuffix(r.URL.Path, "/gone/disconnect") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e, err := NewRemoteEngine(srv.URL, "dev-1", staticTokens{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ctx := context.Background()

	if err := e.Connect(ctx, "explicit", telephony.ConnectParams{SessionID: "s1", From: "+1", To: "+2"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := e.SetHeld(ctx, "CA1", true); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if err := e.Disconnect(ctx, "gone"); err != nil {
		t.Fatalf("disconnect of unknown call should be idempotent, got %v", err)
	}
	if err := e.Accept(ctx, "missing"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if hits[0].path != "/signaling/calls" || hits[0].auth != "Bearer explicit" {
		t.Fatalf("unexpected connect request %+v", hits[0])
	}
	if hits[1].method != http.MethodPut || hits[1].path != "/signaling/calls/CA1/hold" || hits[1].body != `{"held":true}` {
		t.Fatalf("unexpected hold request %+v", hits[1])
	}
	if hits[1].auth != "Bearer sess-dev-1" {
		t.Fatalf("control requests should use the device session token, got %q", hits[1].auth)
	}
}

func TestRemoteEngine_AcceptNotFoundIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e, _ := NewRemoteEngine(srv.URL, "dev-1", staticTokens{})
	if err := e.Accept(context.Background(), "CA1"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestStream_DeliversEventsInOrder(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sess-dev-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"call_id":"CA1","kind":"ringing","play_ringback":true}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"call_id":"CA1","kind":"connected"}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan telephony.SignalingEvent, 4)
	s, err := NewStream("ws"+strings.TrimPrefix(srv.URL, "http"), "dev-1", staticTokens{},
		func(ctx context.Context, ev telephony.SignalingEvent) { got <- ev })
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	go s.Run(ctx)

	first := <-got
	second := <-got
	cancel()

	if first.Kind != telephony.EventRinging || !first.PlayRingback {
		t.Fatalf("unexpected first event %+v", first)
	}
	if second.Kind != telephony.EventConnected {
		t.Fatalf("unexpected second event %+v", second)
	}
}

func TestRemoteEngine_UnauthorizedEvictsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &countingTokens{}
	e, _ := NewRemoteEngine(srv.URL, "dev-1", tokens)
	for i := 0; i < 3; i++ {
		if err := e.Disconnect(context.Background(), "CA1"); !errors.Is(err, voiceapi.ErrUnauthorized) {
			t.Fatalf("attempt %d: expected ErrUnauthorized, got %v", i, err)
		}
	}
	if err := e.Connect(context.Background(), "stale", telephony.ConnectParams{SessionID: "s1"}); !errors.Is(err, voiceapi.ErrUnauthorized) {
		t.Fatalf("connect: expected ErrUnauthorized, got %v", err)
	}
	if tokens.invalidated != 4 {
		t.Fatalf("expected every 401 to evict the token, got %d evictions", tokens.invalidated)
	}
	if tokens.fetches != 3 {
		t.Fatalf("expected a fresh fetch per control call, got %d", tokens.fetches)
	}
}

func TestStream_UnauthorizedDialEvictsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tokens := &countingTokens{evicted: make(chan struct{}, 1)}
	s, err := NewStream("ws"+strings.TrimPrefix(srv.URL, "http"), "dev-1", tokens,
		func(ctx context.Context, ev telephony.SignalingEvent) {})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	s.backoffMin = time.Millisecond
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-tokens.evicted:
	case <-ctx.Done():
		t.Fatalf("token was never evicted after a rejected dial")
	}
	cancel()
	<-done
}
