package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"crm-voice/internal/calls"
	"crm-voice/internal/phone"

	"github.com/gorilla/websocket"
)

var ErrNoSurface = errors.New("feed: no native call surface connected")

type MessageType string

const (
	MessageState              MessageType = "state"
	MessageIncomingCall       MessageType = "incoming_call"
	MessageOutgoingConnecting MessageType = "outgoing_connecting"
	MessageOutgoingConnected  MessageType = "outgoing_connected"
	MessageCallEnded          MessageType = "call_ended"
	MessageRingback           MessageType = "ringback"
)

// Message is one frame sent to feed clients.
type Message struct {
	Type MessageType `json:"type"`

	CallID        string          `json:"call_id,omitempty"`
	Handle        string          `json:"handle,omitempty"`
	DisplayHandle string          `json:"display_handle,omitempty"`
	HasVideo      bool            `json:"has_video,omitempty"`
	Reason        calls.EndReason `json:"reason,omitempty"`
	At            *time.Time      `json:"at,omitempty"`
	Playing       *bool           `json:"playing,omitempty"`

	Banner   *calls.Banner   `json:"banner,omitempty"`
	Snapshot *calls.Snapshot `json:"snapshot,omitempty"`
}

type Role string

const (
	RoleObserver Role = "observer"
	// RoleSurface clients present system call screens; incoming calls need at least one.
	RoleSurface Role = "surface"
)

const (
	sendBuffer = 32
	writeWait  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Clients are local UI processes on the device.
		return true
	},
}

type client struct {
	conn *websocket.Conn
	role Role
	send chan []byte
}

// Hub fans registry snapshots and call surface reports out to WebSocket clients.
// It implements telephony.NativeCallSurface.
//
// Slow clients are dropped rather than allowed to block the call state machine.
type Hub struct {
	log    *slog.Logger
	region string

	mu      sync.Mutex
	clients map[*client]struct{}
	last    []byte
}

func NewHub(log *slog.Logger, region string) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, region: region, clients: make(map[*client]struct{})}
}

// Publish is a registry observer. The latest state is replayed to new clients.
func (h *Hub) Publish(s calls.Snapshot) {
	banner := calls.BannerFor(s)
	b, err := json.Marshal(Message{Type: MessageState, Banner: &banner, Snapshot: &s})
	if err != nil {
		h.log.Error("feed encode failed", "err", err)
		return
	}
	h.mu.Lock()
	h.last = b
	h.mu.Unlock()
	h.broadcast(b, "")
}

func (h *Hub) ReportNewIncomingCall(ctx context.Context, callID, handle string, hasVideo bool) error {
	if h.SurfaceCount() == 0 {
		return ErrNoSurface
	}
	h.emit(Message{
		Type:          MessageIncomingCall,
		CallID:        callID,
		Handle:        handle,
		DisplayHandle: phone.Display(handle, h.region),
		HasVideo:      hasVideo,
	})
	return nil
}

func (h *Hub) ReportOutgoingCallConnecting(ctx context.Context, callID string) {
	h.emit(Message{Type: MessageOutgoingConnecting, CallID: callID})
}

func (h *Hub) ReportOutgoingCallConnected(ctx context.Context, callID string) {
	h.emit(Message{Type: MessageOutgoingConnected, CallID: callID})
}

func (h *Hub) ReportCallEnded(ctx context.Context, callID string, reason calls.EndReason, at time.Time) {
	h.emit(Message{Type: MessageCallEnded, CallID: callID, Reason: reason, At: &at})
}

// Start asks surface clients to play the local ringing tone. Hub implements telephony.Ringback.
func (h *Hub) Start(callID string) { h.ringback(callID, true) }

func (h *Hub) Stop(callID string) { h.ringback(callID, false) }

func (h *Hub) ringback(callID string, playing bool) {
	b, err := json.Marshal(Message{Type: MessageRingback, CallID: callID, Playing: &playing})
	if err != nil {
		h.log.Error("feed encode failed", "err", err)
		return
	}
	h.broadcast(b, RoleSurface)
}

func (h *Hub) emit(m Message) {
	b, err := json.Marshal(m)
	if err != nil {
		h.log.Error("feed encode failed", "err", err)
		return
	}
	h.broadcast(b, "")
}

// broadcast queues b for every client, or only those with role when set.
func (h *Hub) broadcast(b []byte, role Role) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if role != "" && c.role != role {
			continue
		}
		select {
		case c.send <- b:
		default:
			h.log.Warn("feed client too slow, dropping")
			h.removeLocked(c)
		}
	}
}

func (h *Hub) SurfaceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.clients {
		if c.role == RoleSurface {
			n++
		}
	}
	return n
}

// ServeWS upgrades the request and streams feed messages until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	role := Role(r.URL.Query().Get("role"))
	if role == "" {
		role = RoleObserver
	}
	if role != RoleObserver && role != RoleSurface {
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("feed upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, role: role, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- h.last
	}
	h.mu.Unlock()
	h.log.Debug("feed client connected", "role", string(role))

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop only watches for the client closing the connection.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		h.mu.Unlock()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for b := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}
