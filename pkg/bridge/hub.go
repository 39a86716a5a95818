package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Event is one bridge event pushed to IDE-side WebSocket clients.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event types published to the hub.
const (
	EventSessionState    = "session:state"
	EventCommandOutput   = "command:output"
	EventCommandComplete = "command:complete"
	EventTicketIssued    = "ticket:issued"
)

// EventForwarder receives every event the hub broadcasts, for
// non-WebSocket consumers like the message bus.
type EventForwarder interface {
	ForwardEvent(event Event)
}

// Hub fans events out to connected IDE clients, dropping slow
// consumers rather than blocking the bridge.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*hubClient]struct{}
	forwarders []EventForwarder
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

// AddForwarder registers a forwarder for all events.
func (h *Hub) AddForwarder(f EventForwarder) {
	h.mu.Lock()
	h.forwarders = append(h.forwarders, f)
	h.mu.Unlock()
}

// Broadcast delivers an event to every client and forwarder.
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.enqueue(event) {
			go h.removeClient(c)
		}
	}
	for _, f := range h.forwarders {
		f.ForwardEvent(event)
	}
}

// ClientCount reports connected IDE clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// register adds a client. A non-nil filter restricts which events the
// client receives (e.g. one session's events only).
func (h *Hub) register(conn wsConn, filter func(Event) bool) *hubClient {
	c := &hubClient{
		conn:   conn,
		send:   make(chan Event, 64),
		filter: filter,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) removeClient(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

type wsConn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Close(status websocket.StatusCode, reason string) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

type hubClient struct {
	conn   wsConn
	send   chan Event
	filter func(Event) bool
}

func (c *hubClient) enqueue(event Event) bool {
	if c.filter != nil && !c.filter(event) {
		return true
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

func (c *hubClient) writeLoop(ctx context.Context) error {
	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *hubClient) close(status websocket.StatusCode, reason string) {
	_ = c.conn.Close(status, reason)
}
