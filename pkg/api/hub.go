package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/craterhost/panel/pkg/bus"
)

// Event is one message on the events WebSocket. Server events carry the
// status transition, credit events carry the new balance.
type Event struct {
	Type      string    `json:"type"`
	ServerID  string    `json:"serverId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Old       string    `json:"old,omitempty"`
	New       string    `json:"new,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Balance   int64     `json:"balance,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	eventTypeServerCreated = "server.created"
	eventTypeServerStatus  = "server.status"
	eventTypeServerDeleted = "server.deleted"
	eventTypeCredits       = "credits.changed"
	eventTypePong          = "server.pong"
)

// busServerEventTypes maps bus event kinds onto wire event types. Anything
// unrecognized is treated as a status transition.
var busServerEventTypes = map[string]string{
	"created": eventTypeServerCreated,
	"deleted": eventTypeServerDeleted,
}

// wsConn is the slice of *websocket.Conn the hub needs. Tests substitute a
// recording fake.
type wsConn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Close(status websocket.StatusCode, reason string) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

// eventQueueDepth bounds how far a client may fall behind before the hub
// drops it.
const eventQueueDepth = 64

// hubWriteTimeout caps a single frame write so one stalled socket cannot
// wedge its writeLoop.
const hubWriteTimeout = 15 * time.Second

type client struct {
	conn   wsConn
	send   chan Event
	filter func(Event) bool
}

func (c *client) enqueue(event Event) bool {
	if c.filter != nil && !c.filter(event) {
		return true // not for this client; nothing queued, nothing dropped
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

// writeLoop drains the send queue onto the socket. It returns nil once the
// hub closes the queue, or the first write error.
func (c *client) writeLoop(ctx context.Context) error {
	for event := range c.send {
		if err := c.writeEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) writeEvent(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return nil // drop events that will not marshal
	}
	writeCtx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *client) close(status websocket.StatusCode, reason string) {
	_ = c.conn.Close(status, reason)
}

// Hub fans out events to connected WebSocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// register adds a new client to the hub. A nil filter receives everything.
func (h *Hub) register(conn wsConn, filter func(Event) bool) *client {
	c := &client{
		conn:   conn,
		send:   make(chan Event, eventQueueDepth),
		filter: filter,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	wsClientsGauge.Inc()
	return c
}

// removeClient drops a client and closes its queue. Safe to call more than
// once; only the first call does anything.
func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	wsClientsGauge.Dec()
}

// Broadcast queues an event on every client. Clients whose queue is full are
// dropped rather than allowed to stall the rest.
func (h *Hub) Broadcast(event Event) {
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.enqueue(event) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.removeClient(c)
	}
}

// sendTo queues an event on a single client. A client that has already been
// removed silently drops it; the membership check under the read lock is what
// keeps the enqueue off a closed queue.
func (h *Hub) sendTo(c *client, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		c.enqueue(event)
	}
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	open := h.clients
	h.clients = make(map[*client]struct{})
	for c := range open {
		close(c.send)
		wsClientsGauge.Dec()
	}
	h.mu.Unlock()
	for c := range open {
		c.close(websocket.StatusGoingAway, "shutdown")
	}
}

// onServerEvent translates a bus server event into a hub broadcast.
func (h *Hub) onServerEvent(msg *bus.Message) {
	var event bus.ServerEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return
	}
	typ, ok := busServerEventTypes[event.Type]
	if !ok {
		typ = eventTypeServerStatus
	}
	h.Broadcast(Event{
		Type:      typ,
		ServerID:  event.ServerID,
		UserID:    event.UserID,
		Old:       event.Old,
		New:       event.New,
		Reason:    event.Reason,
		Timestamp: event.Timestamp,
	})
}

// onCreditEvent translates a bus credit event into a hub broadcast.
func (h *Hub) onCreditEvent(msg *bus.Message) {
	var event bus.CreditEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return
	}
	h.Broadcast(Event{
		Type:      eventTypeCredits,
		UserID:    event.UserID,
		ServerID:  event.ServerID,
		Amount:    event.Amount,
		Balance:   event.Balance,
		Reason:    event.Reason,
		Timestamp: event.Timestamp,
	})
}
