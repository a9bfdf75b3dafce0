// Package hub implements the connection & subscription manager (spec §4.E):
// a registry of live WebSocket connections and the per-connection
// subscription tables used for live broadcast fan-out.
//
// The shape is lifted directly from the teacher's internal/web.Hub
// (register/unregister channels feeding a single loop goroutine,
// gorilla/websocket read/write pumps per client) and generalized from a
// one-shot dashboard pub/sub into per-subscription filter matching against
// persisted events.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keanuklestil/nostrrelay/internal/nevent"
	"github.com/keanuklestil/nostrrelay/internal/nfilter"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// Connection is one live WebSocket's context (spec §3): its subscription
// table, optional authenticated pubkey, scratch metadata, and outbound send
// primitive. Exactly one Connection is owned per WebSocket, created on OPEN
// and destroyed on CLOSE/error.
type Connection struct {
	ID   uint64
	ws   *websocket.Conn
	send chan []byte
	hub  *Hub

	mu           sync.RWMutex
	subs         map[string]nfilter.Set
	authedPubKey string
	meta         map[string]any
}

// SetAuthedPubKey binds an authenticated pubkey to the connection (spec
// §4.F AUTH).
func (c *Connection) SetAuthedPubKey(pk string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authedPubKey = pk
}

// AuthedPubKey returns the connection's authenticated pubkey, or "" if none.
func (c *Connection) AuthedPubKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authedPubKey
}

// Meta returns the connection's scratch metadata map, lazily created.
func (c *Connection) Meta() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta == nil {
		c.meta = make(map[string]any)
	}
	return c.meta
}

// Subscribe registers or replaces the subscription named subID (spec §3: "a
// new REQ with an existing id replaces the prior subscription").
func (c *Connection) Subscribe(subID string, filters nfilter.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[subID] = filters
}

// Unsubscribe drops subID. A CLOSE for an unknown id is a silent no-op.
func (c *Connection) Unsubscribe(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, subID)
}

func (c *Connection) subsSnapshot() map[string]nfilter.Set {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]nfilter.Set, len(c.subs))
	for k, v := range c.subs {
		snap[k] = v
	}
	return snap
}

// Send enqueues a raw frame for delivery. If the peer's outbound buffer is
// full, the connection is dropped rather than blocking the loop thread
// (spec §5 backpressure policy: "drop the subscription for that peer ... or
// disconnect"; we disconnect, since a peer that can't keep up with one
// broadcast can't be trusted to keep up with the next).
func (c *Connection) Send(frame []byte) {
	select {
	case c.send <- frame:
	default:
		log.Printf("[Hub] conn %d outbound buffer full, dropping connection", c.ID)
		c.hub.Drop(c)
	}
}

// Outbox exposes the connection's outbound frame channel for callers driving
// it without a real network socket (tests, in-process clients).
func (c *Connection) Outbox() <-chan []byte {
	return c.send
}

// SendNotice enqueues a NOTICE frame.
func (c *Connection) SendNotice(message string) {
	frame, _ := json.Marshal([]any{"NOTICE", message})
	select {
	case c.send <- frame:
	default:
	}
}

// Hub is the global connection registry (spec §4.E), keyed by a monotonic
// resource id so broadcast can iterate connections in O(1) per connection.
type Hub struct {
	mu     sync.RWMutex
	conns  map[uint64]*Connection
	nextID uint64

	register   chan *Connection
	unregister chan *Connection
	stopChan   chan struct{}
}

// New creates an empty Hub. Call Run in its own goroutine before serving
// connections.
func New() *Hub {
	return &Hub{
		conns:      make(map[uint64]*Connection),
		register:   make(chan *Connection),
		unregister: make(chan *Connection),
		stopChan:   make(chan struct{}),
	}
}

// Run drives the hub's registration loop until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stopChan:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.conns[c.ID] = c
			n := len(h.conns)
			h.mu.Unlock()
			log.Printf("[Hub] connection %d registered (%d total)", c.ID, n)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.conns[c.ID]; ok {
				delete(h.conns, c.ID)
				close(c.send)
			}
			n := len(h.conns)
			h.mu.Unlock()
			log.Printf("[Hub] connection %d unregistered (%d total)", c.ID, n)
		}
	}
}

// Stop shuts down the hub's loop.
func (h *Hub) Stop() { close(h.stopChan) }

// NewConnection allocates a Connection with the next monotonic id and
// registers it. Callers still need to drive its read/write pumps (see
// Serve).
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	c := &Connection{
		ID:   id,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		hub:  h,
		subs: make(map[string]nfilter.Set),
	}
	h.register <- c
	return c
}

// Drop unregisters c, releasing all its subscriptions and pending sends.
func (h *Hub) Drop(c *Connection) {
	h.unregister <- c
}

// Broadcast delivers e to every connection with at least one matching live
// subscription (spec §3 invariant 4, §4.E). A connection with more than one
// matching subscription receives one EVENT frame per matching subscription
// — the source's behavior, which spec §4.E calls out as the chosen
// resolution of an otherwise ambiguous requirement.
func (h *Hub) Broadcast(e *nevent.Event) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		for subID, filters := range c.subsSnapshot() {
			if !filters.Matches(e) {
				continue
			}
			frame, err := json.Marshal([]any{"EVENT", subID, e})
			if err != nil {
				log.Printf("[Hub] failed to marshal broadcast event %s: %v", e.ID, err)
				continue
			}
			c.Send(frame)
		}
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
