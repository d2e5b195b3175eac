package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxWSConnections bounds how many dashboard clients the hub serves at
// once, carried over from the teacher's MetricsHub.
const maxWSConnections = 200

type registration struct {
	conn   *websocket.Conn
	userID string
}

// WSHub broadcasts lifecycle events to connected dashboard clients,
// grouped by the user they are watching. It is a supplementary delivery
// channel for operational visibility, not the member-facing chat surface
// (which stays out of scope). Grounded in the teacher's MetricsHub:
// single-broadcaster-goroutine pattern, connection cap, per-client write
// deadline.
type WSHub struct {
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	events     chan Envelope

	mu sync.RWMutex
}

// NewWSHub returns a hub ready to Run.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan Envelope, 64),
	}
}

// Run drives the hub's single broadcaster goroutine until ctx is
// cancelled, at which point every client connection is closed.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("notify: websocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.userID
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case env := <-h.events:
			h.broadcast(env)
		}
	}
}

func (h *WSHub) broadcast(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, userID := range h.clients {
		if userID != env.UserID && userID != "" {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(env); err != nil {
			log.Printf("notify: websocket write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

// Register adds a client watching userID's events ("" watches everyone,
// for an operator-wide dashboard view).
func (h *WSHub) Register(conn *websocket.Conn, userID string) {
	h.register <- registration{conn: conn, userID: userID}
}

// Unregister removes a client connection.
func (h *WSHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected dashboard clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

// Notify enqueues event for broadcast, never blocking the caller: when the
// event buffer is full, this event's broadcast is dropped rather than
// stalling the orchestrator that triggered it.
func (h *WSHub) Notify(ctx context.Context, userID string, event Event) error {
	env := Envelope{UserID: userID, Event: event, Timestamp: event.Timestamp}
	select {
	case h.events <- env:
		return nil
	default:
		log.Printf("notify: websocket hub event buffer full, dropping broadcast for user %s", userID)
		return nil
	}
}
