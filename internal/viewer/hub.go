// Package viewer relays transcript events from Kafka to browsers over WebSocket.
package viewer

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Event is the union of the delta and final payloads published by the
// transcriber.
type Event struct {
	EventType   string `json:"eventType"`
	RunID       string `json:"runId"`
	Epoch       int64  `json:"epoch"`
	UtteranceID string `json:"utteranceId,omitempty"`
	Text        string `json:"text"`
	Timestamp   int64  `json:"timestamp"`
}

// Hub manages WebSocket connections. The client set is owned by Run.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	count      atomic.Int64
	upgrader   websocket.Upgrader
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		broadcast:  make(chan Event, 100),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			// Local viewer: any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run dispatches events to clients until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for conn := range h.clients {
			conn.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.clients[conn] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			log.Info().Int("clients", len(h.clients)).Msg("Client connected")

		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.count.Store(int64(len(h.clients)))
			log.Info().Int("clients", len(h.clients)).Msg("Client disconnected")

		case event := <-h.broadcast:
			for conn := range h.clients {
				if err := conn.WriteJSON(event); err != nil {
					log.Warn().Err(err).Msg("WebSocket write failed")
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.count.Store(int64(len(h.clients)))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Publish queues an event for every client.
func (h *Hub) Publish(ctx context.Context, e Event) {
	select {
	case h.broadcast <- e:
	case <-ctx.Done():
	case <-h.done:
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	ctx := r.Context()
	select {
	case h.register <- conn:
	case <-ctx.Done():
		conn.Close()
		return
	case <-h.done:
		conn.Close()
		return
	}

	// Reads only detect disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		select {
		case h.unregister <- conn:
		case <-h.done:
		}
	}()
}
