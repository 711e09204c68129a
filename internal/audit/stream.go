package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// StreamSink broadcasts audit events to connected WebSocket clients,
// adapted from the teacher's WebSocketHub (internal/api/websocket.go):
// same dead-connection-collect-under-RLock-then-clean-under-Lock pattern,
// repurposed to broadcast Event instead of a trace record.
type StreamSink struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
	done     chan struct{}
}

// NewStreamSink creates a StreamSink. When allowAllOrigins is false, only
// same-origin upgrade requests are accepted.
func NewStreamSink(logger *slog.Logger, allowAllOrigins bool) *StreamSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamSink{
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if allowAllOrigins {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
		logger: logger.With("component", "audit.StreamSink"),
		done:   make(chan struct{}),
	}
}

// ServeHTTP upgrades the connection and registers it as a broadcast target.
func (s *StreamSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Handle implements Handler by broadcasting event to every connected client.
func (s *StreamSink) Handle(ctx context.Context, event Event) error {
	msg, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.mu.RLock()
	var dead []*websocket.Conn
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			dead = append(dead, conn)
		}
	}
	s.mu.RUnlock()

	if len(dead) > 0 {
		s.mu.Lock()
		for _, c := range dead {
			delete(s.clients, c)
			_ = c.Close()
		}
		s.mu.Unlock()
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (s *StreamSink) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close shuts down the sink and all connections.
func (s *StreamSink) Close() {
	close(s.done)
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		_ = conn.Close()
		delete(s.clients, conn)
	}
}
