// Package events exposes agent domain events to external observers over
// websocket. Observation only: no component depends on delivery.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linkedout-ai/agent-commerce/agent"
	"github.com/linkedout-ai/agent-commerce/logger"
)

const (
	writeWait      = 10 * time.Second
	clientBuffer   = 64
	maxMessageSize = 1024
)

// frame is the JSON shape pushed to every connected client.
type frame struct {
	Name      string         `json:"name"`
	Agent     string         `json:"agent"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Server accepts websocket connections and fans agent events out to them.
// Slow clients are disconnected rather than allowed to block the rest.
type Server struct {
	lg       *logger.Logger
	upgrader websocket.Upgrader
	srv      *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// NewServer creates an event server listening on addr once started.
func NewServer(addr string, lg *logger.Logger) *Server {
	if lg == nil {
		lg = logger.Global()
	}
	s := &Server{
		lg:      lg.Named("events"),
		clients: make(map[*websocket.Conn]chan []byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.lg.Infof("event server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.lg.Error("event server stopped", err)
		}
	}()
}

// Shutdown closes all client connections and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for conn, send := range s.clients {
		close(send)
		delete(s.clients, conn)
	}
	s.mu.Unlock()
	return s.srv.Shutdown(ctx)
}

// Emitter adapts the server into an agent event sink.
func (s *Server) Emitter() agent.Emitter {
	return func(ev agent.Event) { s.Broadcast(ev) }
}

// Broadcast pushes one event to every connected client.
func (s *Server) Broadcast(ev agent.Event) {
	data, err := json.Marshal(frame{
		Name:      ev.Name,
		Agent:     ev.Agent,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      ev.Data,
	})
	if err != nil {
		s.lg.Error("failed to marshal event", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, send := range s.clients {
		select {
		case send <- data:
		default:
			// Client is not keeping up; drop it.
			close(send)
			delete(s.clients, conn)
		}
	}
}

// ClientCount returns the number of connected observers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.lg.Error("websocket upgrade failed", err)
		return
	}

	send := make(chan []byte, clientBuffer)
	s.mu.Lock()
	s.clients[conn] = send
	s.mu.Unlock()
	s.lg.Debugf("client connected: %s", conn.RemoteAddr())

	go s.writePump(conn, send)
	go s.readPump(conn)
}

func (s *Server) writePump(conn *websocket.Conn, send <-chan []byte) {
	defer conn.Close()
	for data := range send {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.drop(conn)
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump discards inbound frames; the stream is one-way. Its real job is
// noticing disconnects.
func (s *Server) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.drop(conn)
			return
		}
	}
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if send, ok := s.clients[conn]; ok {
		close(send)
		delete(s.clients, conn)
	}
	s.mu.Unlock()
	conn.Close()
	s.lg.Debugf("client disconnected: %s", conn.RemoteAddr())
}
