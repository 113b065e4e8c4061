// Package server is the transport layer: it fans the session manager's
// domain events out to connected WebSocket clients and forwards client
// commands into the manager.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebastianm/agentdeck/internal/protocol"
	"github.com/sebastianm/agentdeck/internal/session"
	"github.com/sebastianm/agentdeck/internal/watcher"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	sendBufCap = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // localhost UI, any origin is fine
	},
}

// Deps holds the server's collaborators.
type Deps struct {
	Log       *slog.Logger
	StaticDir string
}

// Server owns the WebSocket client set and the HTTP surface.
type Server struct {
	log       *slog.Logger
	staticDir string

	mgr   *session.Manager
	watch *watcher.Watcher

	clientsMu sync.RWMutex
	clients   map[*client]bool
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a Server. Attach must be called before Handler is served.
func New(d Deps) *Server {
	return &Server{
		log:       d.Log.With("component", "server"),
		staticDir: d.StaticDir,
		clients:   make(map[*client]bool),
	}
}

// Attach wires the session manager and watcher. Done after construction
// because the manager's event callbacks point back at this server.
func (s *Server) Attach(mgr *session.Manager, watch *watcher.Watcher) {
	s.mgr = mgr
	s.watch = watch
}

// Handler returns the full HTTP surface: REST API, WebSocket endpoint,
// and optional static UI files.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/recent", s.handleRecentSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/history", s.handleGetHistory)
	mux.HandleFunc("POST /sessions/{id}/message", s.handleSendMessage)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDestroySession)

	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufCap),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// New clients get the current session list right away.
	for _, sess := range s.mgr.Sessions() {
		c.enqueue(protocol.TypeSessionUpdate, sessionUpdatePayload(sess))
	}

	go c.writePump()
	go c.readPump()
}

// BroadcastOutput fans one live output event out to every client.
// Wired as the manager's OnOutput callback; must not block.
func (s *Server) BroadcastOutput(ev session.OutputEvent) {
	s.broadcast(protocol.TypeSessionOutput, protocol.SessionOutputPayload{
		SessionID: ev.SessionID,
		Type:      ev.Type,
		Content:   ev.Content,
		Event:     ev.Event,
		Timestamp: ev.Timestamp,
	})
}

// BroadcastStatus fans one status transition out to every client.
func (s *Server) BroadcastStatus(ev session.StatusEvent) {
	s.broadcast(protocol.TypeSessionStatus, protocol.SessionStatusPayload{
		SessionID: ev.SessionID,
		Status:    string(ev.Status),
	})
}

// BroadcastFileChange fans one working-directory change out to every
// client. Wired as the watcher's callback.
func (s *Server) BroadcastFileChange(sessionID, path, op string) {
	s.broadcast(protocol.TypeFileChange, protocol.FileChangePayload{
		SessionID: sessionID,
		Path:      path,
		Op:        op,
	})
}

func (s *Server) broadcast(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		s.log.Warn("encoding broadcast failed", "type", msgType, "error", err)
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Slow client: drop rather than stall the output path.
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if s.clients[c] {
		delete(s.clients, c)
		close(c.send)
	}
	s.clientsMu.Unlock()
}

func (c *client) enqueue(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	s := c.server
	defer func() {
		s.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.ValidateClientMessage(raw)
		if err != nil {
			c.enqueue(protocol.TypeError, protocol.ErrorPayload{
				Message: err.Error(),
				Code:    protocol.ErrInvalidMessage,
			})
			continue
		}
		s.dispatch(c, msg)
	}
}

// dispatch routes one validated client command into the manager.
func (s *Server) dispatch(c *client, msg *protocol.Message) {
	ctx := context.Background()

	switch msg.Type {
	case protocol.TypeSessionCreate:
		var p protocol.SessionCreatePayload
		decodePayload(msg, &p)
		sess, err := s.mgr.Create(ctx, session.CreateOptions{
			Name:       p.Name,
			WorkingDir: p.WorkingDir,
		})
		if err != nil {
			c.enqueue(protocol.TypeError, protocol.ErrorPayload{
				Message: err.Error(),
				Code:    protocol.ErrCreateFailed,
			})
			return
		}
		s.watchSession(sess)
		s.broadcast(protocol.TypeSessionUpdate, sessionUpdatePayload(sess))

	case protocol.TypeSessionMessage:
		var p protocol.SessionMessagePayload
		decodePayload(msg, &p)
		if _, ok := s.mgr.Get(p.SessionID); !ok {
			c.enqueue(protocol.TypeError, protocol.ErrorPayload{
				Message: "session not found: " + p.SessionID,
				Code:    protocol.ErrSessionNotFound,
			})
			return
		}
		if err := s.mgr.SendMessage(ctx, p.SessionID, p.Content); err != nil {
			s.log.Warn("send message failed", "session_id", p.SessionID, "error", err)
		}

	case protocol.TypeSessionDestroy:
		var p protocol.SessionDestroyPayload
		decodePayload(msg, &p)
		s.destroySession(ctx, p.SessionID)

	case protocol.TypeSessionResize:
		var p protocol.SessionResizePayload
		decodePayload(msg, &p)
		s.mgr.Resize(p.SessionID, p.Cols, p.Rows)
	}
}

func (s *Server) destroySession(ctx context.Context, sessionID string) {
	s.mgr.Destroy(ctx, sessionID)
	if s.watch != nil {
		s.watch.Unwatch(sessionID)
	}
	s.broadcast(protocol.TypeSessionGone, protocol.SessionGonePayload{SessionID: sessionID})
}

func (s *Server) watchSession(sess session.Session) {
	if s.watch == nil {
		return
	}
	if err := s.watch.Watch(sess.ID, sess.WorkingDir); err != nil {
		s.log.Warn("watching workdir failed", "session_id", sess.ID, "error", err)
	}
}

func sessionUpdatePayload(sess session.Session) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:         sess.ID,
		Name:       sess.Name,
		Status:     string(sess.Status),
		WorkingDir: sess.WorkingDir,
		CreatedAt:  sess.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:  sess.UpdatedAt.Format(time.RFC3339Nano),
	}
}
