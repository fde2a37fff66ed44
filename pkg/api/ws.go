package api

import (
	"context"
	"encoding/json"
	stdliberrors "errors"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/craterhost/panel/pkg/logging"
	"github.com/craterhost/panel/pkg/relay"
)

// handleConsoleSocket upgrades the connection and hands it to the relay.
// The single-use ticket is the credential; no cookie or bearer is needed,
// which keeps the URL usable from plain browser WebSocket clients.
func (s *Server) handleConsoleSocket(w http.ResponseWriter, r *http.Request) {
	ticket := strings.TrimSpace(r.URL.Query().Get("ticket"))
	serverID := strings.TrimSpace(r.URL.Query().Get("server"))
	if ticket == "" || serverID == "" {
		respondError(w, http.StatusBadRequest, stdliberrors.New("ticket and server required"))
		return
	}
	if !s.isWebSocketOriginAllowed(r) {
		respondError(w, http.StatusForbidden, stdliberrors.New("forbidden"))
		return
	}
	if !s.consoleLimiter.Acquire() {
		respondError(w, http.StatusTooManyRequests, stdliberrors.New("too many connections"))
		return
	}
	defer s.consoleLimiter.Release()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logWS("console_accept_failed", err)
		return
	}

	session, err := s.relay.OpenSession(r.Context(), relay.NewWSClient(conn), ticket, serverID)
	if err != nil {
		// The relay already sent the reason and closed the socket.
		s.logWS("console_rejected", err)
		return
	}

	pingCtx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go keepAlive(pingCtx, conn)

	<-session.Done()
}

// handleEventsSocket streams server status and credit events to the caller.
// Users see their own resources; admins see everything.
func (s *Server) handleEventsSocket(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, stdliberrors.New("unauthorized"))
		return
	}
	if !s.isWebSocketOriginAllowed(r) {
		respondError(w, http.StatusForbidden, stdliberrors.New("forbidden"))
		return
	}
	if !s.eventLimiter.Acquire() {
		respondError(w, http.StatusTooManyRequests, stdliberrors.New("too many connections"))
		return
	}
	defer s.eventLimiter.Release()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logWS("events_accept_failed", err)
		return
	}
	conn.SetReadLimit(maxWSReadBytesEventStream)

	filter := func(event Event) bool {
		if event.Type == eventTypePong {
			return true
		}
		if principal.Admin {
			return true
		}
		return event.UserID != "" && event.UserID == principal.UserID
	}

	client := s.hub.register(conn, filter)
	ctx, cancel := context.WithCancel(r.Context())
	go keepAlive(ctx, conn)

	go func() {
		defer cancel()
		s.readClient(ctx, client)
	}()

	go func() {
		defer cancel()
		_ = client.writeLoop(ctx)
	}()

	<-ctx.Done()
	s.hub.removeClient(client)
	client.close(websocket.StatusNormalClosure, "shutdown")
}

// readClient drains client messages, answering pings so idle dashboards
// keep their connection.
func (s *Server) readClient(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			s.hub.sendTo(c, Event{Type: eventTypePong, Timestamp: time.Now()})
		}
	}
}

func (s *Server) logWS(event string, err error) {
	if s.logger == nil {
		return
	}
	_ = s.logger.Warn(logging.CategoryAPI, event, "websocket failure", map[string]any{
		"error": err.Error(),
	})
}
