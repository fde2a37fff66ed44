package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/craterhost/panel/pkg/logging"
)

// Session is one live console attachment: a browser socket on one side, a
// node daemon console on the other, two pumps in between. Sessions for the
// same server are independent; each owns its own upstream connection.
type Session struct {
	ID       string
	ServerID string
	UserID   string

	client   ClientConn
	upstream Upstream
	limiter  *rate.Limiter
	logger   *logging.Logger
	manager  *Manager

	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	done    chan struct{}
	started time.Time
}

// Done closes once both pumps have unwound and the sockets are closed.
// The WebSocket handler blocks on this so the HTTP request outlives the
// session.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close tears the session down with the given reason.
func (s *Session) Close(reason string) {
	s.finish(reason)
}

// run pumps frames both ways until either side fails or closes. The
// upstream pump runs in its own goroutine; the client receive loop runs
// inline and drains the pump before returning.
func (s *Session) run() {
	defer close(s.done)

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		for {
			line, err := s.upstream.ReadLine(s.ctx)
			if err != nil {
				s.finish("server connection closed")
				return
			}
			if err := s.writeClient(logFrame(line)); err != nil {
				s.finish("client connection lost")
				return
			}
		}
	}()

receiveLoop:
	for {
		frame, err := s.client.ReadFrame(s.ctx)
		if err != nil {
			s.finish("client disconnected")
			break
		}
		switch frame.Type {
		case FrameInit:
			// Handshake marker from the terminal UI; nothing to forward.
		case FrameCommand:
			command := strings.TrimSpace(frame.Command)
			if command == "" {
				continue
			}
			if !s.limiter.Allow() {
				_ = s.writeClient(errorFrame("command rate limit exceeded"))
				continue
			}
			if err := s.upstream.SendCommand(s.ctx, command); err != nil {
				s.finish("server connection lost")
				break receiveLoop
			}
		default:
			// Unknown frame types are ignored rather than fatal.
		}
	}

	<-outputDone
}

// finish runs teardown exactly once: stop both pumps, tell the client why,
// close both sockets, deregister. Every exit path funnels through here so
// the client sees exactly one status frame.
func (s *Session) finish(reason string) {
	s.once.Do(func() {
		s.cancel()

		// The farewell frame gets its own deadline; the session context is
		// already cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.client.WriteFrame(ctx, disconnectedFrame(reason))
		_ = s.client.Close(reason)
		_ = s.upstream.Close()

		s.manager.remove(s.ID)
		if s.logger != nil {
			s.logger.Info(logging.CategoryConsole, "session_closed", reason, map[string]any{
				"session_id": s.ID,
				"server_id":  s.ServerID,
				"duration":   time.Since(s.started).String(),
			})
		}
	})
}

// writeClient sends one frame with a bounded write deadline so a stalled
// browser cannot wedge the upstream pump forever.
func (s *Session) writeClient(frame ServerFrame) error {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	return s.client.WriteFrame(ctx, frame)
}
