// Package relay brokers browser console sessions onto node daemon
// consoles. A session starts from a single-use ticket, owns one upstream
// WebSocket to the server's node, and forwards command and log frames both
// ways until either side closes.
package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/craterhost/panel/pkg/agent"
	"github.com/craterhost/panel/pkg/errors"
	"github.com/craterhost/panel/pkg/lifecycle"
	"github.com/craterhost/panel/pkg/logging"
	"github.com/craterhost/panel/pkg/reliability"
	"github.com/craterhost/panel/pkg/storage"
)

// Config tunes per-session behavior.
type Config struct {
	// CommandsPerSecond bounds how fast one session may push commands to
	// the server process. Excess commands are dropped with an error frame.
	CommandsPerSecond float64
	CommandBurst      int
	// DialRetryDelay spaces the second console dial attempt.
	DialRetryDelay time.Duration
}

// Manager owns every live console session in the process. There is no
// cross-reconnect state: a client that drops and comes back goes through
// OpenSession again with a fresh ticket.
type Manager struct {
	store   *storage.Store
	tickets *Tickets
	gate    *lifecycle.Gate
	dial    DialFunc
	logger  *logging.Logger
	retry   reliability.RetryStrategy
	cfg     Config

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager wires a session manager. agents supplies the default dialer.
func NewManager(store *storage.Store, agents *agent.Client, tickets *Tickets, logger *logging.Logger, cfg Config) *Manager {
	if cfg.CommandsPerSecond <= 0 {
		cfg.CommandsPerSecond = 10
	}
	if cfg.CommandBurst <= 0 {
		cfg.CommandBurst = 20
	}
	if cfg.DialRetryDelay <= 0 {
		cfg.DialRetryDelay = time.Second
	}
	return &Manager{
		store:   store,
		tickets: tickets,
		gate:    lifecycle.NewGate(store),
		dial: func(ctx context.Context, node agent.NodeRef, serverName string) (Upstream, error) {
			return agents.DialConsole(ctx, node, serverName)
		},
		logger: logger,
		retry: reliability.RetryStrategy{
			MaxRetries: 1,
			BaseDelay:  cfg.DialRetryDelay,
			MaxDelay:   cfg.DialRetryDelay,
			Multiplier: 1,
		},
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// OpenSession authenticates the ticket and dials the node console, then
// starts the forwarding pumps. On failure the client gets one error frame
// and a clean close; the returned error carries the code for the handler's
// log.
func (m *Manager) OpenSession(ctx context.Context, client ClientConn, ticket, serverID string) (*Session, error) {
	sess, err := m.open(ctx, client, ticket, serverID)
	if err != nil {
		m.reject(client, err)
		return nil, err
	}
	return sess, nil
}

func (m *Manager) open(ctx context.Context, client ClientConn, ticket, serverID string) (*Session, error) {
	userID, err := m.tickets.Redeem(ticket, serverID)
	if err != nil {
		return nil, err
	}

	server, err := m.store.GetServer(serverID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "loading server")
	}
	user, err := m.store.GetUser(userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "loading user")
	}
	// The ticket was valid when minted; ownership could have moved since.
	if server == nil || user == nil || (!user.Admin && server.UserID != user.ID) {
		return nil, errors.New(errors.ErrCodeServerNotFound, "server not found").
			WithContext("serverId", serverID).
			WithUserMessage("This server does not exist or is not yours.")
	}

	node, err := m.gate.EnsureOnline(server.NodeID)
	if err != nil {
		return nil, err
	}

	up, err := m.dialUpstream(ctx, agent.NodeRef{BaseURL: node.BaseURL(), Token: node.Token}, server.Name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = up.Close()
		return nil, errors.New(errors.ErrCodeInternal, "console relay is shutting down").
			WithRetryable(true)
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:       strings.ToLower(ulid.Make().String()),
		ServerID: server.ID,
		UserID:   user.ID,
		client:   client,
		upstream: up,
		limiter:  rate.NewLimiter(rate.Limit(m.cfg.CommandsPerSecond), m.cfg.CommandBurst),
		logger:   m.logger,
		manager:  m,
		ctx:      sessionCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		started:  time.Now().UTC(),
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info(logging.CategoryConsole, "session_opened", "console attached", map[string]any{
			"session_id": s.ID,
			"server_id":  s.ServerID,
			"node_id":    server.NodeID,
			"user_id":    s.UserID,
		})
	}

	go s.run()
	return s, nil
}

// dialUpstream retries the console dial once, returning the structured
// dial error rather than the retry wrapper so callers keep the code.
func (m *Manager) dialUpstream(ctx context.Context, node agent.NodeRef, serverName string) (Upstream, error) {
	var (
		up   Upstream
		last error
	)
	err := m.retry.Execute(ctx, func() error {
		up, last = m.dial(ctx, node, serverName)
		return last
	})
	if err == nil {
		return up, nil
	}
	if last != nil {
		return nil, last
	}
	return nil, err
}

// reject sends one error frame and closes the client so the terminal shows
// the reason instead of dropping silently.
func (m *Manager) reject(client ClientConn, err error) {
	message := "console session could not be opened"
	if structured, ok := err.(*errors.Error); ok {
		if structured.UserMessage != "" {
			message = structured.UserMessage
		} else {
			message = structured.Message
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = client.WriteFrame(ctx, errorFrame(message))
	_ = client.Close("session rejected")
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll tears down every session and refuses new ones. Used at
// shutdown; blocks until all pumps have unwound.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close("panel shutting down")
	}
	for _, s := range sessions {
		<-s.Done()
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
