package api

import (
	"context"
	stdliberrors "errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/craterhost/panel/pkg/errors"
	"github.com/craterhost/panel/pkg/lifecycle"
	"github.com/craterhost/panel/pkg/storage"
)

// lifecyclePrincipal converts the request principal for the controller.
func lifecyclePrincipal(p *requestPrincipal) lifecycle.Principal {
	return lifecycle.Principal{UserID: p.UserID, Admin: p.Admin}
}

// loadOwnedServer fetches a server the principal may act on: its owner or
// any admin.
func (s *Server) loadOwnedServer(p *requestPrincipal, serverID string) (*storage.Server, error) {
	server, err := s.store.GetServer(serverID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "loading server")
	}
	if server == nil {
		return nil, apperrors.New(apperrors.ErrCodeServerNotFound, "server not found").
			WithContext("serverId", serverID)
	}
	if !p.Admin && server.UserID != p.UserID {
		return nil, apperrors.New(apperrors.ErrCodeForbidden, "not your server")
	}
	return server, nil
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeViewer)
	if !ok {
		return
	}
	var (
		servers []*storage.Server
		err     error
	)
	switch {
	case p.Admin && r.URL.Query().Get("user") != "":
		servers, err = s.store.ListServersByUser(r.URL.Query().Get("user"))
	case p.Admin && r.URL.Query().Get("all") == "true":
		servers, err = s.store.ListServers()
	default:
		servers, err = s.store.ListServersByUser(p.UserID)
	}
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, map[string]any{"servers": servers})
}

type createServerRequest struct {
	Name      string `json:"name"`
	Software  string `json:"software"`
	MemoryGB  int64  `json:"memoryGb"`
	StorageGB int64  `json:"storageGb"`
	// NodeID pins placement to one node; empty lets the scheduler pick
	// the least loaded online node.
	NodeID string `json:"nodeId"`
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeMember)
	if !ok {
		return
	}
	if p.UserID == "" {
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidInput,
			"the builtin admin credential cannot own servers; create a user account first"))
		return
	}
	var req createServerRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}

	server, err := s.ctrl.Create(r.Context(), p.UserID, lifecycle.CreateRequest{
		Name:      req.Name,
		Software:  req.Software,
		MemoryGB:  req.MemoryGB,
		StorageGB: req.StorageGB,
		NodeID:    req.NodeID,
	})
	observeLifecycleOp("create", err)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, server)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeViewer)
	if !ok {
		return
	}
	server, err := s.loadOwnedServer(p, chi.URLParam(r, "serverID"))
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, server)
}

func (s *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycleOp(w, r, "start", s.ctrl.Start)
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycleOp(w, r, "stop", s.ctrl.Stop)
}

func (s *Server) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycleOp(w, r, "restart", s.ctrl.Restart)
}

type lifecycleFunc func(ctx context.Context, p lifecycle.Principal, serverID string) (*storage.Server, error)

// handleLifecycleOp runs one start/stop/restart transition. Authorization
// (ownership, admin override) lives in the controller.
func (s *Server) handleLifecycleOp(w http.ResponseWriter, r *http.Request, op string, fn lifecycleFunc) {
	p, ok := requireScope(w, r, storage.TokenScopeMember)
	if !ok {
		return
	}
	server, err := fn(r.Context(), lifecyclePrincipal(p), chi.URLParam(r, "serverID"))
	observeLifecycleOp(op, err)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, server)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeMember)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if force && !p.Admin {
		respondError(w, http.StatusForbidden, stdliberrors.New("force delete requires admin rights"))
		return
	}
	err := s.ctrl.Delete(r.Context(), lifecyclePrincipal(p), chi.URLParam(r, "serverID"), force)
	observeLifecycleOp("delete", err)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleServerStatus reconciles the server against its node on demand and
// reports the fresh status.
func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeViewer)
	if !ok {
		return
	}
	server, err := s.loadOwnedServer(p, chi.URLParam(r, "serverID"))
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	result, err := s.rec.Reconcile(r.Context(), server.ID)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, map[string]any{
		"serverId": server.ID,
		"status":   result.New,
		"old":      result.Old,
		"changed":  result.Changed,
	})
}

// handleCreateConsoleTicket mints a single-use console ticket and the
// WebSocket URL to redeem it at.
func (s *Server) handleCreateConsoleTicket(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeMember)
	if !ok {
		return
	}
	server, err := s.loadOwnedServer(p, chi.URLParam(r, "serverID"))
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	userID := p.UserID
	if userID == "" {
		// Builtin admin attaches on behalf of the owner.
		userID = server.UserID
	}
	ticket, expires, err := s.tickets.Issue(server.ID, userID)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, map[string]any{
		"ticket":    ticket,
		"socketUrl": s.consoleSocketURL(r, server.ID, ticket),
		"expiresAt": expires,
	})
}

// consoleSocketURL builds the ws(s) URL for a console session. ExternalURL
// wins when configured so links survive reverse proxies.
func (s *Server) consoleSocketURL(r *http.Request, serverID, ticket string) string {
	scheme := "ws"
	host := r.Host
	if s.cfg.ExternalURL != "" {
		if u, err := url.Parse(s.cfg.ExternalURL); err == nil && u.Host != "" {
			host = u.Host
			if strings.EqualFold(u.Scheme, "https") {
				scheme = "wss"
			}
		}
	} else if isRequestSecure(r) {
		scheme = "wss"
	}
	q := url.Values{}
	q.Set("server", serverID)
	q.Set("ticket", ticket)
	return scheme + "://" + host + "/ws/console?" + q.Encode()
}
