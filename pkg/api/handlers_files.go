package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/craterhost/panel/pkg/agent"
	apperrors "github.com/craterhost/panel/pkg/errors"
	"github.com/craterhost/panel/pkg/storage"
)

// fileTarget bundles everything one agent file call needs.
type fileTarget struct {
	server *storage.Server
	node   agent.NodeRef
	email  string
}

// resolveFileTarget authorizes the caller for the server and locates its
// node. File operations require the hosting node to be online.
func (s *Server) resolveFileTarget(p *requestPrincipal, serverID string) (*fileTarget, error) {
	server, err := s.loadOwnedServer(p, serverID)
	if err != nil {
		return nil, err
	}
	node, err := s.ctrl.Gate().EnsureOnline(server.NodeID)
	if err != nil {
		return nil, err
	}
	owner, err := s.store.GetUser(server.UserID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "loading server owner")
	}
	email := ""
	if owner != nil {
		email = owner.Email
	}
	return &fileTarget{
		server: server,
		node:   agent.NodeRef{BaseURL: node.BaseURL(), Token: node.Token},
		email:  email,
	}, nil
}

// cleanFilePath rejects traversal before the path ever reaches a node.
func cleanFilePath(raw string, allowEmpty bool) (string, error) {
	path := strings.TrimSpace(raw)
	if path == "" {
		if allowEmpty {
			return "", nil
		}
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "path required")
	}
	for _, part := range strings.Split(strings.ReplaceAll(path, "\\", "/"), "/") {
		if part == ".." {
			return "", apperrors.New(apperrors.ErrCodeInvalidInput, "path may not traverse upward")
		}
	}
	return path, nil
}

func (s *Server) handleListServerFiles(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeViewer)
	if !ok {
		return
	}
	path, err := cleanFilePath(r.URL.Query().Get("path"), true)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	target, err := s.resolveFileTarget(p, chi.URLParam(r, "serverID"))
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	files, err := s.agents.ListFiles(r.Context(), target.node, target.server.Name, path)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, map[string]any{"path": path, "files": files})
}

func (s *Server) handleReadServerFile(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeViewer)
	if !ok {
		return
	}
	path, err := cleanFilePath(r.URL.Query().Get("path"), false)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	target, err := s.resolveFileTarget(p, chi.URLParam(r, "serverID"))
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	content, err := s.agents.ReadFile(r.Context(), target.node, target.server.Name, path)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, map[string]any{"path": path, "content": content})
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) handleWriteServerFile(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeMember)
	if !ok {
		return
	}
	var req writeFileRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesFile, false); err != nil {
		respondError(w, status, err)
		return
	}
	path, err := cleanFilePath(req.Path, false)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	target, err := s.resolveFileTarget(p, chi.URLParam(r, "serverID"))
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	if err := s.agents.WriteFile(r.Context(), target.node, target.server.Name, target.email, path, req.Content); err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, map[string]any{"path": path, "written": true})
}

type mkdirRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleMkdirServer(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeMember)
	if !ok {
		return
	}
	var req mkdirRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}
	path, err := cleanFilePath(req.Path, false)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	target, err := s.resolveFileTarget(p, chi.URLParam(r, "serverID"))
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	if err := s.agents.Mkdir(r.Context(), target.node, target.server.Name, target.email, path); err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, map[string]any{"path": path, "created": true})
}

func (s *Server) handleDeleteServerFile(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeMember)
	if !ok {
		return
	}
	path, err := cleanFilePath(r.URL.Query().Get("path"), false)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	target, err := s.resolveFileTarget(p, chi.URLParam(r, "serverID"))
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	if err := s.agents.DeleteFile(r.Context(), target.node, target.server.Name, path); err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
