package api

import (
	stdliberrors "errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/craterhost/panel/pkg/errors"
	"github.com/craterhost/panel/pkg/storage"
)

// handleListAPITokens shows the caller's tokens. Admins see everyone's
// with ?all=true.
func (s *Server) handleListAPITokens(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeOperator)
	if !ok {
		return
	}
	tokens, err := s.store.ListAPITokens()
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	if !(p.Admin && r.URL.Query().Get("all") == "true") {
		own := tokens[:0]
		for _, t := range tokens {
			if t.Owner == p.UserID {
				own = append(own, t)
			}
		}
		tokens = own
	}
	respondJSON(w, map[string]any{"tokens": tokens})
}

type createTokenRequest struct {
	Name  string `json:"name"`
	Scope string `json:"scope"`
}

// handleCreateAPIToken mints a token acting as the caller's account. The
// secret appears once in this response and is stored only as a hash.
func (s *Server) handleCreateAPIToken(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeOperator)
	if !ok {
		return
	}
	if p.UserID == "" {
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidInput,
			"tokens belong to user accounts; sign in as a user"))
		return
	}
	var req createTokenRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		respondError(w, http.StatusBadRequest, stdliberrors.New("token name required"))
		return
	}
	secret, err := storage.GenerateAPITokenValue()
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	record, err := s.store.CreateAPIToken(name, p.UserID, req.Scope, secret)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, map[string]any{
		"token":  secret,
		"record": record,
	})
}

func (s *Server) handleRevokeAPIToken(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeOperator)
	if !ok {
		return
	}
	tokenID := chi.URLParam(r, "tokenID")
	if !p.Admin {
		tokens, err := s.store.ListAPITokens()
		if err != nil {
			s.respondMappedError(w, r, err)
			return
		}
		owned := false
		for _, t := range tokens {
			if t.ID == tokenID && t.Owner == p.UserID {
				owned = true
				break
			}
		}
		if !owned {
			respondError(w, http.StatusNotFound, stdliberrors.New("token not found"))
			return
		}
	}
	if err := s.store.RevokeAPIToken(tokenID); err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
