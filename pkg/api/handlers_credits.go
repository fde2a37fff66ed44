package api

import (
	"net/http"

	"github.com/craterhost/panel/pkg/storage"
)

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeViewer)
	if !ok {
		return
	}
	userID := p.UserID
	if p.Admin && r.URL.Query().Get("user") != "" {
		userID = r.URL.Query().Get("user")
	}
	balance, err := s.store.GetBalance(userID)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, map[string]any{"userId": userID, "balance": balance})
}

func (s *Server) handleCreditHistory(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeViewer)
	if !ok {
		return
	}
	userID := p.UserID
	if p.Admin && r.URL.Query().Get("user") != "" {
		userID = r.URL.Query().Get("user")
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	entries, err := s.store.ListLedgerEntries(userID, limit)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, map[string]any{"userId": userID, "entries": entries})
}
