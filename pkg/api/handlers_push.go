package api

import (
	stdliberrors "errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/craterhost/panel/pkg/errors"
	"github.com/craterhost/panel/pkg/storage"
)

func (s *Server) handlePushKey(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, storage.TokenScopeViewer); !ok {
		return
	}
	if s.push == nil {
		respondError(w, http.StatusServiceUnavailable, stdliberrors.New("push notifications disabled"))
		return
	}
	respondJSON(w, map[string]string{"publicKey": s.push.PublicKey()})
}

// pushSubscribeRequest matches the browser PushSubscription JSON shape.
type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s *Server) handleCreatePushSubscription(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeMember)
	if !ok {
		return
	}
	if s.push == nil {
		respondError(w, http.StatusServiceUnavailable, stdliberrors.New("push notifications disabled"))
		return
	}
	if p.UserID == "" {
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidInput,
			"push subscriptions belong to user accounts"))
		return
	}
	var req pushSubscribeRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}
	endpoint := strings.TrimSpace(req.Endpoint)
	if endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidInput,
			"endpoint and keys required"))
		return
	}
	id, err := s.store.CreatePushSubscription(p.UserID, endpoint, req.Keys.P256dh, req.Keys.Auth, r.UserAgent())
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, map[string]string{"id": id})
}

func (s *Server) handleDeletePushSubscription(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, storage.TokenScopeMember)
	if !ok {
		return
	}
	subscriptionID := chi.URLParam(r, "subscriptionID")
	subs, err := s.store.GetPushSubscriptionsByUser(p.UserID)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	for _, sub := range subs {
		if sub.ID == subscriptionID {
			if err := s.store.DeletePushSubscriptionByEndpoint(sub.Endpoint); err != nil {
				s.respondMappedError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	respondError(w, http.StatusNotFound, stdliberrors.New("subscription not found"))
}
