package api

import (
	"context"
	stdliberrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/craterhost/panel/pkg/agent"
	apperrors "github.com/craterhost/panel/pkg/errors"
	"github.com/craterhost/panel/pkg/storage"
)

const minPasswordLength = 8

// nodeHealthTimeout bounds the live ping so a dead daemon cannot hold the
// admin request open.
const nodeHealthTimeout = 5 * time.Second

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	users, err := s.store.ListUsers()
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, map[string]any{"users": users})
}

type createUserRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	Admin    bool   `json:"admin"`
	// Credits seeds the account through the ledger so the grant shows up
	// in the transaction history.
	Credits int64 `json:"credits"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	var req createUserRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	username := strings.TrimSpace(req.Username)
	if email == "" || username == "" {
		respondError(w, http.StatusBadRequest, stdliberrors.New("email and username required"))
		return
	}
	if len(req.Password) < minPasswordLength {
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidInput,
			"password must be at least 8 characters"))
		return
	}
	if req.Credits < 0 {
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidInput,
			"initial credits may not be negative"))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	user := &storage.User{
		ID:           ulid.Make().String(),
		Email:        email,
		Username:     username,
		PasswordHash: string(hash),
		Admin:        req.Admin,
	}
	if err := s.store.CreateUser(user); err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	if req.Credits > 0 {
		if _, err := s.store.ApplyCreditTransaction(user.ID, req.Credits, "initial credit grant"); err != nil {
			s.respondMappedError(w, r, err)
			return
		}
		user.Credits = req.Credits
	}
	_ = s.store.AppendAudit(storage.AuditEntry{
		UserID: user.ID,
		Action: "admin.user_created",
		Detail: "created by " + admin.Name,
	})
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, user)
}

type adjustCreditsRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// handleAdjustCredits grants (positive) or deducts (negative) credits.
// Deductions below zero fail the same way a too-expensive server create
// does.
func (s *Server) handleAdjustCredits(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	var req adjustCreditsRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}
	if req.Amount == 0 {
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidInput,
			"amount must be non-zero"))
		return
	}
	userID := chi.URLParam(r, "userID")
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "admin adjustment"
	}
	entry, err := s.store.ApplyCreditTransaction(userID, req.Amount, reason)
	if err != nil {
		if stdliberrors.Is(err, storage.ErrInsufficientCredits) {
			respondError(w, http.StatusPaymentRequired, apperrors.New(apperrors.ErrCodeInsufficientCredits,
				"deduction would drive the balance below zero"))
			return
		}
		s.respondMappedError(w, r, err)
		return
	}
	_ = s.store.AppendAudit(storage.AuditEntry{
		UserID: userID,
		Action: "admin.credits_adjusted",
		Detail: reason + " by " + admin.Name,
	})
	respondJSON(w, entry)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	var (
		nodes []*storage.Node
		err   error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		nodes, err = s.store.ListNodesByStatus(status)
	} else {
		nodes, err = s.store.ListNodes()
	}
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, map[string]any{"nodes": nodes})
}

type nodeRequest struct {
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Scheme       string `json:"scheme"`
	Token        string `json:"token"`
	MaxMemoryGB  int64  `json:"maxMemoryGb"`
	MaxStorageGB int64  `json:"maxStorageGb"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	var req nodeRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}
	if strings.TrimSpace(req.Host) == "" || req.Port <= 0 || strings.TrimSpace(req.Token) == "" {
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidInput,
			"host, port and token are required"))
		return
	}
	node := &storage.Node{
		ID:           ulid.Make().String(),
		Name:         strings.TrimSpace(req.Name),
		Host:         strings.TrimSpace(req.Host),
		Port:         req.Port,
		Scheme:       strings.TrimSpace(req.Scheme),
		Token:        req.Token,
		MaxMemoryGB:  req.MaxMemoryGB,
		MaxStorageGB: req.MaxStorageGB,
		Status:       storage.NodeStatusOffline,
	}
	if err := s.store.CreateNode(node); err != nil {
		if stdliberrors.Is(err, storage.ErrDuplicateNode) {
			respondError(w, http.StatusConflict, err)
			return
		}
		s.respondMappedError(w, r, err)
		return
	}
	_ = s.store.AppendAudit(storage.AuditEntry{NodeID: node.ID, Action: "admin.node_created", Detail: node.Host})
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, node)
}

// loadNode 404s for the caller when the node does not exist.
func (s *Server) loadNode(nodeID string) (*storage.Node, error) {
	node, err := s.store.GetNode(nodeID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "loading node")
	}
	if node == nil {
		return nil, apperrors.New(apperrors.ErrCodeNodeNotFound, "node not found").
			WithContext("nodeId", nodeID)
	}
	return node, nil
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	node, err := s.loadNode(chi.URLParam(r, "nodeID"))
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, node)
}

// handleUpdateNode patches mutable node fields. Zero values leave the
// stored value untouched so partial updates work.
func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	node, err := s.loadNode(chi.URLParam(r, "nodeID"))
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	var req nodeRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}
	if strings.TrimSpace(req.Name) != "" {
		node.Name = strings.TrimSpace(req.Name)
	}
	if strings.TrimSpace(req.Host) != "" {
		node.Host = strings.TrimSpace(req.Host)
	}
	if req.Port > 0 {
		node.Port = req.Port
	}
	if strings.TrimSpace(req.Scheme) != "" {
		node.Scheme = strings.TrimSpace(req.Scheme)
	}
	if req.Token != "" {
		node.Token = req.Token
	}
	if req.MaxMemoryGB > 0 {
		node.MaxMemoryGB = req.MaxMemoryGB
	}
	if req.MaxStorageGB > 0 {
		node.MaxStorageGB = req.MaxStorageGB
	}
	if err := s.store.UpdateNode(node); err != nil {
		if stdliberrors.Is(err, storage.ErrDuplicateNode) {
			respondError(w, http.StatusConflict, err)
			return
		}
		s.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, node)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	nodeID := chi.URLParam(r, "nodeID")
	if _, err := s.loadNode(nodeID); err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	servers, err := s.store.ListServersByNode(nodeID)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	if len(servers) > 0 {
		respondError(w, http.StatusConflict, apperrors.New(apperrors.ErrCodeStorageConflict,
			"node still hosts servers").WithContext("servers", len(servers)))
		return
	}
	if err := s.store.DeleteNode(nodeID); err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	_ = s.store.AppendAudit(storage.AuditEntry{NodeID: nodeID, Action: "admin.node_deleted"})
	w.WriteHeader(http.StatusNoContent)
}

type nodeStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSetNodeStatus(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	var req nodeStatusRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}
	status := strings.ToLower(strings.TrimSpace(req.Status))
	switch status {
	case storage.NodeStatusOnline, storage.NodeStatusOffline, storage.NodeStatusMaintenance:
	default:
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidInput,
			"status must be online, offline or maintenance"))
		return
	}
	nodeID := chi.URLParam(r, "nodeID")
	if _, err := s.loadNode(nodeID); err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	if err := s.store.UpdateNodeStatus(nodeID, status); err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	_ = s.store.AppendAudit(storage.AuditEntry{
		NodeID: nodeID,
		Action: "admin.node_status",
		Detail: status + " by " + admin.Name,
	})
	node, err := s.loadNode(nodeID)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, node)
}

// handleNodeHealth pings the node's daemon directly, bypassing the stored
// status. The stored status is not touched; the health gate and reconciler
// own transitions.
func (s *Server) handleNodeHealth(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	node, err := s.loadNode(chi.URLParam(r, "nodeID"))
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeHealthTimeout)
	defer cancel()
	checkedAt := time.Now().UTC()
	pingErr := s.agents.Ping(ctx, agent.NodeRef{BaseURL: node.BaseURL(), Token: node.Token})
	result := map[string]any{
		"nodeId":    node.ID,
		"status":    node.Status,
		"reachable": pingErr == nil,
		"checkedAt": checkedAt,
	}
	if pingErr != nil {
		result["error"] = pingErr.Error()
	}
	respondJSON(w, result)
}

func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	serverID := strings.TrimSpace(r.URL.Query().Get("server"))
	userID := strings.TrimSpace(r.URL.Query().Get("user"))

	var (
		entries []*storage.AuditEntry
		err     error
	)
	switch {
	case serverID != "":
		entries, err = s.store.ListAuditByServer(serverID, limit)
	case userID != "":
		entries, err = s.store.ListAuditByUser(userID, limit)
	default:
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidInput,
			"filter by ?server= or ?user="))
		return
	}
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, map[string]any{"entries": entries})
}
