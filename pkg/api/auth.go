package api

import (
	"context"
	stdliberrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/craterhost/panel/pkg/storage"
)

type ctxKey string

const principalContextKey ctxKey = "panel-api-principal"

const sessionCookieName = "panel_session"

// defaultSessionTTL applies when the config leaves session_ttl unset.
const defaultSessionTTL = 24 * time.Hour

// requestPrincipal identifies the authenticated caller for one request.
// Cookie sessions and the builtin admin token carry operator scope; API
// tokens carry whatever scope they were minted with.
type requestPrincipal struct {
	UserID  string `json:"userId,omitempty"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name"`
	Scope   string `json:"scope"`
	Admin   bool   `json:"admin"`
	TokenID string `json:"tokenId,omitempty"`
}

// principalFromContext extracts the request principal from context.
func principalFromContext(ctx context.Context) *requestPrincipal {
	if ctx == nil {
		return nil
	}
	if p, ok := ctx.Value(principalContextKey).(*requestPrincipal); ok {
		return p
	}
	return nil
}

// scopeRank maps token scopes to their authorization level.
var scopeRank = map[string]int{
	storage.TokenScopeViewer:   0,
	storage.TokenScopeMember:   1,
	storage.TokenScopeOperator: 2,
}

// requireScope checks that the request principal has at least the required scope.
func requireScope(w http.ResponseWriter, r *http.Request, required string) (*requestPrincipal, bool) {
	p := principalFromContext(r.Context())
	if p == nil {
		respondError(w, http.StatusUnauthorized, stdliberrors.New("unauthorized"))
		return nil, false
	}
	if scopeRank[strings.ToLower(p.Scope)] < scopeRank[strings.ToLower(required)] {
		respondError(w, http.StatusForbidden, stdliberrors.New("forbidden"))
		return nil, false
	}
	return p, true
}

// requireAdmin checks for an operator-scope principal with admin rights.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (*requestPrincipal, bool) {
	p, ok := requireScope(w, r, storage.TokenScopeOperator)
	if !ok {
		return nil, false
	}
	if !p.Admin {
		respondError(w, http.StatusForbidden, stdliberrors.New("admin rights required"))
		return nil, false
	}
	return p, true
}

// principalForUser builds the principal a signed-in user acts as.
func principalForUser(user *storage.User, scope string) *requestPrincipal {
	admin := user.Admin && scope == storage.TokenScopeOperator
	return &requestPrincipal{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Username,
		Scope:  scope,
		Admin:  admin,
	}
}

func (s *Server) sessionTTL() time.Duration {
	if s.cfg.SessionTTL > 0 {
		return s.cfg.SessionTTL
	}
	return defaultSessionTTL
}

// issueWebSession creates a cookie session for the user and returns its token.
func (s *Server) issueWebSession(user *storage.User) (string, time.Time, error) {
	token, err := randomHex(32)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate session token: %w", err)
	}
	expires := time.Now().Add(s.sessionTTL())
	_, _ = s.store.CleanupExpiredWebSessions(time.Now())
	if err := s.store.CreateWebSession(token, user.ID, expires); err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// principalFromSessionCookie resolves the session cookie to a live principal.
// Expired sessions are deleted on sight; valid ones get their last-seen
// timestamp touched.
func (s *Server) principalFromSessionCookie(r *http.Request) (*requestPrincipal, string) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, ""
	}
	token := strings.TrimSpace(cookie.Value)
	if token == "" {
		return nil, ""
	}
	sess, err := s.store.GetWebSession(token)
	if err != nil || sess == nil {
		return nil, ""
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.store.DeleteWebSession(token)
		return nil, ""
	}
	user, err := s.store.GetUser(sess.UserID)
	if err != nil || user == nil {
		return nil, ""
	}
	_ = s.store.TouchWebSession(token)
	return principalForUser(user, storage.TokenScopeOperator), token
}

func (s *Server) revokeWebSession(token string) {
	if strings.TrimSpace(token) == "" {
		return
	}
	_ = s.store.DeleteWebSession(strings.TrimSpace(token))
}

func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	if strings.TrimSpace(token) == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    strings.TrimSpace(token),
		HttpOnly: true,
		Secure:   isRequestSecure(r),
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(time.Until(expires).Seconds()),
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   isRequestSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

// extractBearerToken extracts a bearer token from Authorization header or query param.
func extractBearerToken(r *http.Request) (token string, fromQuery bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):]), false
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}
	return "", false
}

// validateBearerToken resolves an API token to the owning user's principal.
// The token's scope caps what the principal may do regardless of who owns it.
func (s *Server) validateBearerToken(token string) *requestPrincipal {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	record, err := s.store.ValidateAPIToken(token)
	if err != nil || record == nil {
		return nil
	}
	user, err := s.store.GetUser(record.Owner)
	if err != nil || user == nil {
		return nil
	}
	p := principalForUser(user, record.Scope)
	p.TokenID = record.ID
	return p
}

// authorize validates the request and returns the associated principal.
func (s *Server) authorize(r *http.Request) (*requestPrincipal, bool) {
	if principal := principalFromContext(r.Context()); principal != nil {
		return principal, true
	}
	token, fromQuery := extractBearerToken(r)
	if fromQuery && !isLoopbackBindAddress(s.cfg.Bind) {
		token = ""
	}
	if token == "" {
		return nil, false
	}
	if s.cfg.AdminToken != "" && token == s.cfg.AdminToken {
		return &requestPrincipal{Name: "builtin", Scope: storage.TokenScopeOperator, Admin: true}, true
	}
	if p := s.validateBearerToken(token); p != nil {
		return p, true
	}
	return nil, false
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// UserID requests a minted session for that user instead of a
	// password login. Admin only.
	UserID string `json:"userId"`
}

// handleLogin creates a web session: users sign in with email+password,
// admins may mint a session for any user by id.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}

	if strings.TrimSpace(req.UserID) != "" {
		s.handleMintSession(w, r, strings.TrimSpace(req.UserID))
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, stdliberrors.New("email and password required"))
		return
	}
	if s.loginLimiter != nil && !s.loginLimiter.Allow("login:"+clientIP(r)) {
		respondError(w, http.StatusTooManyRequests, fmt.Errorf("rate limit exceeded"))
		return
	}

	user, err := s.store.GetUserByEmail(email)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	// Same rejection for unknown email and wrong password.
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		respondError(w, http.StatusUnauthorized, stdliberrors.New("invalid email or password"))
		return
	}

	token, expires, err := s.issueWebSession(user)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	s.setSessionCookie(w, r, token, expires)
	_ = s.store.AppendAudit(storage.AuditEntry{UserID: user.ID, Action: "auth.login"})
	respondJSON(w, map[string]any{
		"principal": principalForUser(user, storage.TokenScopeOperator),
		"session": map[string]any{
			"token":     token,
			"expiresAt": expires,
		},
	})
}

// handleMintSession issues a session for another user. The minted token is
// returned in the body and no cookie is set so the admin's own session
// survives.
func (s *Server) handleMintSession(w http.ResponseWriter, r *http.Request, userID string) {
	caller, ok := s.authorize(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, stdliberrors.New("unauthorized"))
		return
	}
	if !caller.Admin || scopeRank[strings.ToLower(caller.Scope)] < scopeRank[storage.TokenScopeOperator] {
		respondError(w, http.StatusForbidden, stdliberrors.New("admin rights required"))
		return
	}
	user, err := s.store.GetUser(userID)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	if user == nil {
		respondError(w, http.StatusNotFound, stdliberrors.New("user not found"))
		return
	}
	token, expires, err := s.issueWebSession(user)
	if err != nil {
		s.respondMappedError(w, r, err)
		return
	}
	_ = s.store.AppendAudit(storage.AuditEntry{
		UserID: user.ID,
		Action: "auth.session_minted",
		Detail: "minted by " + caller.Name,
	})
	respondJSON(w, map[string]any{
		"principal": principalForUser(user, storage.TokenScopeOperator),
		"session": map[string]any{
			"token":     token,
			"expiresAt": expires,
		},
	})
}

// handleAuthSession reports who the caller is.
func (s *Server) handleAuthSession(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	if principal == nil {
		respondError(w, http.StatusUnauthorized, stdliberrors.New("unauthorized"))
		return
	}
	var expiresAt time.Time
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if sess, err := s.store.GetWebSession(strings.TrimSpace(cookie.Value)); err == nil && sess != nil {
			expiresAt = sess.ExpiresAt
		}
	}
	respondJSON(w, map[string]any{
		"principal": principal,
		"session": map[string]any{
			"expiresAt": expiresAt,
		},
	})
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	if principal == nil {
		respondError(w, http.StatusUnauthorized, stdliberrors.New("unauthorized"))
		return
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.revokeWebSession(strings.TrimSpace(cookie.Value))
	}
	s.clearSessionCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// clientIP keys rate limiting. Proxy headers are not trusted here; the
// limiter only needs a stable per-peer key.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
