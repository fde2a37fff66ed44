package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/craterhost/panel/pkg/storage"
)

// createLoginUser stores a user with a real (cheap) bcrypt hash so the
// password path is exercised end to end.
func createLoginUser(t *testing.T, store *storage.Store, email, password string) *storage.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u := &storage.User{
		ID:           ulid.Make().String(),
		Email:        email,
		Username:     "login-" + ulid.Make().String(),
		PasswordHash: string(hash),
	}
	if err := store.CreateUser(u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func sessionCookie(rr *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == sessionCookieName {
			return c
		}
	}
	return nil
}

// =============================================================================
// Login Tests
// =============================================================================

func TestHandleLogin_Success(t *testing.T) {
	server, store := newTestServer(t)
	user := createLoginUser(t, store, "alice@example.com", "correct horse battery")

	body := `{"email":"Alice@Example.com","password":"correct horse battery"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/sessions", strings.NewReader(body))
	rr := httptest.NewRecorder()
	server.handleLogin(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
	var resp struct {
		Principal requestPrincipal `json:"principal"`
		Session   struct {
			Token     string    `json:"token"`
			ExpiresAt time.Time `json:"expiresAt"`
		} `json:"session"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Principal.UserID != user.ID {
		t.Errorf("expected principal for %s, got %+v", user.ID, resp.Principal)
	}
	if resp.Session.Token == "" || !resp.Session.ExpiresAt.After(time.Now()) {
		t.Errorf("unexpected session payload: %+v", resp.Session)
	}

	cookie := sessionCookie(rr)
	if cookie == nil {
		t.Fatalf("expected a %s cookie", sessionCookieName)
	}
	if !cookie.HttpOnly {
		t.Errorf("expected HttpOnly session cookie")
	}
	if cookie.Value != resp.Session.Token {
		t.Errorf("cookie and body token differ")
	}

	sess, err := store.GetWebSession(resp.Session.Token)
	if err != nil || sess == nil {
		t.Fatalf("expected a stored web session, got %v, %v", sess, err)
	}
	if sess.UserID != user.ID {
		t.Errorf("session belongs to %s, want %s", sess.UserID, user.ID)
	}
}

func TestHandleLogin_SameRejectionForUnknownEmailAndWrongPassword(t *testing.T) {
	server, store := newTestServer(t)
	createLoginUser(t, store, "alice@example.com", "correct horse battery")

	cases := []struct {
		body       string
		remoteAddr string
	}{
		{`{"email":"nobody@example.com","password":"whatever"}`, "10.0.0.1:1111"},
		{`{"email":"alice@example.com","password":"wrong"}`, "10.0.0.2:2222"},
	}
	var messages []string
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/sessions", strings.NewReader(tc.body))
		req.RemoteAddr = tc.remoteAddr
		rr := httptest.NewRecorder()
		server.handleLogin(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected status %d, got %d: %s", http.StatusUnauthorized, rr.Code, rr.Body.String())
		}
		messages = append(messages, decodeErrorEnvelope(t, rr).Message)
	}
	if messages[0] != messages[1] {
		t.Errorf("rejection messages differ: %q vs %q", messages[0], messages[1])
	}
}

func TestHandleLogin_RateLimited(t *testing.T) {
	server, store := newTestServer(t)
	createLoginUser(t, store, "alice@example.com", "correct horse battery")

	body := `{"email":"alice@example.com","password":"wrong"}`
	for i, want := range []int{http.StatusUnauthorized, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/sessions", strings.NewReader(body))
		req.RemoteAddr = "10.9.9.9:4000"
		rr := httptest.NewRecorder()
		server.handleLogin(rr, req)
		if rr.Code != want {
			t.Fatalf("attempt %d: expected status %d, got %d: %s", i, want, rr.Code, rr.Body.String())
		}
	}
}

func TestHandleLogin_MissingFields(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/sessions", strings.NewReader(`{"email":"a@b.c"}`))
	rr := httptest.NewRecorder()
	server.handleLogin(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d: %s", http.StatusBadRequest, rr.Code, rr.Body.String())
	}
}

// =============================================================================
// Minted Session Tests
// =============================================================================

func TestHandleLogin_MintSessionWithAdminToken(t *testing.T) {
	server, store := newTestServer(t)
	user := createTestUser(t, store, 0)

	body := `{"userId":"` + user.ID + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/sessions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rr := httptest.NewRecorder()
	server.handleLogin(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
	var resp struct {
		Principal requestPrincipal `json:"principal"`
		Session   struct {
			Token string `json:"token"`
		} `json:"session"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Principal.UserID != user.ID || resp.Session.Token == "" {
		t.Errorf("unexpected mint response: %+v", resp)
	}
	// The admin keeps their own session: no cookie for the minted one.
	if sessionCookie(rr) != nil {
		t.Errorf("minting must not set a session cookie")
	}

	audits, err := store.ListAuditByUser(user.ID, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	found := false
	for _, a := range audits {
		if a.Action == "auth.session_minted" && strings.Contains(a.Detail, "builtin") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an auth.session_minted audit entry")
	}
}

func TestHandleLogin_MintSessionUnauthenticated(t *testing.T) {
	server, store := newTestServer(t)
	user := createTestUser(t, store, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/sessions", strings.NewReader(`{"userId":"`+user.ID+`"}`))
	rr := httptest.NewRecorder()
	server.handleLogin(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d: %s", http.StatusUnauthorized, rr.Code, rr.Body.String())
	}
}

func TestHandleLogin_MintSessionNonAdminForbidden(t *testing.T) {
	server, store := newTestServer(t)
	caller := createTestUser(t, store, 0)
	target := createTestUser(t, store, 0)
	if _, err := store.CreateAPIToken("cli", caller.ID, storage.TokenScopeOperator, "caller-secret"); err != nil {
		t.Fatalf("create token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/sessions", strings.NewReader(`{"userId":"`+target.ID+`"}`))
	req.Header.Set("Authorization", "Bearer caller-secret")
	rr := httptest.NewRecorder()
	server.handleLogin(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d: %s", http.StatusForbidden, rr.Code, rr.Body.String())
	}
}

func TestHandleLogin_MintSessionUnknownUser(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/sessions", strings.NewReader(`{"userId":"ghost"}`))
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rr := httptest.NewRecorder()
	server.handleLogin(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d: %s", http.StatusNotFound, rr.Code, rr.Body.String())
	}
}

// =============================================================================
// Middleware Tests
// =============================================================================

// probeRouter wraps the auth middleware around a route that echoes the
// principal name.
func probeRouter(server *Server) http.Handler {
	router := chi.NewRouter()
	router.Use(server.sessionMiddleware)
	router.Use(server.authMiddleware)
	router.Get("/probe", func(w http.ResponseWriter, r *http.Request) {
		p := principalFromContext(r.Context())
		_, _ = w.Write([]byte(p.Name))
	})
	return router
}

func TestAuthMiddleware_AdminToken(t *testing.T) {
	server, _ := newTestServer(t)
	router := probeRouter(server)

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "builtin" {
		t.Errorf("expected builtin principal, got %q", rr.Body.String())
	}
}

func TestAuthMiddleware_APIToken(t *testing.T) {
	server, store := newTestServer(t)
	user := createTestUser(t, store, 0)
	if _, err := store.CreateAPIToken("cli", user.ID, storage.TokenScopeMember, "user-secret"); err != nil {
		t.Fatalf("create token: %v", err)
	}
	router := probeRouter(server)

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer user-secret")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
	if rr.Body.String() != user.Username {
		t.Errorf("expected %q principal, got %q", user.Username, rr.Body.String())
	}
}

func TestAuthMiddleware_RejectsInvalidAndMissing(t *testing.T) {
	server, _ := newTestServer(t)
	router := probeRouter(server)

	for _, header := range []string{"Bearer bogus", ""} {
		req := httptest.NewRequest(http.MethodGet, "/probe", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected status %d, got %d", header, http.StatusUnauthorized, rr.Code)
		}
	}
}

func TestAuthorize_QueryTokenOnlyOnLoopback(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics?token="+testAdminToken, nil)
	p, ok := server.authorize(req)
	if !ok || p.Name != "builtin" {
		t.Fatalf("expected query token accepted on loopback bind, got %v, %+v", ok, p)
	}

	server.cfg.Bind = "0.0.0.0:8080"
	if _, ok := server.authorize(req); ok {
		t.Errorf("expected query token rejected on non-loopback bind")
	}
}

func TestSessionMiddleware_ResolvesCookie(t *testing.T) {
	server, store := newTestServer(t)
	user := createTestUser(t, store, 0)
	token, _, err := server.issueWebSession(user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	router := probeRouter(server)

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
	if rr.Body.String() != user.Username {
		t.Errorf("expected %q principal, got %q", user.Username, rr.Body.String())
	}
}

func TestSessionMiddleware_ExpiredSessionRemoved(t *testing.T) {
	server, store := newTestServer(t)
	user := createTestUser(t, store, 0)
	if err := store.CreateWebSession("stale-token", user.ID, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("create session: %v", err)
	}
	router := probeRouter(server)

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "stale-token"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d: %s", http.StatusUnauthorized, rr.Code, rr.Body.String())
	}
	sess, err := store.GetWebSession("stale-token")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess != nil {
		t.Errorf("expected expired session deleted")
	}
}

// =============================================================================
// Session Introspection Tests
// =============================================================================

func TestHandleAuthSession_ReportsPrincipalAndExpiry(t *testing.T) {
	server, store := newTestServer(t)
	user := createTestUser(t, store, 0)
	token, expires, err := server.issueWebSession(user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	req = withPrincipal(req, principalForUser(user, storage.TokenScopeOperator))
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	rr := httptest.NewRecorder()
	server.handleAuthSession(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
	var resp struct {
		Principal requestPrincipal `json:"principal"`
		Session   struct {
			ExpiresAt time.Time `json:"expiresAt"`
		} `json:"session"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Principal.UserID != user.ID {
		t.Errorf("unexpected principal: %+v", resp.Principal)
	}
	if resp.Session.ExpiresAt.Unix() != expires.Unix() {
		t.Errorf("expected expiry %v, got %v", expires, resp.Session.ExpiresAt)
	}
}

func TestHandleAuthLogout_RevokesSession(t *testing.T) {
	server, store := newTestServer(t)
	user := createTestUser(t, store, 0)
	token, _, err := server.issueWebSession(user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req = withPrincipal(req, principalForUser(user, storage.TokenScopeOperator))
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	rr := httptest.NewRecorder()
	server.handleAuthLogout(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d: %s", http.StatusNoContent, rr.Code, rr.Body.String())
	}
	sess, err := store.GetWebSession(token)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess != nil {
		t.Errorf("expected session revoked")
	}
	cookie := sessionCookie(rr)
	if cookie == nil || cookie.Value != "" || cookie.MaxAge >= 0 {
		t.Errorf("expected a cleared session cookie, got %+v", cookie)
	}
}

// =============================================================================
// Scope Tests
// =============================================================================

func TestRequireScope_UnknownScopeActsAsViewer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = withPrincipal(req, &requestPrincipal{UserID: "u", Scope: "bogus"})

	rr := httptest.NewRecorder()
	if _, ok := requireScope(rr, req, storage.TokenScopeMember); ok {
		t.Fatalf("expected unknown scope to fail member check")
	}
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected status %d, got %d", http.StatusForbidden, rr.Code)
	}

	rr = httptest.NewRecorder()
	if _, ok := requireScope(rr, req, storage.TokenScopeViewer); !ok {
		t.Errorf("expected unknown scope to pass viewer check")
	}
}

func TestRequireAdmin_RejectsNonAdminOperator(t *testing.T) {
	server, store := newTestServer(t)
	user := createTestUser(t, store, 0)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = withPrincipal(req, principalForUser(user, storage.TokenScopeOperator))
	rr := httptest.NewRecorder()
	if _, ok := server.requireAdmin(rr, req); ok {
		t.Fatalf("expected non-admin rejected")
	}
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected status %d, got %d", http.StatusForbidden, rr.Code)
	}
}

// =============================================================================
// Startup Config Tests
// =============================================================================

func TestValidateStartupConfig(t *testing.T) {
	_, store := newTestServer(t)

	bare := NewServer(Config{Bind: "127.0.0.1:0"}, Deps{Store: store})
	if err := bare.validateStartupConfig(); err == nil {
		t.Errorf("expected error with no users and no admin token")
	}

	withToken := NewServer(Config{Bind: "127.0.0.1:0", AdminToken: "x"}, Deps{Store: store})
	if err := withToken.validateStartupConfig(); err != nil {
		t.Errorf("expected admin token to satisfy startup check, got %v", err)
	}

	createTestUser(t, store, 0)
	if err := bare.validateStartupConfig(); err != nil {
		t.Errorf("expected existing user to satisfy startup check, got %v", err)
	}
}
