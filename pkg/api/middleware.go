package api

import (
	"context"
	stdliberrors "errors"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy is the parsed CORS/WebSocket origin allowlist. Entries parse
// once at construction; request handling only compares.
type originPolicy struct {
	wildcard bool
	rules    []originRule
}

// originRule matches one configured origin. Entries that fail to parse as
// URLs keep only the raw form and match by exact comparison.
type originRule struct {
	raw     string
	scheme  string
	host    string
	port    string
	anyPort bool
}

func newOriginPolicy(allowed []string) *originPolicy {
	p := &originPolicy{}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			p.wildcard = true
			continue
		}
		rule := originRule{raw: entry}
		if u, err := url.Parse(entry); err == nil && u.Scheme != "" && u.Hostname() != "" {
			rule.scheme = strings.ToLower(u.Scheme)
			rule.host = strings.ToLower(u.Hostname())
			rule.port = u.Port()
			if rule.port == "" {
				// Port-less loopback entries match every port so local
				// dev servers don't need one allowlist line per port.
				if isLoopbackHost(rule.host) {
					rule.anyPort = true
				} else {
					rule.port = schemePort(rule.scheme)
				}
			}
		}
		p.rules = append(p.rules, rule)
	}
	return p
}

// Allow reports whether origin may call the panel, and whether the decision
// came from the wildcard entry. Wildcard responses must not offer
// credentials, so callers need the distinction.
func (p *originPolicy) Allow(origin string) (allowed, wildcard bool) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return false, false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return false, false
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		port = schemePort(scheme)
	}

	for _, rule := range p.rules {
		if strings.EqualFold(rule.raw, origin) {
			return true, false
		}
		if rule.scheme == "" || rule.scheme != scheme || rule.host != host {
			continue
		}
		if rule.anyPort || rule.port == port {
			return true, false
		}
	}
	if p.wildcard {
		return true, true
	}
	return false, false
}

func schemePort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// corsMiddleware answers preflights and stamps allow headers from the
// origin policy.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			if allowed, wildcard := s.origins.Allow(origin); allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				if !wildcard {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var securityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"Referrer-Policy":        "strict-origin-when-cross-origin",
	"Permissions-Policy":     "geolocation=(), microphone=(), camera=(), payment=(), usb=()",
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for name, value := range securityHeaders {
			w.Header().Set(name, value)
		}
		next.ServeHTTP(w, r)
	})
}

// sessionMiddleware resolves the panel session cookie into a principal when
// one is present. It never rejects; routes that need auth use
// authMiddleware on top.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principalFromContext(r.Context()) != nil {
			next.ServeHTTP(w, r)
			return
		}
		if principal, _ := s.principalFromSessionCookie(r); principal != nil {
			r = r.WithContext(context.WithValue(r.Context(), principalContextKey, principal))
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware requires a principal (session, bearer token, or the
// bootstrap admin token) and rejects with 401 otherwise.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := s.authorize(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, stdliberrors.New("unauthorized"))
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// isWebSocketOriginAllowed gates WS upgrades: no Origin means a non-browser
// client, same-host covers the panel's own frontend, anything else goes
// through the allowlist.
func (s *Server) isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	allowed, _ := s.origins.Allow(origin)
	return allowed
}

// isLoopbackBindAddress reports whether the listener only accepts local
// connections. Query-string bearer tokens are honored only in that case.
func isLoopbackBindAddress(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		host = strings.TrimSpace(addr)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return false
	}
	return isLoopbackHost(host)
}
