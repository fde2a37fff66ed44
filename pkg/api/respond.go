package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	stdliberrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	apperrors "github.com/craterhost/panel/pkg/errors"
	"github.com/craterhost/panel/pkg/logging"
)

// rateLimiter provides simple per-key rate limiting.
type rateLimiter struct {
	interval time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if last, ok := r.last[key]; ok {
		if now.Sub(last) < r.interval {
			return false
		}
	}
	r.last[key] = now
	return true
}

// parseIntDefault parses an integer with a default fallback.
func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(status)

	response := struct {
		Error       string   `json:"error"`
		Status      int      `json:"status"`
		Code        string   `json:"code,omitempty"`
		Message     string   `json:"message"`
		Details     string   `json:"details,omitempty"`
		Remediation []string `json:"remediation,omitempty"`
		Retryable   bool     `json:"retryable,omitempty"`
		Timestamp   string   `json:"timestamp"`
	}{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	response.Error = response.Message

	var panelErr *apperrors.Error
	if stdliberrors.As(err, &panelErr) {
		response.Code = string(panelErr.Code)
		if panelErr.UserMessage != "" {
			response.Message = panelErr.UserMessage
		} else if panelErr.Message != "" {
			response.Message = panelErr.Message
		}
		if len(panelErr.Remediation) > 0 {
			response.Remediation = append([]string{}, panelErr.Remediation...)
		}
		response.Retryable = panelErr.Retryable
		if response.Details == "" {
			response.Details = panelErr.Error()
		}
	} else if err != nil {
		response.Message = err.Error()
	}

	if response.Details == "" && err != nil {
		response.Details = fmt.Sprintf("%v", err)
	}

	if len(response.Remediation) == 0 {
		response.Remediation = defaultRemediation(response.Code, status)
	}

	response.Error = response.Message
	_ = json.NewEncoder(w).Encode(response)
}

// httpStatusForError maps structured error codes onto HTTP statuses. Errors
// without a code are treated as internal.
func httpStatusForError(err error) int {
	var panelErr *apperrors.Error
	if !stdliberrors.As(err, &panelErr) {
		return http.StatusInternalServerError
	}
	switch panelErr.Code {
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeForbidden:
		return http.StatusForbidden
	case apperrors.ErrCodeServerNotFound, apperrors.ErrCodeNodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeInvalidTransition:
		return http.StatusBadRequest
	case apperrors.ErrCodeInsufficientCredits:
		return http.StatusPaymentRequired
	case apperrors.ErrCodeOperationInFlight, apperrors.ErrCodeNodeNotOnline,
		apperrors.ErrCodeNodeCapacity, apperrors.ErrCodeStorageConflict,
		apperrors.ErrCodeLedgerConflict:
		return http.StatusConflict
	case apperrors.ErrCodeAgentError:
		return http.StatusBadGateway
	case apperrors.ErrCodeAgentUnreachable, apperrors.ErrCodeConsoleDial:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondMappedError picks the HTTP status from the error's code. True
// internal failures are logged with a correlation id and masked so storage
// details never reach the client; upstream agent errors (502/503) surface
// as-is because their message is the daemon's own report.
func (s *Server) respondMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatusForError(err)
	if status != http.StatusInternalServerError {
		respondError(w, status, err)
		return
	}
	id := ulid.Make().String()
	if s.logger != nil {
		_ = s.logger.Error(logging.CategoryAPI, "request_failed", "request failed", map[string]any{
			"correlation_id": id,
			"method":         r.Method,
			"path":           r.URL.Path,
			"error":          err.Error(),
		})
	}
	respondError(w, status, apperrors.New(apperrors.ErrCodeInternal, "internal error").
		WithUserMessage("Something went wrong on our side. Quote reference "+id+" when reporting this."))
}

// defaultRemediation provides remediation steps for common errors.
func defaultRemediation(code string, status int) []string {
	switch apperrors.ErrorCode(code) {
	case apperrors.ErrCodeInsufficientCredits:
		return []string{
			"Top up your credit balance.",
			"Free up credits by deleting unused servers.",
		}
	case apperrors.ErrCodeNodeNotOnline, apperrors.ErrCodeAgentUnreachable:
		return []string{
			"The host node is offline or unreachable right now.",
			"Retry once the node comes back, or contact support if it stays down.",
		}
	case apperrors.ErrCodeNodeCapacity:
		return []string{
			"No node has room for the requested resources.",
			"Reduce the memory/storage request or try again later.",
		}
	case apperrors.ErrCodeInvalidTransition, apperrors.ErrCodeOperationInFlight:
		return []string{
			"Another operation is still settling on this server.",
			"Refresh the server status and retry once it is stable.",
		}
	case apperrors.ErrCodeConsoleDial:
		return []string{
			"The console stream could not be attached.",
			"Make sure the server is running, then reopen the console.",
		}
	}

	switch status {
	case http.StatusUnauthorized:
		return []string{
			"Sign in again or supply a valid API token.",
			"Expired sessions must be renewed via POST /api/auth/sessions.",
		}
	case http.StatusForbidden:
		return []string{
			"Use an account or token with sufficient rights (viewer|member|operator).",
			"Re-run the request after updating credentials.",
		}
	case http.StatusNotFound:
		return []string{
			"Verify the resource ID in the request URL.",
			"The resource may have been deleted already.",
		}
	case http.StatusTooManyRequests:
		return []string{
			"Slow down requests to the panel.",
			"Wait a few seconds for the rate limiter to reset.",
		}
	case http.StatusServiceUnavailable:
		return []string{
			"A backing service (database or node daemon) is unavailable.",
			"Retry shortly; the condition is usually transient.",
		}
	default:
		return []string{
			"Check the panel logs for the correlation id in this response.",
			"Retry the action once the underlying issue is resolved.",
		}
	}
}

// randomHex generates a random hex string of n bytes.
func randomHex(n int) (string, error) {
	if n <= 0 {
		n = 16
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// schemeForRequest returns the scheme (http/https) for the request.
func schemeForRequest(r *http.Request) string {
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		return strings.ToLower(proto)
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// isRequestSecure returns true if the request is over HTTPS.
func isRequestSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	proto := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")))
	return proto == "https"
}
