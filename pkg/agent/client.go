// Package agent implements the client side of the per-node daemon's REST
// and console surfaces. The client is stateless: every call takes the
// target node's base URL and verification token, so a single client serves
// the whole fleet. Retry policy belongs to callers.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/craterhost/panel/pkg/errors"
)

const (
	defaultControlTimeout     = 10 * time.Second
	defaultFileTimeout        = 60 * time.Second
	defaultConsoleDialTimeout = 15 * time.Second

	// defaultMaxResponseBytes bounds how much of an agent response body is
	// read; file reads dominate, control responses are tiny.
	defaultMaxResponseBytes = 4 << 20

	errorBodySnippet = 500
)

// NodeRef addresses one node's daemon.
type NodeRef struct {
	BaseURL string // scheme://host:port
	Token   string // node verification token
}

// Config tunes client timeouts and limits. Zero values use defaults.
type Config struct {
	ControlTimeout     time.Duration
	FileTimeout        time.Duration
	ConsoleDialTimeout time.Duration
	MaxResponseBytes   int64
}

// Client talks to node daemons.
type Client struct {
	control          *http.Client
	files            *http.Client
	consoleDialLimit time.Duration
	maxResponseBytes int64
}

// defaultTransport returns an http.Transport with tuned connection pool
// settings shared by the control and file clients.
func defaultTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient creates a daemon client.
func NewClient(cfg Config) *Client {
	if cfg.ControlTimeout == 0 {
		cfg.ControlTimeout = defaultControlTimeout
	}
	if cfg.FileTimeout == 0 {
		cfg.FileTimeout = defaultFileTimeout
	}
	if cfg.ConsoleDialTimeout == 0 {
		cfg.ConsoleDialTimeout = defaultConsoleDialTimeout
	}
	if cfg.MaxResponseBytes == 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}

	transport := defaultTransport()
	return &Client{
		control:          &http.Client{Timeout: cfg.ControlTimeout, Transport: transport},
		files:            &http.Client{Timeout: cfg.FileTimeout, Transport: transport},
		consoleDialLimit: cfg.ConsoleDialTimeout,
		maxResponseBytes: cfg.MaxResponseBytes,
	}
}

// CreateServerRequest carries the fields the daemon needs to provision a
// server.
type CreateServerRequest struct {
	ServerName string `json:"serverName"`
	UserEmail  string `json:"userEmail"`
	Software   string `json:"software"`
	MemoryGB   int64  `json:"memoryGb"`
	StorageGB  int64  `json:"storageGb"`
}

// serverRequest is the fixed body shape for start/stop/restart/delete.
type serverRequest struct {
	ServerName string `json:"serverName"`
	UserEmail  string `json:"userEmail"`
}

// fileRequest is the body shape for file mutations.
type fileRequest struct {
	ServerName string `json:"serverName"`
	UserEmail  string `json:"userEmail"`
	Path       string `json:"path"`
	Content    string `json:"content,omitempty"`
}

// envelope is the daemon's uniform response wrapper.
type envelope struct {
	Status   string      `json:"status"`
	Message  string      `json:"message,omitempty"`
	ServerID string      `json:"serverId,omitempty"`
	State    string      `json:"state,omitempty"`
	Content  string      `json:"content,omitempty"`
	Files    []FileEntry `json:"files,omitempty"`
}

// CreateResult reports a successful provision.
type CreateResult struct {
	ServerID string
}

// StatusResult reports the agent-native runtime state of a server.
type StatusResult struct {
	State string
}

// FileEntry describes one entry in a server's file tree.
type FileEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"isDir"`
}

// CreateServer asks the daemon to provision a server.
func (c *Client) CreateServer(ctx context.Context, node NodeRef, req CreateServerRequest) (*CreateResult, error) {
	env, err := c.postJSON(ctx, c.control, node, "/server/create", req)
	if err != nil {
		return nil, err
	}
	return &CreateResult{ServerID: env.ServerID}, nil
}

// StartServer starts a provisioned server.
func (c *Client) StartServer(ctx context.Context, node NodeRef, serverName, userEmail string) error {
	_, err := c.postJSON(ctx, c.control, node, "/server/start", serverRequest{ServerName: serverName, UserEmail: userEmail})
	return err
}

// StopServer stops a running server.
func (c *Client) StopServer(ctx context.Context, node NodeRef, serverName, userEmail string) error {
	_, err := c.postJSON(ctx, c.control, node, "/server/stop", serverRequest{ServerName: serverName, UserEmail: userEmail})
	return err
}

// RestartServer restarts a server.
func (c *Client) RestartServer(ctx context.Context, node NodeRef, serverName, userEmail string) error {
	_, err := c.postJSON(ctx, c.control, node, "/server/restart", serverRequest{ServerName: serverName, UserEmail: userEmail})
	return err
}

// DeleteServer removes a server and its data from the node.
func (c *Client) DeleteServer(ctx context.Context, node NodeRef, serverName, userEmail string) error {
	_, err := c.postJSON(ctx, c.control, node, "/server/delete", serverRequest{ServerName: serverName, UserEmail: userEmail})
	return err
}

// ServerStatus fetches the agent-native runtime state of a server.
func (c *Client) ServerStatus(ctx context.Context, node NodeRef, serverName string) (*StatusResult, error) {
	env, err := c.getJSON(ctx, c.control, node, "/server/status", url.Values{"serverName": {serverName}})
	if err != nil {
		return nil, err
	}
	return &StatusResult{State: env.State}, nil
}

// Ping checks that the daemon answers at all. Used by the admin node
// health endpoint.
func (c *Client) Ping(ctx context.Context, node NodeRef) error {
	_, err := c.getJSON(ctx, c.control, node, "/ping", nil)
	return err
}

// ListFiles lists a directory inside the server's data volume.
func (c *Client) ListFiles(ctx context.Context, node NodeRef, serverName, path string) ([]FileEntry, error) {
	env, err := c.getJSON(ctx, c.files, node, "/files/list", url.Values{
		"serverName": {serverName},
		"path":       {path},
	})
	if err != nil {
		return nil, err
	}
	return env.Files, nil
}

// ReadFile returns a file's content.
func (c *Client) ReadFile(ctx context.Context, node NodeRef, serverName, path string) (string, error) {
	env, err := c.getJSON(ctx, c.files, node, "/files/read", url.Values{
		"serverName": {serverName},
		"path":       {path},
	})
	if err != nil {
		return "", err
	}
	return env.Content, nil
}

// WriteFile writes a file's content.
func (c *Client) WriteFile(ctx context.Context, node NodeRef, serverName, userEmail, path, content string) error {
	_, err := c.postJSON(ctx, c.files, node, "/files/write", fileRequest{
		ServerName: serverName,
		UserEmail:  userEmail,
		Path:       path,
		Content:    content,
	})
	return err
}

// DeleteFile removes a file or directory.
func (c *Client) DeleteFile(ctx context.Context, node NodeRef, serverName, path string) error {
	_, err := c.deleteJSON(ctx, c.files, node, "/files/delete", url.Values{
		"serverName": {serverName},
		"path":       {path},
	})
	return err
}

// Mkdir creates a directory.
func (c *Client) Mkdir(ctx context.Context, node NodeRef, serverName, userEmail, path string) error {
	_, err := c.postJSON(ctx, c.files, node, "/files/mkdir", fileRequest{
		ServerName: serverName,
		UserEmail:  userEmail,
		Path:       path,
	})
	return err
}

func (c *Client) postJSON(ctx context.Context, client *http.Client, node NodeRef, path string, body any) (*envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "marshal agent request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "build agent request")
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(client, req, node.Token)
}

func (c *Client) getJSON(ctx context.Context, client *http.Client, node NodeRef, path string, query url.Values) (*envelope, error) {
	target := node.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "build agent request")
	}

	return c.do(client, req, node.Token)
}

func (c *Client) deleteJSON(ctx context.Context, client *http.Client, node NodeRef, path string, query url.Values) (*envelope, error) {
	target := node.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "build agent request")
	}

	return c.do(client, req, node.Token)
}

// do executes a request and classifies failures: transport errors are
// retryable AGENT_UNREACHABLE, non-2xx and in-envelope failures are
// AGENT_ERROR with the daemon's message surfaced verbatim.
func (c *Client) do(client *http.Client, req *http.Request, token string) (*envelope, error) {
	req.Header.Set("Authorization", "Bearer "+token)

	outcome := "ok"
	defer func() { observeRequest(req.URL.Path, outcome) }()

	resp, err := client.Do(req)
	if err != nil {
		outcome = "unreachable"
		return nil, errors.Wrap(err, errors.ErrCodeAgentUnreachable, "agent unreachable").
			WithRetryable(true).
			WithContext("url", req.URL.Redacted()).
			WithUserMessage("The node did not respond. Try again shortly.")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes))
	if err != nil {
		outcome = "unreachable"
		return nil, errors.Wrap(err, errors.ErrCodeAgentUnreachable, "reading agent response").
			WithRetryable(true).
			WithContext("url", req.URL.Redacted())
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		outcome = "error"
		return nil, errors.New(errors.ErrCodeAgentError, fmt.Sprintf("agent returned %s", resp.Status)).
			WithContext("statusCode", resp.StatusCode).
			WithContext("body", snippet(body))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		outcome = "error"
		return nil, errors.Wrap(err, errors.ErrCodeAgentError, "malformed agent response").
			WithContext("body", snippet(body))
	}

	if env.Status != "ok" {
		outcome = "error"
		message := env.Message
		if message == "" {
			message = "agent reported failure"
		}
		return nil, errors.New(errors.ErrCodeAgentError, message).
			WithContext("statusCode", resp.StatusCode)
	}

	return &env, nil
}

func snippet(body []byte) string {
	s := string(body)
	if len(s) > errorBodySnippet {
		s = s[:errorBodySnippet] + "..."
	}
	return s
}
