package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/craterhost/panel/pkg/errors"
)

func testNode(url string) NodeRef {
	return NodeRef{BaseURL: url, Token: "node-secret"}
}

func TestCreateServer(t *testing.T) {
	var calls atomic.Int32
	var gotAuth string
	var gotBody CreateServerRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/server/create" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "serverId": "abc"})
	}))
	defer server.Close()

	client := NewClient(Config{})
	result, err := client.CreateServer(context.Background(), testNode(server.URL), CreateServerRequest{
		ServerName: "mc-1",
		UserEmail:  "owner@example.com",
		Software:   "paper",
		MemoryGB:   4,
		StorageGB:  20,
	})
	if err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	if result.ServerID != "abc" {
		t.Errorf("ServerID = %q, want abc", result.ServerID)
	}
	if calls.Load() != 1 {
		t.Errorf("agent called %d times, want 1", calls.Load())
	}
	if gotAuth != "Bearer node-secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody.ServerName != "mc-1" || gotBody.UserEmail != "owner@example.com" || gotBody.MemoryGB != 4 {
		t.Errorf("unexpected body %+v", gotBody)
	}
}

func TestCreateServerHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of disk", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(Config{})
	_, err := client.CreateServer(context.Background(), testNode(server.URL), CreateServerRequest{ServerName: "mc-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsCode(err, errors.ErrCodeAgentError) {
		t.Errorf("code = %v, want AGENT_ERROR", errors.GetCode(err))
	}
	if errors.IsRetryable(err) {
		t.Error("HTTP errors must not be retryable")
	}
	structured := err.(*errors.Error)
	if structured.Context["statusCode"] != http.StatusInternalServerError {
		t.Errorf("statusCode context = %v", structured.Context["statusCode"])
	}
}

func TestCreateServerProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": "name already taken"})
	}))
	defer server.Close()

	client := NewClient(Config{})
	_, err := client.CreateServer(context.Background(), testNode(server.URL), CreateServerRequest{ServerName: "mc-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsCode(err, errors.ErrCodeAgentError) {
		t.Errorf("code = %v, want AGENT_ERROR", errors.GetCode(err))
	}
	structured := err.(*errors.Error)
	if structured.Message != "name already taken" {
		t.Errorf("message = %q, daemon message must surface verbatim", structured.Message)
	}
}

func TestAgentUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening anymore

	client := NewClient(Config{})
	err := client.StartServer(context.Background(), testNode(server.URL), "mc-1", "owner@example.com")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsCode(err, errors.ErrCodeAgentUnreachable) {
		t.Errorf("code = %v, want AGENT_UNREACHABLE", errors.GetCode(err))
	}
	if !errors.IsRetryable(err) {
		t.Error("transport failures must be retryable")
	}
}

func TestServerStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/server/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("serverName"); got != "mc-1" {
			t.Errorf("serverName = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "state": "running"})
	}))
	defer server.Close()

	client := NewClient(Config{})
	status, err := client.ServerStatus(context.Background(), testNode(server.URL), "mc-1")
	if err != nil {
		t.Fatalf("ServerStatus: %v", err)
	}
	if status.State != "running" {
		t.Errorf("State = %q, want running", status.State)
	}
}

func TestStartStopRestartDeletePaths(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer server.Close()

	client := NewClient(Config{})
	ctx := context.Background()
	node := testNode(server.URL)

	if err := client.StartServer(ctx, node, "mc-1", "o@e.com"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := client.StopServer(ctx, node, "mc-1", "o@e.com"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := client.RestartServer(ctx, node, "mc-1", "o@e.com"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := client.DeleteServer(ctx, node, "mc-1", "o@e.com"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	want := []string{"/server/start", "/server/stop", "/server/restart", "/server/delete"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("call %d hit %s, want %s", i, paths[i], want[i])
		}
	}
}

func TestFileOperations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/list":
			json.NewEncoder(w).Encode(map[string]any{
				"status": "ok",
				"files": []map[string]any{
					{"name": "server.properties", "path": "/server.properties", "size": 120, "isDir": false},
					{"name": "world", "path": "/world", "isDir": true},
				},
			})
		case "/files/read":
			json.NewEncoder(w).Encode(map[string]string{"status": "ok", "content": "motd=hello"})
		case "/files/write", "/files/mkdir":
			var body fileRequest
			json.NewDecoder(r.Body).Decode(&body)
			if body.Path == "" {
				t.Errorf("%s missing path", r.URL.Path)
			}
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case "/files/delete":
			if r.Method != http.MethodDelete {
				t.Errorf("delete method = %s", r.Method)
			}
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(Config{})
	ctx := context.Background()
	node := testNode(server.URL)

	files, err := client.ListFiles(ctx, node, "mc-1", "/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || files[0].Name != "server.properties" || !files[1].IsDir {
		t.Errorf("unexpected files %+v", files)
	}

	content, err := client.ReadFile(ctx, node, "mc-1", "/server.properties")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if content != "motd=hello" {
		t.Errorf("content = %q", content)
	}

	if err := client.WriteFile(ctx, node, "mc-1", "o@e.com", "/server.properties", "motd=bye"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := client.Mkdir(ctx, node, "mc-1", "o@e.com", "/plugins"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := client.DeleteFile(ctx, node, "mc-1", "/world"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
