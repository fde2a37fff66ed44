package relay

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/craterhost/panel/pkg/agent"
	"github.com/craterhost/panel/pkg/errors"
	"github.com/craterhost/panel/pkg/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "panel.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestUser(t *testing.T, store *storage.Store, admin bool) *storage.User {
	t.Helper()
	u := &storage.User{
		ID:           ulid.Make().String(),
		Email:        ulid.Make().String() + "@example.com",
		Username:     "user-" + ulid.Make().String(),
		PasswordHash: "x",
		Admin:        admin,
	}
	if err := store.CreateUser(u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// The relay never dials the node address itself (the dialer is injected),
// so a fixed unroutable host works for every test.
func createTestNode(t *testing.T, store *storage.Store, status string) *storage.Node {
	t.Helper()
	n := &storage.Node{
		ID:           ulid.Make().String(),
		Name:         "node-" + ulid.Make().String(),
		Host:         "10.0.0.7",
		Port:         8443,
		Scheme:       "http",
		Token:        "node-secret",
		MaxMemoryGB:  64,
		MaxStorageGB: 500,
		Status:       status,
	}
	if err := store.CreateNode(n); err != nil {
		t.Fatalf("create node: %v", err)
	}
	return n
}

func seedServer(t *testing.T, store *storage.Store, user *storage.User, node *storage.Node, name string) *storage.Server {
	t.Helper()
	sv := &storage.Server{
		ID:        strings.ToLower(ulid.Make().String()),
		UserID:    user.ID,
		NodeID:    node.ID,
		Name:      name,
		Software:  "vanilla",
		MemoryGB:  4,
		StorageGB: 10,
		Status:    storage.ServerStatusStopped,
		RemoteID:  "agent-1",
	}
	if _, err := store.CreateServerWithDebit(sv, 0, ""); err != nil {
		t.Fatalf("seed server: %v", err)
	}
	if err := store.UpdateServerStatus(sv.ID, storage.ServerStatusRunning); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	return sv
}

// fakeClient is an in-memory browser side of a session.
type fakeClient struct {
	incoming chan ClientFrame
	outgoing chan ServerFrame
	closed   chan struct{}
	once     sync.Once

	mu     sync.Mutex
	frames []ServerFrame
	reason string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		incoming: make(chan ClientFrame, 16),
		outgoing: make(chan ServerFrame, 64),
		closed:   make(chan struct{}),
	}
}

func (f *fakeClient) ReadFrame(ctx context.Context) (ClientFrame, error) {
	select {
	case frame, ok := <-f.incoming:
		if !ok {
			return ClientFrame{}, io.EOF
		}
		return frame, nil
	case <-ctx.Done():
		return ClientFrame{}, ctx.Err()
	}
}

func (f *fakeClient) WriteFrame(ctx context.Context, frame ServerFrame) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	select {
	case f.outgoing <- frame:
	default:
	}
	return nil
}

func (f *fakeClient) Close(reason string) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.reason = reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeClient) countType(frameType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, frame := range f.frames {
		if frame.Type == frameType {
			n++
		}
	}
	return n
}

func (f *fakeClient) lastFrameOf(frameType string) (ServerFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		if f.frames[i].Type == frameType {
			return f.frames[i], true
		}
	}
	return ServerFrame{}, false
}

func (f *fakeClient) waitFrame(t *testing.T, frameType string) ServerFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-f.outgoing:
			if frame.Type == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("no %s frame within deadline", frameType)
		}
	}
}

// fakeUpstream is an in-memory node daemon console.
type fakeUpstream struct {
	lines    chan string
	commands chan string
	closed   chan struct{}
	once     sync.Once
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		lines:    make(chan string, 16),
		commands: make(chan string, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeUpstream) SendCommand(ctx context.Context, command string) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	case f.commands <- command:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeUpstream) ReadLine(ctx context.Context) (string, error) {
	select {
	case line := <-f.lines:
		return line, nil
	case <-f.closed:
		return "", io.EOF
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakeUpstream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeUpstream) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func dialerFor(up Upstream) DialFunc {
	return func(ctx context.Context, node agent.NodeRef, serverName string) (Upstream, error) {
		return up, nil
	}
}

func newTestManager(t *testing.T, store *storage.Store, dial DialFunc, cfg Config) (*Manager, *Tickets) {
	t.Helper()
	tickets := NewTickets(testSecret, store, 30*time.Second)
	m := NewManager(store, agent.NewClient(agent.Config{}), tickets, nil, cfg)
	if dial != nil {
		m.dial = dial
	}
	return m, tickets
}

func TestTicketRoundTrip(t *testing.T) {
	store := newTestStore(t)
	tickets := NewTickets(testSecret, store, 30*time.Second)

	token, expires, err := tickets.Issue("srv-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(expires) > 31*time.Second {
		t.Fatalf("expiry too far out: %v", expires)
	}

	userID, err := tickets.Redeem(token, "srv-1")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("redeemed user = %q, want user-1", userID)
	}

	if _, err := tickets.Redeem(token, "srv-1"); !errors.IsCode(err, errors.ErrCodeUnauthorized) {
		t.Fatalf("second redeem err = %v, want UNAUTHORIZED", err)
	}
}

func TestTicketWrongServer(t *testing.T) {
	store := newTestStore(t)
	tickets := NewTickets(testSecret, store, 30*time.Second)

	token, _, err := tickets.Issue("srv-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := tickets.Redeem(token, "srv-2"); !errors.IsCode(err, errors.ErrCodeUnauthorized) {
		t.Fatalf("cross-server redeem err = %v, want UNAUTHORIZED", err)
	}
	// The failed attempt must not have spent the ticket.
	if _, err := tickets.Redeem(token, "srv-1"); err != nil {
		t.Fatalf("legitimate redeem after failed attempt: %v", err)
	}
}

func TestTicketExpired(t *testing.T) {
	store := newTestStore(t)
	tickets := NewTickets(testSecret, store, time.Millisecond)

	token, _, err := tickets.Issue("srv-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := tickets.Redeem(token, "srv-1"); !errors.IsCode(err, errors.ErrCodeUnauthorized) {
		t.Fatalf("expired redeem err = %v, want UNAUTHORIZED", err)
	}
}

func TestTicketGarbage(t *testing.T) {
	store := newTestStore(t)
	tickets := NewTickets(testSecret, store, 30*time.Second)

	for _, token := range []string{"", "garbage", "a.b.c"} {
		if _, err := tickets.Redeem(token, "srv-1"); !errors.IsCode(err, errors.ErrCodeUnauthorized) {
			t.Fatalf("redeem(%q) err = %v, want UNAUTHORIZED", token, err)
		}
	}
}

func TestSessionForwardsBothWays(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, false)
	node := createTestNode(t, store, storage.NodeStatusOnline)
	sv := seedServer(t, store, user, node, "craft-1")

	up := newFakeUpstream()
	m, tickets := newTestManager(t, store, dialerFor(up), Config{})
	ticket, _, err := tickets.Issue(sv.ID, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	client := newFakeClient()
	sess, err := m.OpenSession(context.Background(), client, ticket, sv.ID)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if m.Count() != 1 {
		t.Fatalf("count = %d, want 1", m.Count())
	}

	client.incoming <- ClientFrame{Type: FrameInit}
	client.incoming <- ClientFrame{Type: FrameCommand, Command: "say hello"}
	select {
	case cmd := <-up.commands:
		if cmd != "say hello" {
			t.Fatalf("forwarded command = %q", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the upstream")
	}

	up.lines <- "[Server] hello"
	frame := client.waitFrame(t, FrameLog)
	if frame.Message != "[Server] hello" {
		t.Fatalf("log frame message = %q", frame.Message)
	}
	if frame.Timestamp.IsZero() {
		t.Fatal("log frame missing timestamp")
	}

	// Browser goes away: session unwinds, upstream closes, exactly one
	// status frame was delivered first.
	close(client.incoming)
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not unwind")
	}

	if m.Count() != 0 {
		t.Fatalf("count after close = %d, want 0", m.Count())
	}
	if !up.isClosed() {
		t.Fatal("upstream connection left open")
	}
	if n := client.countType(FrameStatus); n != 1 {
		t.Fatalf("status frames = %d, want exactly 1", n)
	}
	status, _ := client.lastFrameOf(FrameStatus)
	if status.Message != "disconnected" || status.Reason == "" {
		t.Fatalf("status frame = %+v, want disconnected with a reason", status)
	}
}

func TestOpenSessionRejectsBadTicket(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, false)
	node := createTestNode(t, store, storage.NodeStatusOnline)
	sv := seedServer(t, store, user, node, "craft-1")

	m, _ := newTestManager(t, store, dialerFor(newFakeUpstream()), Config{})
	client := newFakeClient()

	_, err := m.OpenSession(context.Background(), client, "garbage", sv.ID)
	if !errors.IsCode(err, errors.ErrCodeUnauthorized) {
		t.Fatalf("err = %v, want UNAUTHORIZED", err)
	}
	if m.Count() != 0 {
		t.Fatalf("count = %d, want 0", m.Count())
	}
	if n := client.countType(FrameError); n != 1 {
		t.Fatalf("error frames = %d, want 1", n)
	}
	select {
	case <-client.closed:
	default:
		t.Fatal("client left open after rejection")
	}
}

func TestTicketSingleUseAcrossSessions(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, false)
	node := createTestNode(t, store, storage.NodeStatusOnline)
	sv := seedServer(t, store, user, node, "craft-1")

	dial := func(ctx context.Context, node agent.NodeRef, serverName string) (Upstream, error) {
		return newFakeUpstream(), nil
	}
	m, tickets := newTestManager(t, store, dial, Config{})
	ticket, _, err := tickets.Issue(sv.ID, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	first := newFakeClient()
	if _, err := m.OpenSession(context.Background(), first, ticket, sv.ID); err != nil {
		t.Fatalf("first open: %v", err)
	}

	second := newFakeClient()
	if _, err := m.OpenSession(context.Background(), second, ticket, sv.ID); !errors.IsCode(err, errors.ErrCodeUnauthorized) {
		t.Fatalf("replayed ticket err = %v, want UNAUTHORIZED", err)
	}

	m.CloseAll()
}

func TestOpenSessionOwnership(t *testing.T) {
	store := newTestStore(t)
	owner := createTestUser(t, store, false)
	stranger := createTestUser(t, store, false)
	admin := createTestUser(t, store, true)
	node := createTestNode(t, store, storage.NodeStatusOnline)
	sv := seedServer(t, store, owner, node, "craft-1")

	dial := func(ctx context.Context, node agent.NodeRef, serverName string) (Upstream, error) {
		return newFakeUpstream(), nil
	}
	m, tickets := newTestManager(t, store, dial, Config{})

	ticket, _, err := tickets.Issue(sv.ID, stranger.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.OpenSession(context.Background(), newFakeClient(), ticket, sv.ID); !errors.IsCode(err, errors.ErrCodeServerNotFound) {
		t.Fatalf("stranger err = %v, want SERVER_NOT_FOUND", err)
	}

	ticket, _, err = tickets.Issue(sv.ID, admin.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.OpenSession(context.Background(), newFakeClient(), ticket, sv.ID); err != nil {
		t.Fatalf("admin open: %v", err)
	}
	m.CloseAll()
}

func TestOpenSessionNodeOffline(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, false)
	node := createTestNode(t, store, storage.NodeStatusOffline)
	sv := seedServer(t, store, user, node, "craft-1")

	m, tickets := newTestManager(t, store, dialerFor(newFakeUpstream()), Config{})
	ticket, _, err := tickets.Issue(sv.ID, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	client := newFakeClient()
	_, err = m.OpenSession(context.Background(), client, ticket, sv.ID)
	if !errors.IsCode(err, errors.ErrCodeNodeNotOnline) {
		t.Fatalf("err = %v, want NODE_NOT_ONLINE", err)
	}
	if n := client.countType(FrameError); n != 1 {
		t.Fatalf("error frames = %d, want 1", n)
	}
}

func TestOpenSessionDialRetriesOnce(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, false)
	node := createTestNode(t, store, storage.NodeStatusOnline)
	sv := seedServer(t, store, user, node, "craft-1")

	var attempts atomic.Int32
	dial := func(ctx context.Context, node agent.NodeRef, serverName string) (Upstream, error) {
		attempts.Add(1)
		return nil, errors.New(errors.ErrCodeConsoleDial, "dial refused").WithRetryable(true)
	}
	m, tickets := newTestManager(t, store, dial, Config{DialRetryDelay: time.Millisecond})
	ticket, _, err := tickets.Issue(sv.ID, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	client := newFakeClient()
	_, err = m.OpenSession(context.Background(), client, ticket, sv.ID)
	if !errors.IsCode(err, errors.ErrCodeConsoleDial) {
		t.Fatalf("err = %v, want CONSOLE_DIAL", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("dial attempts = %d, want 2", got)
	}
	if n := client.countType(FrameError); n != 1 {
		t.Fatalf("error frames = %d, want 1", n)
	}
	if m.Count() != 0 {
		t.Fatalf("count = %d, want 0", m.Count())
	}
}

func TestCommandRateLimit(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, false)
	node := createTestNode(t, store, storage.NodeStatusOnline)
	sv := seedServer(t, store, user, node, "craft-1")

	up := newFakeUpstream()
	m, tickets := newTestManager(t, store, dialerFor(up), Config{
		CommandsPerSecond: 0.001,
		CommandBurst:      1,
	})
	ticket, _, err := tickets.Issue(sv.ID, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	client := newFakeClient()
	sess, err := m.OpenSession(context.Background(), client, ticket, sv.ID)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	client.incoming <- ClientFrame{Type: FrameCommand, Command: "first"}
	client.incoming <- ClientFrame{Type: FrameCommand, Command: "second"}

	select {
	case cmd := <-up.commands:
		if cmd != "first" {
			t.Fatalf("forwarded command = %q, want first", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first command never arrived")
	}

	frame := client.waitFrame(t, FrameError)
	if !strings.Contains(frame.Message, "rate limit") {
		t.Fatalf("error frame = %q, want a rate limit notice", frame.Message)
	}
	select {
	case cmd := <-up.commands:
		t.Fatalf("rate-limited command %q was forwarded", cmd)
	default:
	}

	sess.Close("test done")
	<-sess.Done()
}

func TestExactlyOneStatusFrameWhenBothSidesClose(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, false)
	node := createTestNode(t, store, storage.NodeStatusOnline)
	sv := seedServer(t, store, user, node, "craft-1")

	up := newFakeUpstream()
	m, tickets := newTestManager(t, store, dialerFor(up), Config{})
	ticket, _, err := tickets.Issue(sv.ID, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	client := newFakeClient()
	sess, err := m.OpenSession(context.Background(), client, ticket, sv.ID)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	_ = up.Close()
	close(client.incoming)

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not unwind")
	}
	if n := client.countType(FrameStatus); n != 1 {
		t.Fatalf("status frames = %d, want exactly 1", n)
	}
}

func TestCloseAll(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, false)
	node := createTestNode(t, store, storage.NodeStatusOnline)
	first := seedServer(t, store, user, node, "craft-1")
	second := seedServer(t, store, user, node, "craft-2")

	dial := func(ctx context.Context, node agent.NodeRef, serverName string) (Upstream, error) {
		return newFakeUpstream(), nil
	}
	m, tickets := newTestManager(t, store, dial, Config{})

	clients := make([]*fakeClient, 0, 2)
	for _, sv := range []*storage.Server{first, second} {
		ticket, _, err := tickets.Issue(sv.ID, user.ID)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		client := newFakeClient()
		if _, err := m.OpenSession(context.Background(), client, ticket, sv.ID); err != nil {
			t.Fatalf("open session: %v", err)
		}
		clients = append(clients, client)
	}
	if m.Count() != 2 {
		t.Fatalf("count = %d, want 2", m.Count())
	}

	m.CloseAll()

	if m.Count() != 0 {
		t.Fatalf("count after CloseAll = %d, want 0", m.Count())
	}
	for i, client := range clients {
		if n := client.countType(FrameStatus); n != 1 {
			t.Fatalf("client %d status frames = %d, want 1", i, n)
		}
		status, _ := client.lastFrameOf(FrameStatus)
		if status.Reason != "panel shutting down" {
			t.Fatalf("client %d close reason = %q", i, status.Reason)
		}
	}

	// A manager that has shut down refuses new sessions.
	ticket, _, err := tickets.Issue(first.ID, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.OpenSession(context.Background(), newFakeClient(), ticket, first.ID); !errors.IsCode(err, errors.ErrCodeInternal) {
		t.Fatalf("open after CloseAll err = %v, want INTERNAL", err)
	}
}
