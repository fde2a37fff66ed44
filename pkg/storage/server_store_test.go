package storage

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var testNodePort atomic.Int64

func createTestNode(t *testing.T, store *Store) *Node {
	t.Helper()
	n := &Node{
		ID:           ulid.Make().String(),
		Name:         "node-" + ulid.Make().String(),
		Host:         "10.0.0.1",
		Port:         int(20000 + testNodePort.Add(1)),
		Token:        "secret",
		MaxMemoryGB:  64,
		MaxStorageGB: 500,
		Status:       NodeStatusOnline,
	}
	if err := store.CreateNode(n); err != nil {
		t.Fatalf("create node: %v", err)
	}
	return n
}

func testServer(user *User, node *Node) *Server {
	return &Server{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		NodeID:    node.ID,
		Name:      "craft-1",
		Software:  "vanilla",
		MemoryGB:  4,
		StorageGB: 10,
		Status:    ServerStatusStopped,
		RemoteID:  "abc",
	}
}

func TestCreateServerWithDebit(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, 100)
	node := createTestNode(t, store)

	entry, err := store.CreateServerWithDebit(testServer(user, node), 70, "server provision")
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	if entry == nil || entry.Amount != -70 {
		t.Fatalf("expected debit entry of -70, got %+v", entry)
	}

	balance, err := store.GetBalance(user.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 30 {
		t.Errorf("balance = %d, want 30", balance)
	}

	servers, err := store.ListServersByUser(user.ID)
	if err != nil {
		t.Fatalf("list servers: %v", err)
	}
	if len(servers) != 1 || servers[0].Status != ServerStatusStopped {
		t.Fatalf("expected one stopped server, got %+v", servers)
	}
}

// TestCreateServerWithDebitInsufficient verifies all-or-nothing: when the
// debit fails, no server row survives.
func TestCreateServerWithDebitInsufficient(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, 50)
	node := createTestNode(t, store)

	sv := testServer(user, node)
	_, err := store.CreateServerWithDebit(sv, 70, "server provision")
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}

	got, err := store.GetServer(sv.ID)
	if err != nil {
		t.Fatalf("get server: %v", err)
	}
	if got != nil {
		t.Errorf("server row should have been rolled back, got %+v", got)
	}

	balance, _ := store.GetBalance(user.ID)
	if balance != 50 {
		t.Errorf("balance = %d, want 50", balance)
	}
	entries, _ := store.ListLedgerEntries(user.ID, 10)
	if len(entries) != 1 {
		t.Errorf("expected only the grant entry, got %d", len(entries))
	}
}

func TestUpdateServerStatusRecordsPrevious(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, 100)
	node := createTestNode(t, store)
	sv := testServer(user, node)
	if _, err := store.CreateServerWithDebit(sv, 10, "provision"); err != nil {
		t.Fatalf("create server: %v", err)
	}

	if err := store.UpdateServerStatus(sv.ID, ServerStatusStarting); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err := store.GetServer(sv.ID)
	if err != nil {
		t.Fatalf("get server: %v", err)
	}
	if got.Status != ServerStatusStarting {
		t.Errorf("status = %s, want starting", got.Status)
	}
	if got.PrevStatus != ServerStatusStopped {
		t.Errorf("prev status = %s, want stopped", got.PrevStatus)
	}
	if got.StatusChangedAt.IsZero() {
		t.Error("status_changed_at not set")
	}

	// An error annotation survives the revert and clears on the next move.
	if err := store.SetServerStatusError(sv.ID, ServerStatusStopped, "operation timed out"); err != nil {
		t.Fatalf("set status error: %v", err)
	}
	got, _ = store.GetServer(sv.ID)
	if got.StatusError != "operation timed out" {
		t.Errorf("status error = %q", got.StatusError)
	}
	if err := store.UpdateServerStatus(sv.ID, ServerStatusStarting); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ = store.GetServer(sv.ID)
	if got.StatusError != "" {
		t.Errorf("status error should clear on next transition, got %q", got.StatusError)
	}
}

func TestListStuckServers(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, 100)
	node := createTestNode(t, store)

	stuck := testServer(user, node)
	if _, err := store.CreateServerWithDebit(stuck, 0, ""); err != nil {
		t.Fatalf("create server: %v", err)
	}
	if err := store.UpdateServerStatus(stuck.ID, ServerStatusStarting); err != nil {
		t.Fatalf("update status: %v", err)
	}

	healthy := testServer(user, node)
	if _, err := store.CreateServerWithDebit(healthy, 0, ""); err != nil {
		t.Fatalf("create server: %v", err)
	}
	if err := store.UpdateServerStatus(healthy.ID, ServerStatusRunning); err != nil {
		t.Fatalf("update status: %v", err)
	}

	// A cutoff in the future catches the in-flight server but never the
	// running one (running is not an intermediate status).
	list, err := store.ListStuckServers(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("list stuck: %v", err)
	}
	if len(list) != 1 || list[0].ID != stuck.ID {
		t.Fatalf("expected only the starting server, got %+v", list)
	}

	// A cutoff in the past catches nothing.
	list, err = store.ListStuckServers(time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list stuck: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no stuck servers, got %d", len(list))
	}
}

func TestDeleteServerWithRefund(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, 100)
	node := createTestNode(t, store)
	sv := testServer(user, node)
	if _, err := store.CreateServerWithDebit(sv, 70, "provision"); err != nil {
		t.Fatalf("create server: %v", err)
	}

	entry, err := store.DeleteServerWithRefund(sv.ID, 35, "deletion refund")
	if err != nil {
		t.Fatalf("delete server: %v", err)
	}
	if entry == nil || entry.Amount != 35 {
		t.Fatalf("expected refund entry of +35, got %+v", entry)
	}

	got, err := store.GetServer(sv.ID)
	if err != nil {
		t.Fatalf("get server: %v", err)
	}
	if got != nil {
		t.Errorf("server should be gone, got %+v", got)
	}

	balance, _ := store.GetBalance(user.ID)
	if balance != 65 {
		t.Errorf("balance = %d, want 65", balance)
	}
	sum, _ := store.SumLedgerEntries(user.ID)
	if sum != balance {
		t.Errorf("conservation violated: balance=%d sum=%d", balance, sum)
	}
}

func TestDeleteServerWithoutRefund(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, 100)
	node := createTestNode(t, store)
	sv := testServer(user, node)
	if _, err := store.CreateServerWithDebit(sv, 70, "provision"); err != nil {
		t.Fatalf("create server: %v", err)
	}

	entry, err := store.DeleteServerWithRefund(sv.ID, 0, "")
	if err != nil {
		t.Fatalf("delete server: %v", err)
	}
	if entry != nil {
		t.Errorf("no refund entry expected, got %+v", entry)
	}
	entries, _ := store.ListLedgerEntries(user.ID, 10)
	if len(entries) != 2 {
		t.Errorf("expected grant + debit only, got %d entries", len(entries))
	}
}

func TestDeleteServerNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.DeleteServerWithRefund("nope", 0, "")
	if !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("err = %v, want ErrServerNotFound", err)
	}
}

func TestStatusChangeEmitsEvent(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, 100)
	node := createTestNode(t, store)
	sv := testServer(user, node)
	if _, err := store.CreateServerWithDebit(sv, 0, ""); err != nil {
		t.Fatalf("create server: %v", err)
	}

	events := make(chan Event, 4)
	store.AddObserver(ObserverFunc(func(e Event) {
		if e.Type == EventServerStatusChanged {
			events <- e
		}
	}))

	if err := store.UpdateServerStatus(sv.ID, ServerStatusStarting); err != nil {
		t.Fatalf("update status: %v", err)
	}

	select {
	case e := <-events:
		change, ok := e.Data.(StatusChange)
		if !ok {
			t.Fatalf("event data = %T, want StatusChange", e.Data)
		}
		if change.From != ServerStatusStopped || change.To != ServerStatusStarting {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no status change event received")
	}

	// Same-status writes are no-ops and emit nothing.
	if err := store.UpdateServerStatus(sv.ID, ServerStatusStarting); err != nil {
		t.Fatalf("update status: %v", err)
	}
	select {
	case e := <-events:
		t.Fatalf("unexpected event for no-op status write: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}
