package storage

import (
	"time"
)

// EventType represents the type of storage event emitted.
type EventType string

// Storage event type constants.
const (
	EventServerCreated       EventType = "server.created"
	EventServerStatusChanged EventType = "server.status_changed"
	EventServerDeleted       EventType = "server.deleted"

	EventNodeStatusChanged EventType = "node.status_changed"

	EventLedgerApplied EventType = "ledger.applied"
)

// Event represents a change inside the storage layer that other subsystems can react to.
type Event struct {
	Type      EventType `json:"type"`
	ServerID  string    `json:"serverId,omitempty"`
	NodeID    string    `json:"nodeId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer reacts to storage events.
type Observer interface {
	HandleStorageEvent(Event)
}

// ObserverFunc is a helper to turn a function into an Observer.
type ObserverFunc func(Event)

// HandleStorageEvent implements the Observer interface.
func (f ObserverFunc) HandleStorageEvent(e Event) {
	f(e)
}

// StatusChange is the payload carried by EventServerStatusChanged.
type StatusChange struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Error string `json:"error,omitempty"`
}
