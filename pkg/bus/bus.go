// Package bus provides the message bus the panel fans events out on.
// Every persisted change (server status transitions, node health, ledger
// entries) is published here so the WebSocket event hub, the push
// notification worker, and peer panel replicas all see it regardless of
// which process wrote it. The default implementation uses NATS, with an
// in-memory option for single-node deployments and tests.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when operating on a closed bus or subscription.
var ErrClosed = errors.New("bus or subscription closed")

// MessageBus is the core publish/subscribe interface.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The handler is called in a separate goroutine for each message.
	// Supports wildcards: "panel.server.*.status" matches
	// "panel.server.abc.status".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription where messages are
	// load-balanced across subscribers in the same queue group. Used by
	// workers that must act on an event exactly once per deployment
	// rather than once per replica.
	QueueSubscribe(ctx context.Context, subject, queue string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(msg *Message)

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops receiving messages and cleans up resources.
	Unsubscribe() error

	// Subject returns the subject pattern this subscription is for.
	Subject() string
}

// Config holds configuration for creating a MessageBus.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	// Ignored for in-memory bus.
	URL string

	// Name is a client identifier for debugging/monitoring.
	Name string

	// Timeout is the default timeout for connection operations.
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://localhost:4222",
		Name:    "paneld",
		Timeout: 30 * time.Second,
	}
}

// Subject layout. All panel subjects share a configurable prefix so several
// panels can share one NATS cluster without hearing each other.

// ServerStatusSubject is the subject status events for one server publish on.
func ServerStatusSubject(prefix, serverID string) string {
	return prefix + ".server." + serverID + ".status"
}

// ServerStatusWildcard matches status events for every server.
func ServerStatusWildcard(prefix string) string {
	return prefix + ".server.*.status"
}

// NodeStatusSubject is the subject health events for one node publish on.
func NodeStatusSubject(prefix, nodeID string) string {
	return prefix + ".node." + nodeID + ".status"
}

// NodeStatusWildcard matches health events for every node.
func NodeStatusWildcard(prefix string) string {
	return prefix + ".node.*.status"
}

// UserCreditsSubject is the subject ledger events for one user publish on.
func UserCreditsSubject(prefix, userID string) string {
	return prefix + ".user." + userID + ".credits"
}

// UserCreditsWildcard matches ledger events for every user.
func UserCreditsWildcard(prefix string) string {
	return prefix + ".user.*.credits"
}
