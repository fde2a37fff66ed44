package bus

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/craterhost/panel/pkg/storage"
)

// ServerEvent is the payload published on server status subjects.
type ServerEvent struct {
	Type      string    `json:"type"` // created | status | deleted
	ServerID  string    `json:"serverId"`
	UserID    string    `json:"userId,omitempty"`
	Old       string    `json:"old,omitempty"`
	New       string    `json:"new,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeEvent is the payload published on node status subjects.
type NodeEvent struct {
	NodeID    string    `json:"nodeId"`
	Old       string    `json:"old,omitempty"`
	New       string    `json:"new"`
	Timestamp time.Time `json:"timestamp"`
}

// CreditEvent is the payload published on user credits subjects.
type CreditEvent struct {
	UserID    string    `json:"userId"`
	ServerID  string    `json:"serverId,omitempty"`
	Amount    int64     `json:"amount"`
	Balance   int64     `json:"balance"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher forwards storage events onto the message bus. Registered as a
// storage observer so every persisted transition is published exactly once,
// from the process that wrote it.
type Publisher struct {
	bus    MessageBus
	prefix string
}

// NewPublisher creates a publisher for the given subject prefix.
func NewPublisher(b MessageBus, prefix string) *Publisher {
	if prefix == "" {
		prefix = "panel"
	}
	return &Publisher{bus: b, prefix: prefix}
}

// HandleStorageEvent implements storage.Observer.
func (p *Publisher) HandleStorageEvent(event storage.Event) {
	switch event.Type {
	case storage.EventServerCreated:
		server, _ := event.Data.(storage.Server)
		p.publish(ServerStatusSubject(p.prefix, event.ServerID), ServerEvent{
			Type:      "created",
			ServerID:  event.ServerID,
			UserID:    event.UserID,
			New:       server.Status,
			Timestamp: event.Timestamp,
		})

	case storage.EventServerStatusChanged:
		change, _ := event.Data.(storage.StatusChange)
		p.publish(ServerStatusSubject(p.prefix, event.ServerID), ServerEvent{
			Type:      "status",
			ServerID:  event.ServerID,
			UserID:    event.UserID,
			Old:       change.From,
			New:       change.To,
			Reason:    change.Error,
			Timestamp: event.Timestamp,
		})

	case storage.EventServerDeleted:
		p.publish(ServerStatusSubject(p.prefix, event.ServerID), ServerEvent{
			Type:      "deleted",
			ServerID:  event.ServerID,
			UserID:    event.UserID,
			Timestamp: event.Timestamp,
		})

	case storage.EventNodeStatusChanged:
		change, _ := event.Data.(storage.StatusChange)
		p.publish(NodeStatusSubject(p.prefix, event.NodeID), NodeEvent{
			NodeID:    event.NodeID,
			Old:       change.From,
			New:       change.To,
			Timestamp: event.Timestamp,
		})

	case storage.EventLedgerApplied:
		entry, ok := event.Data.(storage.LedgerEntry)
		if !ok {
			return
		}
		p.publish(UserCreditsSubject(p.prefix, entry.UserID), CreditEvent{
			UserID:    entry.UserID,
			ServerID:  entry.ServerID,
			Amount:    entry.Amount,
			Balance:   entry.Balance,
			Reason:    entry.Reason,
			Timestamp: event.Timestamp,
		})
	}
}

func (p *Publisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[bus] marshal event for %s: %v", subject, err)
		return
	}
	if err := p.bus.Publish(context.Background(), subject, data); err != nil {
		log.Printf("[bus] publish to %s: %v", subject, err)
	}
}
