package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/craterhost/panel/pkg/bus"
	"github.com/craterhost/panel/pkg/logging"
	"github.com/craterhost/panel/pkg/storage"
)

// crashQueue is the queue group crash alerts are load-balanced across, so
// one replica notifies per crash no matter how many panels share the bus.
const crashQueue = "push-workers"

const sendTimeout = 30 * time.Second

// Worker turns crash transitions on the bus into push notifications.
type Worker struct {
	svc    *Service
	store  *storage.Store
	bus    bus.MessageBus
	prefix string
	logger *logging.Logger

	sub bus.Subscription
}

// NewWorker builds a crash-alert worker over an already-configured service.
func NewWorker(svc *Service, store *storage.Store, mb bus.MessageBus, subjectPrefix string, logger *logging.Logger) *Worker {
	return &Worker{
		svc:    svc,
		store:  store,
		bus:    mb,
		prefix: subjectPrefix,
		logger: logger,
	}
}

// Start subscribes to server status events. Returns once the subscription
// is registered; delivery happens on bus goroutines.
func (w *Worker) Start(ctx context.Context) error {
	sub, err := w.bus.QueueSubscribe(ctx, bus.ServerStatusWildcard(w.prefix), crashQueue, w.handle)
	if err != nil {
		return fmt.Errorf("subscribe crash alerts: %w", err)
	}
	w.sub = sub
	return nil
}

// Stop cancels the subscription. In-flight notifications finish on their own.
func (w *Worker) Stop() error {
	if w.sub == nil {
		return nil
	}
	return w.sub.Unsubscribe()
}

func (w *Worker) handle(msg *bus.Message) {
	var event bus.ServerEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		if w.logger != nil {
			w.logger.Warn(logging.CategoryPush, "bad_event", err.Error(), map[string]any{
				"subject": msg.Subject,
			})
		}
		return
	}

	// Only the transition into crashed alerts; repeated crash reports for a
	// server already marked crashed stay quiet.
	if event.Type != "status" || event.New != storage.ServerStatusCrashed || event.Old == storage.ServerStatusCrashed {
		return
	}
	w.notifyCrash(&event)
}

func (w *Worker) notifyCrash(event *bus.ServerEvent) {
	name := event.ServerID
	userID := event.UserID

	// The event carries ids; resolve the display name when the row still
	// exists. Delivery proceeds either way.
	if server, err := w.store.GetServer(event.ServerID); err == nil && server != nil {
		name = server.Name
		if userID == "" {
			userID = server.UserID
		}
	}
	if userID == "" {
		return
	}

	body := fmt.Sprintf("%s crashed and needs attention.", name)
	if event.Reason != "" {
		body = fmt.Sprintf("%s crashed: %s", name, event.Reason)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	err := w.svc.SendToUser(ctx, userID, &Payload{
		Title:              "Server crashed",
		Body:               body,
		Tag:                "crash-" + event.ServerID,
		URL:                "/servers/" + event.ServerID,
		ServerID:           event.ServerID,
		RequireInteraction: true,
	})
	if err != nil && w.logger != nil {
		w.logger.Warn(logging.CategoryPush, "crash_alert_failed", err.Error(), map[string]any{
			"server_id": event.ServerID,
			"user_id":   userID,
		})
	}
}
