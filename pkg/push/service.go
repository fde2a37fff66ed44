// Package push implements Web Push delivery for server crash alerts.
package push

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/craterhost/panel/pkg/logging"
	"github.com/craterhost/panel/pkg/storage"
)

// Payload is the JSON document a subscribed browser receives.
type Payload struct {
	Title              string `json:"title"`
	Body               string `json:"body"`
	Tag                string `json:"tag,omitempty"`
	URL                string `json:"url,omitempty"`
	ServerID           string `json:"serverId,omitempty"`
	RequireInteraction bool   `json:"requireInteraction,omitempty"`
}

// VAPIDKeyPair identifies this panel to push services.
type VAPIDKeyPair struct {
	PublicKey  string
	PrivateKey string
}

// Config holds Web Push credentials. Empty keys are loaded from storage or
// generated on first start.
type Config struct {
	PublicKey  string
	PrivateKey string
	// Subscriber is the mailto: or https:// contact VAPID requires.
	Subscriber string
}

// Service sends Web Push notifications to a user's subscribed browsers.
type Service struct {
	store      *storage.Store
	logger     *logging.Logger
	subscriber string

	mu   sync.RWMutex
	keys *VAPIDKeyPair

	// sendFn is swapped out by tests.
	sendFn func(ctx context.Context, sub *storage.PushSubscription, payload []byte) error
}

// NewService builds a push service. Key precedence: config, then the
// vapid_keys row, then a freshly generated pair persisted for next start.
func NewService(store *storage.Store, logger *logging.Logger, cfg Config) (*Service, error) {
	s := &Service{
		store:      store,
		logger:     logger,
		subscriber: cfg.Subscriber,
	}
	if s.subscriber == "" {
		s.subscriber = "mailto:admin@localhost"
	}

	if cfg.PublicKey != "" && cfg.PrivateKey != "" {
		s.keys = &VAPIDKeyPair{PublicKey: cfg.PublicKey, PrivateKey: cfg.PrivateKey}
		return s, nil
	}
	if err := s.ensureVAPIDKeys(); err != nil {
		return nil, fmt.Errorf("vapid keys: %w", err)
	}
	return s, nil
}

func (s *Service) ensureVAPIDKeys() error {
	keys, err := s.store.GetVAPIDKeys()
	if err != nil {
		return fmt.Errorf("get vapid keys: %w", err)
	}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		s.keys = &VAPIDKeyPair{PublicKey: keys.PublicKey, PrivateKey: keys.PrivateKey}
		return nil
	}

	privKey, pubKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return fmt.Errorf("generate vapid keys: %w", err)
	}
	if err := s.store.SaveVAPIDKeys(pubKey, privKey); err != nil {
		return fmt.Errorf("save vapid keys: %w", err)
	}
	s.keys = &VAPIDKeyPair{PublicKey: pubKey, PrivateKey: privKey}
	if s.logger != nil {
		s.logger.Info(logging.CategoryPush, "vapid_generated", "generated new VAPID key pair", nil)
	}
	return nil
}

// PublicKey returns the VAPID public key browsers subscribe with.
func (s *Service) PublicKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil {
		return ""
	}
	return s.keys.PublicKey
}

// SendToUser fans a payload out to every browser the user subscribed.
// Subscriptions the push service reports gone are removed.
func (s *Service) SendToUser(ctx context.Context, userID string, payload *Payload) error {
	if userID == "" {
		return nil
	}
	subs, err := s.store.GetPushSubscriptionsByUser(userID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	return s.sendToSubscriptions(ctx, subs, payload)
}

func (s *Service) sendToSubscriptions(ctx context.Context, subs []*storage.PushSubscription, payload *Payload) error {
	if len(subs) == 0 {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	sendFn := s.sendFn
	if sendFn == nil {
		sendFn = s.send
	}

	var (
		wg        sync.WaitGroup
		failureMu sync.Mutex
		failures  int
	)
	for _, sub := range subs {
		sub := sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := sendFn(ctx, sub, data)
			if err == nil {
				return
			}
			failureMu.Lock()
			failures++
			failureMu.Unlock()

			if subscriptionGone(err) {
				// The browser unsubscribed or the endpoint rotated; keep
				// the table from accumulating dead rows.
				_ = s.store.DeletePushSubscriptionByEndpoint(sub.Endpoint)
				return
			}
			if s.logger != nil {
				s.logger.Warn(logging.CategoryPush, "delivery_failed", err.Error(), map[string]any{
					"subscription_id": sub.ID,
				})
			}
		}()
	}
	wg.Wait()

	if failures == len(subs) {
		return fmt.Errorf("all %d notifications failed", failures)
	}
	return nil
}

func (s *Service) send(ctx context.Context, sub *storage.PushSubscription, payload []byte) error {
	s.mu.RLock()
	keys := s.keys
	subscriber := s.subscriber
	s.mu.RUnlock()

	if keys == nil {
		return fmt.Errorf("no VAPID keys configured")
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      subscriber,
		VAPIDPublicKey:  keys.PublicKey,
		VAPIDPrivateKey: keys.PrivateKey,
		TTL:             300,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// statusError carries the push service's HTTP status so expired
// subscriptions can be told apart from transient failures.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("push failed with status %d", e.code)
}

func subscriptionGone(err error) bool {
	var s *statusError
	if stderrors.As(err, &s) {
		return s.code == 404 || s.code == 410
	}
	return false
}
