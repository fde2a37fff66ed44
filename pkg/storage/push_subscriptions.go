package storage

import (
	"database/sql"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// PushSubscription represents a Web Push subscription.
type PushSubscription struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	UserID    string    `json:"userId"`
	UserAgent string    `json:"userAgent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SavePushSubscription creates or updates a push subscription.
func (s *Store) SavePushSubscription(sub *PushSubscription) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO push_subscriptions (id, endpoint, p256dh, auth, user_id, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			user_id = excluded.user_id,
			user_agent = excluded.user_agent
	`, sub.ID, sub.Endpoint, sub.P256dh, sub.Auth, sub.UserID, sub.UserAgent, sub.CreatedAt.UTC())

	return err
}

// CreatePushSubscription creates a new push subscription and returns the ID.
func (s *Store) CreatePushSubscription(userID, endpoint, p256dh, auth, userAgent string) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrStoreClosed
	}

	id := strings.ToLower(ulid.Make().String())
	sub := &PushSubscription{
		ID:        id,
		UserID:    userID,
		Endpoint:  endpoint,
		P256dh:    p256dh,
		Auth:      auth,
		UserAgent: userAgent,
		CreatedAt: time.Now(),
	}

	if err := s.SavePushSubscription(sub); err != nil {
		return "", err
	}

	return id, nil
}

func scanPushSubscription(scan func(dest ...any) error) (*PushSubscription, error) {
	var sub PushSubscription
	var userAgent sql.NullString
	if err := scan(&sub.ID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.UserID, &userAgent, &sub.CreatedAt); err != nil {
		return nil, err
	}
	if userAgent.Valid {
		sub.UserAgent = userAgent.String
	}
	return &sub, nil
}

// GetPushSubscriptionByEndpoint retrieves a subscription by endpoint.
func (s *Store) GetPushSubscriptionByEndpoint(endpoint string) (*PushSubscription, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, nil
	}

	row := s.db.QueryRow(`
		SELECT id, endpoint, p256dh, auth, user_id, user_agent, created_at
		FROM push_subscriptions WHERE endpoint = ?
	`, endpoint)

	sub, err := scanPushSubscription(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetPushSubscriptionsByUser retrieves all subscriptions for a user.
func (s *Store) GetPushSubscriptionsByUser(userID string) ([]*PushSubscription, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, endpoint, p256dh, auth, user_id, user_agent, created_at
		FROM push_subscriptions WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*PushSubscription
	for rows.Next() {
		sub, err := scanPushSubscription(rows.Scan)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

// DeletePushSubscriptionByEndpoint removes a subscription by endpoint.
func (s *Store) DeletePushSubscriptionByEndpoint(endpoint string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	return err
}

// VAPIDKeys represents the VAPID key pair for Web Push.
type VAPIDKeys struct {
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey"`
	CreatedAt  time.Time `json:"createdAt"`
}

// GetVAPIDKeys retrieves the VAPID keys.
func (s *Store) GetVAPIDKeys() (*VAPIDKeys, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRow(`SELECT public_key, private_key, created_at FROM vapid_keys WHERE id = 1`)

	var keys VAPIDKeys
	err := row.Scan(&keys.PublicKey, &keys.PrivateKey, &keys.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &keys, nil
}

// SaveVAPIDKeys saves the VAPID keys (single row, replaces if exists).
func (s *Store) SaveVAPIDKeys(publicKey, privateKey string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO vapid_keys (id, public_key, private_key, created_at)
		VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			public_key = excluded.public_key,
			private_key = excluded.private_key,
			created_at = excluded.created_at
	`, publicKey, privateKey)

	return err
}
