package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/craterhost/panel/pkg/errors"
	"github.com/craterhost/panel/pkg/storage"
)

// ticketClaims binds a console ticket to one server for one user.
type ticketClaims struct {
	ServerID string `json:"serverId"`
	jwt.RegisteredClaims
}

// Tickets mints and redeems the short-lived tokens that gate console
// sockets. The HS256 signature proves the panel issued the ticket; the
// console_tickets row guarantees at most one redemption even across
// concurrent upgrades.
type Tickets struct {
	secret []byte
	store  *storage.Store
	ttl    time.Duration
}

// NewTickets builds a ticket authority. A zero ttl falls back to 30s.
func NewTickets(secret string, store *storage.Store, ttl time.Duration) *Tickets {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Tickets{secret: []byte(secret), store: store, ttl: ttl}
}

// TTL reports how long issued tickets stay redeemable.
func (t *Tickets) TTL() time.Duration {
	return t.ttl
}

// Issue mints a ticket bound to the server and user. Ownership is the
// caller's responsibility; Redeem re-checks it anyway.
func (t *Tickets) Issue(serverID, userID string) (string, time.Time, error) {
	now := time.Now().UTC()
	expires := now.Add(t.ttl)
	jti := strings.ToLower(ulid.Make().String())

	claims := &ticketClaims{
		ServerID: serverID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, errors.ErrCodeInternal, "signing console ticket")
	}
	if err := t.store.CreateConsoleTicket(jti, serverID, userID, expires); err != nil {
		return "", time.Time{}, errors.Wrap(err, errors.ErrCodeStorageWrite, "recording console ticket")
	}
	return signed, expires, nil
}

// Redeem validates a ticket against a server and spends it. Validation
// failures all read as UNAUTHORIZED so a probing client learns nothing
// about which check failed.
func (t *Tickets) Redeem(token, serverID string) (string, error) {
	claims := &ticketClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", rejectTicket()
	}
	if claims.ServerID != serverID || claims.ID == "" || claims.Subject == "" {
		return "", rejectTicket()
	}
	if err := t.store.ConsumeConsoleTicket(claims.ID, time.Now().UTC()); err != nil {
		if err == storage.ErrTicketSpent {
			return "", rejectTicket()
		}
		return "", errors.Wrap(err, errors.ErrCodeStorageWrite, "redeeming console ticket")
	}
	return claims.Subject, nil
}

func rejectTicket() *errors.Error {
	return errors.New(errors.ErrCodeUnauthorized, "console ticket rejected").
		WithUserMessage("Console ticket is invalid or already used. Request a new one.")
}
