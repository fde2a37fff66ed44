package storage

import (
	"database/sql"
	"errors"
	"time"
)

// ErrTicketSpent indicates a console ticket was already redeemed or expired.
var ErrTicketSpent = errors.New("storage: console ticket spent or expired")

// ConsoleTicket is the single-use counterpart of a signed console token. The
// token authorizes the WebSocket upgrade; the row guarantees it is redeemed
// at most once.
type ConsoleTicket struct {
	ID        string
	ServerID  string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Consumed  bool
}

func (s *Store) CreateConsoleTicket(id, serverID, userID string, expires time.Time) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`
        INSERT INTO console_tickets (id, server_id, user_id, created_at, expires_at)
        VALUES (?, ?, ?, CURRENT_TIMESTAMP, ?)
    `, id, serverID, userID, expires.UTC())
	return err
}

func (s *Store) GetConsoleTicket(id string) (*ConsoleTicket, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRow(`
		SELECT id, server_id, user_id, created_at, expires_at, consumed
		FROM console_tickets WHERE id = ?
	`, id)
	var ticket ConsoleTicket
	var consumed int
	if err := row.Scan(&ticket.ID, &ticket.ServerID, &ticket.UserID, &ticket.CreatedAt, &ticket.ExpiresAt, &consumed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	ticket.Consumed = consumed != 0
	return &ticket, nil
}

// ConsumeConsoleTicket marks a ticket spent. The conditional update makes
// redemption race-free: of two concurrent redeemers exactly one wins.
func (s *Store) ConsumeConsoleTicket(id string, now time.Time) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	res, err := s.db.Exec(`
        UPDATE console_tickets SET consumed = 1
        WHERE id = ? AND consumed = 0 AND expires_at > ?
    `, id, now.UTC())
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTicketSpent
	}
	return nil
}

func (s *Store) CleanupExpiredConsoleTickets(now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	res, err := s.db.Exec(`DELETE FROM console_tickets WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}
