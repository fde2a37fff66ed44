package storage

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrInsufficientCredits indicates a debit would drive the balance negative.
var ErrInsufficientCredits = errors.New("storage: insufficient credits")

// LedgerEntry is an immutable record of a credit balance change. Entries are
// only ever inserted; the balance column snapshots the resulting balance so
// the history can be audited without replaying it.
type LedgerEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	Balance   int64     `json:"balance"`
	ServerID  string    `json:"serverId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ApplyCreditTransaction atomically adjusts a user's balance and records a
// ledger entry. A negative amount that would drive the balance below zero
// fails with ErrInsufficientCredits and changes nothing. The balance update
// and the entry insert commit together or not at all.
func (s *Store) ApplyCreditTransaction(userID string, amount int64, reason string) (*LedgerEntry, error) {
	return s.ApplyCreditTransactionForServer(userID, amount, reason, "")
}

// ApplyCreditTransactionForServer is ApplyCreditTransaction with the entry
// linked to the server that caused it.
func (s *Store) ApplyCreditTransactionForServer(userID string, amount int64, reason, serverID string) (*LedgerEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}

	// Retry logic for handling transient SQLITE_BUSY during concurrent operations
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var entry *LedgerEntry
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		entry, err = s.applyCreditTx(nil, userID, amount, reason, serverID)
		if err == nil {
			s.notify(Event{
				Type:      EventLedgerApplied,
				UserID:    userID,
				ServerID:  serverID,
				Data:      *entry,
				Timestamp: time.Now().UTC(),
			})
			return entry, nil
		}

		// Only retry on SQLITE_BUSY/LOCKED errors
		if isBusyError(err) {
			if attempt < maxRetries {
				delay := baseDelay * time.Duration(1<<uint(attempt)) // Exponential backoff
				time.Sleep(delay)
				continue
			}
		}

		return nil, err
	}

	return nil, err
}

// applyCreditTx performs the balance math inside a transaction. If tx is nil
// a new transaction is opened and committed; otherwise the work joins the
// caller's transaction and the caller owns commit/rollback.
func (s *Store) applyCreditTx(tx *sql.Tx, userID string, amount int64, reason, serverID string) (*LedgerEntry, error) {
	ownTx := tx == nil
	if ownTx {
		var err error
		tx, err = s.db.Begin()
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()
	}

	var balance int64
	if err := tx.QueryRow(`SELECT credits FROM users WHERE id = ?`, userID).Scan(&balance); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.New("storage: user not found")
		}
		return nil, err
	}

	newBalance := balance + amount
	if amount < 0 && newBalance < 0 {
		return nil, ErrInsufficientCredits
	}

	if _, err := tx.Exec(`UPDATE users SET credits = ? WHERE id = ?`, newBalance, userID); err != nil {
		return nil, err
	}

	entry := &LedgerEntry{
		ID:        strings.ToLower(ulid.Make().String()),
		UserID:    userID,
		Amount:    amount,
		Reason:    strings.TrimSpace(reason),
		Balance:   newBalance,
		ServerID:  serverID,
		CreatedAt: time.Now().UTC(),
	}

	var serverArg any
	if serverID != "" {
		serverArg = serverID
	}
	if _, err := tx.Exec(`
		INSERT INTO credit_ledger (id, user_id, amount, reason, balance, server_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.UserID, entry.Amount, entry.Reason, entry.Balance, serverArg, entry.CreatedAt); err != nil {
		return nil, err
	}

	if ownTx {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

// GetBalance returns the user's current credit balance.
func (s *Store) GetBalance(userID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	var balance int64
	err := s.db.QueryRow(`SELECT credits FROM users WHERE id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, errors.New("storage: user not found")
	}
	return balance, err
}

// ListLedgerEntries returns a user's ledger entries, newest first.
func (s *Store) ListLedgerEntries(userID string, limit int) ([]*LedgerEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, amount, reason, balance, server_id, created_at
		FROM credit_ledger
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var serverID sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Reason, &e.Balance, &serverID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if serverID.Valid {
			e.ServerID = serverID.String
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// SumLedgerEntries returns the sum of all entry amounts for a user. By
// construction it always equals the user's current balance.
func (s *Store) SumLedgerEntries(userID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	var sum int64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE user_id = ?
	`, userID).Scan(&sum)
	return sum, err
}
