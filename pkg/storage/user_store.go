package storage

import (
	"database/sql"
	"strings"
	"time"
)

// User is a panel account. Credits are never written directly; every balance
// change goes through ApplyCreditTransaction so the ledger stays conserved.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Admin        bool      `json:"admin"`
	Credits      int64     `json:"credits"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CreateUser inserts a new account with a zero balance.
func (s *Store) CreateUser(u *User) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO users (id, email, username, password_hash, admin, credits, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, u.ID, strings.ToLower(strings.TrimSpace(u.Email)), strings.TrimSpace(u.Username),
		u.PasswordHash, u.Admin, u.CreatedAt.UTC())
	return err
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(id string) (*User, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRow(`
		SELECT id, email, username, password_hash, admin, credits, created_at
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email (case-insensitive).
func (s *Store) GetUserByEmail(email string) (*User, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRow(`
		SELECT id, email, username, password_hash, admin, credits, created_at
		FROM users WHERE email = ?
	`, strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var admin int
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &admin, &u.Credits, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.Admin = admin != 0
	return &u, nil
}

// ListUsers returns all accounts, newest first.
func (s *Store) ListUsers() ([]*User, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(`
		SELECT id, email, username, password_hash, admin, credits, created_at
		FROM users ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		var admin int
		if err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &admin, &u.Credits, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Admin = admin != 0
		users = append(users, &u)
	}
	return users, rows.Err()
}

// DeleteUser removes an account. Fails if the user still owns servers
// (foreign key constraint).
func (s *Store) DeleteUser(id string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	return err
}
