package storage

import (
	"database/sql"
	"time"
)

// WebSession is a browser login session.
type WebSession struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (s *Store) CreateWebSession(id, userID string, expires time.Time) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`
        INSERT INTO web_sessions (id, user_id, expires_at, created_at, last_seen_at)
        VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
    `, id, userID, expires.UTC())
	return err
}

func (s *Store) TouchWebSession(id string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`UPDATE web_sessions SET last_seen_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

func (s *Store) GetWebSession(id string) (*WebSession, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRow(`SELECT id, user_id, expires_at, created_at FROM web_sessions WHERE id = ?`, id)
	var sess WebSession
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.ExpiresAt, &sess.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Store) DeleteWebSession(id string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`DELETE FROM web_sessions WHERE id = ?`, id)
	return err
}

func (s *Store) CleanupExpiredWebSessions(now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	res, err := s.db.Exec(`DELETE FROM web_sessions WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

func (s *Store) CountActiveWebSessions(now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM web_sessions WHERE expires_at > ?`, now.UTC()).Scan(&count)
	return count, err
}
