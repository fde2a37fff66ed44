package storage

import (
	"database/sql"
	"time"
)

// AuditEntry records who did what to which resource.
type AuditEntry struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"userId,omitempty"`
	ServerID  string    `json:"serverId,omitempty"`
	NodeID    string    `json:"nodeId,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AppendAudit writes an audit entry. Best-effort callers may ignore the error.
func (s *Store) AppendAudit(entry AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	var userArg, serverArg, nodeArg, detailArg any
	if entry.UserID != "" {
		userArg = entry.UserID
	}
	if entry.ServerID != "" {
		serverArg = entry.ServerID
	}
	if entry.NodeID != "" {
		nodeArg = entry.NodeID
	}
	if entry.Detail != "" {
		detailArg = entry.Detail
	}
	_, err := s.db.Exec(`
		INSERT INTO audit_logs (user_id, server_id, node_id, action, detail)
		VALUES (?, ?, ?, ?, ?)
	`, userArg, serverArg, nodeArg, entry.Action, detailArg)
	return err
}

// ListAuditByServer returns a server's audit trail, newest first.
func (s *Store) ListAuditByServer(serverID string, limit int) ([]*AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, server_id, node_id, action, detail, created_at
		FROM audit_logs
		WHERE server_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// ListAuditByUser returns a user's audit trail, newest first.
func (s *Store) ListAuditByUser(userID string, limit int) ([]*AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, server_id, node_id, action, detail, created_at
		FROM audit_logs
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var userID, serverID, nodeID, detail sql.NullString
		if err := rows.Scan(&e.ID, &userID, &serverID, &nodeID, &e.Action, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if userID.Valid {
			e.UserID = userID.String
		}
		if serverID.Valid {
			e.ServerID = serverID.String
		}
		if nodeID.Valid {
			e.NodeID = nodeID.String
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
