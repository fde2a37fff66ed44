package storage

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Server runtime status values (stored lowercase). "unknown" is a mapping
// result used by the reconciler and is never persisted.
const (
	ServerStatusCreating   = "creating"
	ServerStatusStopped    = "stopped"
	ServerStatusStarting   = "starting"
	ServerStatusRunning    = "running"
	ServerStatusStopping   = "stopping"
	ServerStatusRestarting = "restarting"
	ServerStatusPaused     = "paused"
	ServerStatusCrashed    = "crashed"
	ServerStatusDeleting   = "deleting"
)

// IsIntermediateStatus reports whether a status marks an operation still in
// flight. The background sweep reverts servers stuck in one of these past
// the operation timeout.
func IsIntermediateStatus(status string) bool {
	switch status {
	case ServerStatusStarting, ServerStatusStopping, ServerStatusRestarting, ServerStatusDeleting:
		return true
	}
	return false
}

// ErrServerNotFound indicates no server row matches the given id.
var ErrServerNotFound = errors.New("storage: server not found")

// Server is a user-owned game/app server resident on a node.
type Server struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	NodeID          string    `json:"nodeId,omitempty"`
	Name            string    `json:"name"`
	Software        string    `json:"software"`
	MemoryGB        int64     `json:"memoryGb"`
	StorageGB       int64     `json:"storageGb"`
	Status          string    `json:"status"`
	PrevStatus      string    `json:"prevStatus,omitempty"`
	StatusError     string    `json:"statusError,omitempty"`
	RemoteID        string    `json:"remoteId,omitempty"`
	StatusChangedAt time.Time `json:"statusChangedAt"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// CreateServerWithDebit inserts the server row and debits the owner's
// balance in one transaction. If the debit fails (including insufficient
// credits) the row is not created; if the insert fails nothing is charged.
func (s *Store) CreateServerWithDebit(server *Server, cost int64, reason string) (*LedgerEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}

	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var entry *LedgerEntry
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		entry, err = s.createServerTx(server, cost, reason)
		if err == nil {
			s.notify(Event{
				Type:      EventServerCreated,
				ServerID:  server.ID,
				UserID:    server.UserID,
				Data:      *server,
				Timestamp: time.Now().UTC(),
			})
			if entry != nil {
				s.notify(Event{
					Type:      EventLedgerApplied,
					UserID:    server.UserID,
					ServerID:  server.ID,
					Data:      *entry,
					Timestamp: time.Now().UTC(),
				})
			}
			return entry, nil
		}

		if isBusyError(err) {
			if attempt < maxRetries {
				delay := baseDelay * time.Duration(1<<uint(attempt))
				time.Sleep(delay)
				continue
			}
		}

		return nil, err
	}

	return nil, err
}

func (s *Store) createServerTx(server *Server, cost int64, reason string) (*LedgerEntry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	server.UpdatedAt = now
	server.StatusChangedAt = now
	if server.Status == "" {
		server.Status = ServerStatusStopped
	}

	var nodeArg any
	if server.NodeID != "" {
		nodeArg = server.NodeID
	}
	var remoteArg any
	if server.RemoteID != "" {
		remoteArg = server.RemoteID
	}

	if _, err := tx.Exec(`
		INSERT INTO servers (id, user_id, node_id, name, software, memory_gb, storage_gb,
		                     status, remote_id, status_changed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, server.ID, server.UserID, nodeArg, strings.TrimSpace(server.Name), server.Software,
		server.MemoryGB, server.StorageGB, server.Status, remoteArg,
		server.StatusChangedAt, server.CreatedAt, server.UpdatedAt); err != nil {
		return nil, err
	}

	var entry *LedgerEntry
	if cost != 0 {
		entry, err = s.applyCreditTx(tx, server.UserID, -cost, reason, server.ID)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteServerWithRefund removes the server row and credits any refund in
// one transaction. Passing refund 0 skips the ledger entry.
func (s *Store) DeleteServerWithRefund(id string, refund int64, reason string) (*LedgerEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var userID string
	if err := tx.QueryRow(`SELECT user_id FROM servers WHERE id = ?`, id).Scan(&userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrServerNotFound
		}
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM servers WHERE id = ?`, id); err != nil {
		return nil, err
	}

	var entry *LedgerEntry
	if refund != 0 {
		entry, err = s.applyCreditTx(tx, userID, refund, reason, id)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.notify(Event{
		Type:      EventServerDeleted,
		ServerID:  id,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	})
	if entry != nil {
		s.notify(Event{
			Type:      EventLedgerApplied,
			UserID:    userID,
			ServerID:  id,
			Data:      *entry,
			Timestamp: time.Now().UTC(),
		})
	}
	return entry, nil
}

const serverColumns = `id, user_id, node_id, name, software, memory_gb, storage_gb,
       status, prev_status, status_error, remote_id, status_changed_at, created_at, updated_at`

func scanServer(scan func(dest ...any) error) (*Server, error) {
	var sv Server
	var nodeID, prevStatus, statusError, remoteID sql.NullString
	if err := scan(&sv.ID, &sv.UserID, &nodeID, &sv.Name, &sv.Software, &sv.MemoryGB, &sv.StorageGB,
		&sv.Status, &prevStatus, &statusError, &remoteID, &sv.StatusChangedAt, &sv.CreatedAt, &sv.UpdatedAt); err != nil {
		return nil, err
	}
	if nodeID.Valid {
		sv.NodeID = nodeID.String
	}
	if prevStatus.Valid {
		sv.PrevStatus = prevStatus.String
	}
	if statusError.Valid {
		sv.StatusError = statusError.String
	}
	if remoteID.Valid {
		sv.RemoteID = remoteID.String
	}
	return &sv, nil
}

// GetServer retrieves a server by id.
func (s *Store) GetServer(id string) (*Server, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRow(`SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	sv, err := scanServer(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sv, nil
}

func (s *Store) queryServers(query string, args ...any) ([]*Server, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []*Server
	for rows.Next() {
		sv, err := scanServer(rows.Scan)
		if err != nil {
			return nil, err
		}
		servers = append(servers, sv)
	}
	return servers, rows.Err()
}

// ListServers returns all servers, newest first.
func (s *Store) ListServers() ([]*Server, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	return s.queryServers(`SELECT ` + serverColumns + ` FROM servers ORDER BY created_at DESC`)
}

// ListServersByUser returns a user's servers, newest first.
func (s *Store) ListServersByUser(userID string) ([]*Server, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	return s.queryServers(`SELECT `+serverColumns+` FROM servers WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

// ListServersByNode returns the servers placed on a node.
func (s *Store) ListServersByNode(nodeID string) ([]*Server, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	return s.queryServers(`SELECT `+serverColumns+` FROM servers WHERE node_id = ? ORDER BY created_at DESC`, nodeID)
}

// UpdateServerStatus moves a server to a new runtime status, remembering the
// previous one so a stuck operation can be reverted. Clears any error
// annotation from earlier failures.
func (s *Store) UpdateServerStatus(id, status string) error {
	return s.setStatus(id, status, "")
}

// SetServerStatusError moves a server to a status with an error annotation
// (crash reasons, sweep reverts).
func (s *Store) SetServerStatusError(id, status, message string) error {
	return s.setStatus(id, status, message)
}

func (s *Store) setStatus(id, status, statusError string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	now := time.Now().UTC()

	var prev, userID string
	err := s.db.QueryRow(`SELECT status, user_id FROM servers WHERE id = ?`, id).Scan(&prev, &userID)
	if err == sql.ErrNoRows {
		return ErrServerNotFound
	}
	if err != nil {
		return err
	}
	if prev == status && statusError == "" {
		return nil
	}

	var errArg any
	if statusError != "" {
		errArg = statusError
	}
	if _, err := s.db.Exec(`
		UPDATE servers
		SET status = ?, prev_status = ?, status_error = ?, status_changed_at = ?, updated_at = ?
		WHERE id = ?
	`, status, prev, errArg, now, now, id); err != nil {
		return err
	}

	s.notify(Event{
		Type:      EventServerStatusChanged,
		ServerID:  id,
		UserID:    userID,
		Data:      StatusChange{From: prev, To: status, Error: statusError},
		Timestamp: now,
	})
	return nil
}

// SetServerRemoteID records the handle the agent assigned to the server.
func (s *Store) SetServerRemoteID(id, remoteID string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	res, err := s.db.Exec(`UPDATE servers SET remote_id = ?, updated_at = ? WHERE id = ?`,
		remoteID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrServerNotFound
	}
	return nil
}

// ListStuckServers returns servers sitting in an intermediate status since
// before the cutoff. The sweep reverts these to their previous status.
func (s *Store) ListStuckServers(cutoff time.Time) ([]*Server, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	return s.queryServers(`
		SELECT `+serverColumns+`
		FROM servers
		WHERE status IN (?, ?, ?, ?) AND status_changed_at <= ?
	`, ServerStatusStarting, ServerStatusStopping, ServerStatusRestarting, ServerStatusDeleting, cutoff.UTC())
}
