package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Node operational status values (stored lowercase).
const (
	NodeStatusOnline      = "online"
	NodeStatusOffline     = "offline"
	NodeStatusMaintenance = "maintenance"
)

// ErrDuplicateNode indicates another node already claims the same host:port.
var ErrDuplicateNode = errors.New("storage: node address already registered")

// Node is a machine running the remote agent daemon.
type Node struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Host          string     `json:"host"`
	Port          int        `json:"port"`
	Scheme        string     `json:"scheme"`
	Token         string     `json:"-"`
	MaxMemoryGB   int64      `json:"maxMemoryGb"`
	MaxStorageGB  int64      `json:"maxStorageGb"`
	Status        string     `json:"status"`
	LastCheckedAt *time.Time `json:"lastCheckedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// BaseURL returns the agent's HTTP base URL.
func (n *Node) BaseURL() string {
	scheme := n.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, n.Host, n.Port)
}

// CreateNode registers an agent node. Host:port pairs are unique; a second
// registration of the same address fails with ErrDuplicateNode.
func (s *Store) CreateNode(n *Node) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	if n.Scheme == "" {
		n.Scheme = "http"
	}
	if n.Status == "" {
		n.Status = NodeStatusOffline
	}
	_, err := s.db.Exec(`
		INSERT INTO nodes (id, name, host, port, scheme, token, max_memory_gb, max_storage_gb, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, strings.TrimSpace(n.Name), strings.TrimSpace(n.Host), n.Port, n.Scheme, n.Token,
		n.MaxMemoryGB, n.MaxStorageGB, n.Status, n.CreatedAt, n.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicateNode
	}
	return err
}

const nodeColumns = `id, name, host, port, scheme, token, max_memory_gb, max_storage_gb, status, last_checked_at, created_at, updated_at`

func scanNode(scan func(dest ...any) error) (*Node, error) {
	var n Node
	var lastChecked sql.NullTime
	if err := scan(&n.ID, &n.Name, &n.Host, &n.Port, &n.Scheme, &n.Token,
		&n.MaxMemoryGB, &n.MaxStorageGB, &n.Status, &lastChecked, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	if lastChecked.Valid {
		t := lastChecked.Time
		n.LastCheckedAt = &t
	}
	return &n, nil
}

// GetNode retrieves a node by id.
func (s *Store) GetNode(id string) (*Node, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// ListNodes returns all nodes ordered by name.
func (s *Store) ListNodes() ([]*Node, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(`SELECT ` + nodeColumns + ` FROM nodes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ListNodesByStatus returns nodes in a given operational status.
func (s *Store) ListNodesByStatus(status string) ([]*Node, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(`SELECT `+nodeColumns+` FROM nodes WHERE status = ? ORDER BY name`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// UpdateNode updates a node's operator-editable fields.
func (s *Store) UpdateNode(n *Node) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	n.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE nodes
		SET name = ?, host = ?, port = ?, scheme = ?, token = ?, max_memory_gb = ?, max_storage_gb = ?, updated_at = ?
		WHERE id = ?
	`, strings.TrimSpace(n.Name), strings.TrimSpace(n.Host), n.Port, n.Scheme, n.Token,
		n.MaxMemoryGB, n.MaxStorageGB, n.UpdatedAt, n.ID)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicateNode
	}
	return err
}

// UpdateNodeStatus records the node's operational status and check time.
// Emits EventNodeStatusChanged only when the status actually changed.
func (s *Store) UpdateNodeStatus(id, status string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	now := time.Now().UTC()

	var prev string
	err := s.db.QueryRow(`SELECT status FROM nodes WHERE id = ?`, id).Scan(&prev)
	if err == sql.ErrNoRows {
		return errors.New("storage: node not found")
	}
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		UPDATE nodes SET status = ?, last_checked_at = ?, updated_at = ? WHERE id = ?
	`, status, now, now, id)
	if err != nil {
		return err
	}

	if prev != status {
		s.notify(Event{
			Type:      EventNodeStatusChanged,
			NodeID:    id,
			Data:      StatusChange{From: prev, To: status},
			Timestamp: now,
		})
	}
	return nil
}

// DeleteNode removes a node. Fails while servers still reference it.
func (s *Store) DeleteNode(id string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`DELETE FROM nodes WHERE id = ?`, id)
	return err
}

// NodeUtilization pairs a node with the resources its servers have claimed.
type NodeUtilization struct {
	Node              *Node
	AllocatedMemoryGB int64
	AllocatedStorage  int64
	ServerCount       int
}

// ListOnlineNodeUtilization returns online nodes with their allocated
// resources, least-loaded (by allocated memory) first. Used for automatic
// node assignment during server creation.
func (s *Store) ListOnlineNodeUtilization() ([]*NodeUtilization, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(`
		SELECT n.id, n.name, n.host, n.port, n.scheme, n.token, n.max_memory_gb, n.max_storage_gb,
		       n.status, n.last_checked_at, n.created_at, n.updated_at,
		       COALESCE(SUM(sv.memory_gb), 0), COALESCE(SUM(sv.storage_gb), 0), COUNT(sv.id)
		FROM nodes n
		LEFT JOIN servers sv ON sv.node_id = n.id AND sv.status != 'deleting'
		WHERE n.status = ?
		GROUP BY n.id
		ORDER BY COALESCE(SUM(sv.memory_gb), 0) ASC, n.name
	`, NodeStatusOnline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var utils []*NodeUtilization
	for rows.Next() {
		var n Node
		var lastChecked sql.NullTime
		var u NodeUtilization
		if err := rows.Scan(&n.ID, &n.Name, &n.Host, &n.Port, &n.Scheme, &n.Token,
			&n.MaxMemoryGB, &n.MaxStorageGB, &n.Status, &lastChecked, &n.CreatedAt, &n.UpdatedAt,
			&u.AllocatedMemoryGB, &u.AllocatedStorage, &u.ServerCount); err != nil {
			return nil, err
		}
		if lastChecked.Valid {
			t := lastChecked.Time
			n.LastCheckedAt = &t
		}
		u.Node = &n
		utils = append(utils, &u)
	}
	return utils, rows.Err()
}
