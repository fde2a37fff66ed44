// Package lifecycle orchestrates server provisioning and runtime control
// against node agent daemons. The controller is the only writer of
// user-driven status transitions; it leaves intermediate statuses
// (starting, stopping, restarting, deleting) behind for the reconciler to
// resolve, and the sweep reverts any that outlive their operation.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/craterhost/panel/pkg/agent"
	"github.com/craterhost/panel/pkg/errors"
	"github.com/craterhost/panel/pkg/logging"
	"github.com/craterhost/panel/pkg/reliability"
	"github.com/craterhost/panel/pkg/storage"
)

const maxServerNameLen = 64

// Config tunes the controller. Rates are credits per GB.
type Config struct {
	RAMRate       int64
	StorageRate   int64
	RefundPercent int
	// RetryDelay is the pause before the single retry of an unreachable
	// agent call.
	RetryDelay time.Duration
}

// Principal identifies the caller for ownership checks and audit entries.
type Principal struct {
	UserID string
	Admin  bool
}

// CreateRequest describes a new server. NodeID is optional; when empty the
// least-loaded online node with capacity takes the server.
type CreateRequest struct {
	Name      string
	Software  string
	MemoryGB  int64
	StorageGB int64
	NodeID    string
}

// Controller runs create/start/stop/restart/delete against node agents,
// keeping the stored server record and the user's credit balance in step
// with what actually happened on the node.
type Controller struct {
	store  *storage.Store
	agents *agent.Client
	gate   *Gate
	guard  *opGuard
	logger *logging.Logger
	cfg    Config
	retry  reliability.RetryStrategy
}

// NewController wires a controller. logger may be nil in tests.
func NewController(store *storage.Store, agents *agent.Client, logger *logging.Logger, cfg Config) *Controller {
	return &Controller{
		store:  store,
		agents: agents,
		gate:   NewGate(store),
		guard:  newOpGuard(),
		logger: logger,
		cfg:    cfg,
		retry: reliability.RetryStrategy{
			MaxRetries: 1,
			BaseDelay:  cfg.RetryDelay,
			MaxDelay:   cfg.RetryDelay,
			Multiplier: 1,
		},
	}
}

// Gate exposes the controller's node health gate so other components
// (console relay, reconciler) share the same check.
func (c *Controller) Gate() *Gate {
	return c.gate
}

// cost is the linear provisioning price of the requested resources.
func (c *Controller) cost(memoryGB, storageGB int64) int64 {
	return memoryGB*c.cfg.RAMRate + storageGB*c.cfg.StorageRate
}

// refundAmount applies the refund policy to an original cost.
func (c *Controller) refundAmount(cost int64) int64 {
	return cost * int64(c.cfg.RefundPercent) / 100
}

// Create provisions a server on a node and debits its cost, in that order:
// the debit and the server row commit in one transaction only after the
// agent acknowledged the provision, so a failed provision never charges.
func (c *Controller) Create(ctx context.Context, userID string, req CreateRequest) (*storage.Server, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Software = strings.TrimSpace(req.Software)
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	user, err := c.store.GetUser(userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "loading user")
	}
	if user == nil {
		return nil, errors.New(errors.ErrCodeUnauthorized, "unknown user").
			WithContext("userId", userID)
	}

	node, err := c.resolveNode(req)
	if err != nil {
		return nil, err
	}

	cost := c.cost(req.MemoryGB, req.StorageGB)

	// Advisory pre-check so underfunded requests never reach the node. The
	// debit transaction re-checks the balance under its own lock.
	balance, err := c.store.GetBalance(userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "loading balance")
	}
	if balance < cost {
		return nil, errors.New(errors.ErrCodeInsufficientCredits,
			fmt.Sprintf("server costs %d credits, balance is %d", cost, balance)).
			WithContext("cost", cost).
			WithContext("balance", balance).
			WithUserMessage("Not enough credits for this server.")
	}

	ref := agentRef(node)
	var created *agent.CreateResult
	err = c.callAgent(ctx, func() error {
		var callErr error
		created, callErr = c.agents.CreateServer(ctx, ref, agent.CreateServerRequest{
			ServerName: req.Name,
			UserEmail:  user.Email,
			Software:   req.Software,
			MemoryGB:   req.MemoryGB,
			StorageGB:  req.StorageGB,
		})
		return callErr
	})
	if err != nil {
		c.logError("create_failed", "", node.ID, userID, err)
		c.audit(userID, "", node.ID, "server.create.failed", err.Error())
		return nil, err
	}

	server := &storage.Server{
		ID:        uuid.NewString(),
		UserID:    userID,
		NodeID:    node.ID,
		Name:      req.Name,
		Software:  req.Software,
		MemoryGB:  req.MemoryGB,
		StorageGB: req.StorageGB,
		Status:    storage.ServerStatusStopped,
		RemoteID:  created.ServerID,
	}
	if _, err := c.store.CreateServerWithDebit(server, cost, "provision "+req.Name); err != nil {
		// The node-side server exists but could not be persisted or paid
		// for. Tear it down so nothing runs unbilled.
		c.removeOrphan(ref, req.Name, user.Email, node.ID)
		if err == storage.ErrInsufficientCredits {
			return nil, errors.New(errors.ErrCodeInsufficientCredits,
				"balance changed during provisioning").
				WithContext("cost", cost).
				WithUserMessage("Not enough credits for this server.")
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "persisting server")
	}

	c.audit(userID, server.ID, node.ID, "server.create",
		fmt.Sprintf("%s on %s, %d credits", req.Name, node.Name, cost))
	if c.logger != nil {
		c.logger.Info(logging.CategoryLifecycle, "server_created", "server provisioned", map[string]any{
			"server_id": server.ID,
			"node_id":   node.ID,
			"cost":      cost,
		})
	}
	return server, nil
}

// Start boots a stopped server.
func (c *Controller) Start(ctx context.Context, p Principal, serverID string) (*storage.Server, error) {
	return c.transition(ctx, p, serverID, transitionOp{
		name:         "start",
		sources:      []string{storage.ServerStatusStopped},
		intermediate: storage.ServerStatusStarting,
		call:         c.agents.StartServer,
	})
}

// Stop shuts down a running server.
func (c *Controller) Stop(ctx context.Context, p Principal, serverID string) (*storage.Server, error) {
	return c.transition(ctx, p, serverID, transitionOp{
		name:         "stop",
		sources:      []string{storage.ServerStatusRunning},
		intermediate: storage.ServerStatusStopping,
		call:         c.agents.StopServer,
	})
}

// Restart bounces a server. Allowed from running and stopped; a stopped
// server comes up the same as with Start.
func (c *Controller) Restart(ctx context.Context, p Principal, serverID string) (*storage.Server, error) {
	return c.transition(ctx, p, serverID, transitionOp{
		name:         "restart",
		sources:      []string{storage.ServerStatusRunning, storage.ServerStatusStopped},
		intermediate: storage.ServerStatusRestarting,
		call:         c.agents.RestartServer,
	})
}

// Delete tears the server down on its node, then removes the record and
// credits any refund in the same transaction. Requires the server be stopped
// or crashed unless an admin forces it.
func (c *Controller) Delete(ctx context.Context, p Principal, serverID string, force bool) error {
	server, err := c.authorizeServer(p, serverID)
	if err != nil {
		return err
	}
	force = force && p.Admin

	deletable := server.Status == storage.ServerStatusStopped || server.Status == storage.ServerStatusCrashed
	if !deletable && !force {
		return rejectStatus("delete", server.Status)
	}

	if err := c.guard.tryAcquire(serverID, "delete"); err != nil {
		return err
	}
	defer c.guard.release(serverID)

	node, err := c.gate.EnsureOnline(server.NodeID)
	if err != nil {
		return err
	}
	owner, err := c.serverOwner(server)
	if err != nil {
		return err
	}

	prev := server.Status
	if err := c.store.UpdateServerStatus(serverID, storage.ServerStatusDeleting); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "recording delete")
	}

	err = c.callAgent(ctx, func() error {
		return c.agents.DeleteServer(ctx, agentRef(node), server.Name, owner.Email)
	})
	if err != nil {
		// A forced delete proceeds past protocol errors so operators can
		// clear rows whose node-side server is already gone. Unreachable
		// nodes still abort: the server may well still be running there.
		if !(force && errors.IsCode(err, errors.ErrCodeAgentError)) {
			c.revert(serverID, prev, "delete failed: "+err.Error())
			c.audit(p.UserID, serverID, node.ID, "server.delete.failed", err.Error())
			return err
		}
		if c.logger != nil {
			c.logger.Warn(logging.CategoryLifecycle, "force_delete", "proceeding past agent error", map[string]any{
				"server_id": serverID,
				"error":     err.Error(),
			})
		}
	}

	refund := c.refundAmount(c.cost(server.MemoryGB, server.StorageGB))
	if _, err := c.store.DeleteServerWithRefund(serverID, refund, "refund "+server.Name); err != nil {
		// The node-side server is gone but the row survived. Leave it in
		// deleting; the sweep reverts it and the next delete can be forced.
		c.logError("delete_persist_failed", serverID, node.ID, p.UserID, err)
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "removing server record").
			WithRemediation("Retry the delete; if it keeps failing, an admin can force it.")
	}

	c.audit(p.UserID, serverID, node.ID, "server.delete",
		fmt.Sprintf("%s, refund %d", server.Name, refund))
	if c.logger != nil {
		c.logger.Info(logging.CategoryLifecycle, "server_deleted", "server removed", map[string]any{
			"server_id": serverID,
			"refund":    refund,
		})
	}
	return nil
}

// transitionOp describes one agent-backed status transition.
type transitionOp struct {
	name         string
	sources      []string
	intermediate string
	call         func(ctx context.Context, node agent.NodeRef, serverName, userEmail string) error
}

func (c *Controller) transition(ctx context.Context, p Principal, serverID string, o transitionOp) (*storage.Server, error) {
	server, err := c.authorizeServer(p, serverID)
	if err != nil {
		return nil, err
	}

	if !statusIn(server.Status, o.sources) {
		return nil, rejectStatus(o.name, server.Status)
	}

	if err := c.guard.tryAcquire(serverID, o.name); err != nil {
		return nil, err
	}
	defer c.guard.release(serverID)

	node, err := c.gate.EnsureOnline(server.NodeID)
	if err != nil {
		return nil, err
	}
	owner, err := c.serverOwner(server)
	if err != nil {
		return nil, err
	}

	// The intermediate status lands before the agent call so the record
	// never claims an old status while the node is already acting.
	prev := server.Status
	if err := c.store.UpdateServerStatus(serverID, o.intermediate); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "recording operation")
	}

	ref := agentRef(node)
	err = c.callAgent(ctx, func() error {
		return o.call(ctx, ref, server.Name, owner.Email)
	})
	if err != nil {
		c.revert(serverID, prev, o.name+" failed: "+err.Error())
		c.audit(p.UserID, serverID, node.ID, "server."+o.name+".failed", err.Error())
		return nil, err
	}

	c.audit(p.UserID, serverID, node.ID, "server."+o.name, "")
	if c.logger != nil {
		c.logger.Info(logging.CategoryLifecycle, "server_"+o.name, o.name+" dispatched", map[string]any{
			"server_id": serverID,
			"node_id":   node.ID,
		})
	}

	server.Status = o.intermediate
	server.PrevStatus = prev
	server.StatusError = ""
	return server, nil
}

// callAgent runs one agent call under the controller's retry policy. The
// last structured agent error is returned rather than the retry wrapper so
// callers keep the error code.
func (c *Controller) callAgent(ctx context.Context, fn func() error) error {
	var last error
	err := c.retry.Execute(ctx, func() error {
		last = fn()
		return last
	})
	if err == nil {
		return nil
	}
	if last != nil {
		return last
	}
	return err
}

// authorizeServer loads the server and verifies the principal may act on it.
// Servers owned by someone else read as not found so ids do not leak across
// accounts.
func (c *Controller) authorizeServer(p Principal, serverID string) (*storage.Server, error) {
	server, err := c.store.GetServer(serverID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "loading server")
	}
	if server == nil || (!p.Admin && server.UserID != p.UserID) {
		return nil, errors.New(errors.ErrCodeServerNotFound, "server not found").
			WithContext("serverId", serverID)
	}
	return server, nil
}

// serverOwner loads the account a server belongs to; the agent wire carries
// the owner's email on every call.
func (c *Controller) serverOwner(server *storage.Server) (*storage.User, error) {
	owner, err := c.store.GetUser(server.UserID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "loading server owner")
	}
	if owner == nil {
		return nil, errors.New(errors.ErrCodeInternal, "server owner missing").
			WithContext("serverId", server.ID)
	}
	return owner, nil
}

// resolveNode picks the target node for a create: the requested one when
// given, otherwise the least-loaded online node that still has room.
func (c *Controller) resolveNode(req CreateRequest) (*storage.Node, error) {
	utils, err := c.store.ListOnlineNodeUtilization()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "listing nodes")
	}

	if req.NodeID != "" {
		node, err := c.gate.EnsureOnline(req.NodeID)
		if err != nil {
			return nil, err
		}
		for _, u := range utils {
			if u.Node.ID == node.ID {
				if !fits(u, req) {
					return nil, capacityError(req).WithContext("nodeId", node.ID)
				}
				return node, nil
			}
		}
		// Gate saw the node online but the utilization query did not; it
		// flipped between the two reads. Treat as not online.
		return nil, errors.New(errors.ErrCodeNodeNotOnline, "node went offline").
			WithContext("nodeId", req.NodeID)
	}

	for _, u := range utils {
		if fits(u, req) {
			return u.Node, nil
		}
	}
	return nil, capacityError(req)
}

func fits(u *storage.NodeUtilization, req CreateRequest) bool {
	return u.AllocatedMemoryGB+req.MemoryGB <= u.Node.MaxMemoryGB &&
		u.AllocatedStorage+req.StorageGB <= u.Node.MaxStorageGB
}

func capacityError(req CreateRequest) *errors.Error {
	return errors.New(errors.ErrCodeNodeCapacity, "no online node has capacity").
		WithContext("memoryGb", req.MemoryGB).
		WithContext("storageGb", req.StorageGB).
		WithUserMessage("No host machine currently has room for this server. Try smaller resources or try again later.")
}

// removeOrphan deletes a node-side server whose panel row never committed.
// Best effort: a failure here leaves an orphan for the operator, which the
// error log records.
func (c *Controller) removeOrphan(ref agent.NodeRef, serverName, userEmail, nodeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.agents.DeleteServer(ctx, ref, serverName, userEmail); err != nil {
		c.logError("orphan_cleanup_failed", "", nodeID, "", err)
	}
}

// revert puts a server back to its pre-operation status with an annotation.
func (c *Controller) revert(serverID, prev, note string) {
	if err := c.store.SetServerStatusError(serverID, prev, note); err != nil {
		c.logError("revert_failed", serverID, "", "", err)
	}
}

func (c *Controller) audit(userID, serverID, nodeID, action, detail string) {
	if err := c.store.AppendAudit(storage.AuditEntry{
		UserID:   userID,
		ServerID: serverID,
		NodeID:   nodeID,
		Action:   action,
		Detail:   detail,
	}); err != nil && c.logger != nil {
		c.logger.Warn(logging.CategoryLifecycle, "audit_write_failed", err.Error(), nil)
	}
}

func (c *Controller) logError(eventType, serverID, nodeID, userID string, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Log(logging.Event{
		Level:     logging.LevelError,
		Category:  logging.CategoryLifecycle,
		EventType: eventType,
		ServerID:  serverID,
		NodeID:    nodeID,
		UserID:    userID,
		Message:   err.Error(),
	})
}

func validateCreate(req CreateRequest) error {
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > maxServerNameLen {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("server name must be 1-%d characters", maxServerNameLen)).
			WithUserMessage("Pick a server name between 1 and 64 characters.")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
		default:
			return errors.New(errors.ErrCodeInvalidInput, "server name has invalid characters").
				WithContext("name", name).
				WithUserMessage("Server names may only use letters, digits, '-', '_' and '.'.")
		}
	}
	if strings.TrimSpace(req.Software) == "" {
		return errors.New(errors.ErrCodeInvalidInput, "software is required").
			WithUserMessage("Pick the software to run on the server.")
	}
	if req.MemoryGB < 1 || req.StorageGB < 1 {
		return errors.New(errors.ErrCodeInvalidInput, "memory and storage must be at least 1 GB").
			WithContext("memoryGb", req.MemoryGB).
			WithContext("storageGb", req.StorageGB).
			WithUserMessage("Servers need at least 1 GB of memory and storage.")
	}
	return nil
}

// rejectStatus classifies a source-set failure. A current status that is
// itself intermediate means the previous operation has not resolved yet, so
// the caller sees the same rejection the op guard gives; anything else is a
// plain invalid transition.
func rejectStatus(opName, status string) *errors.Error {
	if storage.IsIntermediateStatus(status) {
		return errors.New(errors.ErrCodeOperationInFlight,
			fmt.Sprintf("server is %s", status)).
			WithContext("status", status).
			WithContext("operation", opName).
			WithUserMessage("Another operation is already running for this server. Wait for it to finish.")
	}
	return errors.New(errors.ErrCodeInvalidTransition,
		fmt.Sprintf("cannot %s a %s server", opName, status)).
		WithContext("status", status).
		WithContext("operation", opName).
		WithUserMessage(fmt.Sprintf("Cannot %s the server while it is %s.", opName, status))
}

func statusIn(status string, set []string) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func agentRef(node *storage.Node) agent.NodeRef {
	return agent.NodeRef{BaseURL: node.BaseURL(), Token: node.Token}
}
