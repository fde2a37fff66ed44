// Package reconciler aligns locally stored server statuses with what node
// daemons actually report. The lifecycle controller leaves intermediate
// statuses behind on purpose; this package resolves them, and catches
// crashes and out-of-band state drift.
package reconciler

import (
	"context"

	"github.com/craterhost/panel/pkg/agent"
	"github.com/craterhost/panel/pkg/errors"
	"github.com/craterhost/panel/pkg/lifecycle"
	"github.com/craterhost/panel/pkg/logging"
	"github.com/craterhost/panel/pkg/storage"
)

// Result reports one reconcile pass over a server.
type Result struct {
	Old     string `json:"old"`
	New     string `json:"new"`
	Changed bool   `json:"changed"`
}

// Reconciler compares stored statuses against agent-reported truth and
// persists the difference. It only ever writes statuses the daemon
// actually reported; lifecycle intent stays with the controller.
type Reconciler struct {
	store  *storage.Store
	agents *agent.Client
	gate   *lifecycle.Gate
	logger *logging.Logger
}

// New wires a reconciler. logger may be nil in tests.
func New(store *storage.Store, agents *agent.Client, logger *logging.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		agents: agents,
		gate:   lifecycle.NewGate(store),
		logger: logger,
	}
}

// Reconcile aligns one server by id. This is the on-demand path behind the
// status endpoint.
func (r *Reconciler) Reconcile(ctx context.Context, serverID string) (Result, error) {
	server, err := r.store.GetServer(serverID)
	if err != nil {
		return Result{}, errors.Wrap(err, errors.ErrCodeStorageRead, "loading server")
	}
	if server == nil {
		return Result{}, errors.New(errors.ErrCodeServerNotFound, "server not found").
			WithContext("serverId", serverID)
	}
	return r.reconcileServer(ctx, server)
}

func (r *Reconciler) reconcileServer(ctx context.Context, server *storage.Server) (Result, error) {
	res := Result{Old: server.Status, New: server.Status}

	// A server being created or deleted has no settled node-side identity
	// to compare against.
	if server.Status == storage.ServerStatusCreating || server.Status == storage.ServerStatusDeleting {
		return res, nil
	}

	node, err := r.gate.EnsureOnline(server.NodeID)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNodeNotOnline) {
			// An offline node reports nothing; the stored status stands.
			return res, nil
		}
		return res, err
	}

	status, err := r.agents.ServerStatus(ctx, agent.NodeRef{BaseURL: node.BaseURL(), Token: node.Token}, server.Name)
	if err != nil {
		return res, err
	}

	mapped := MapAgentState(status.State)
	if mapped == StatusUnknown {
		if r.logger != nil {
			r.logger.Warn(logging.CategoryReconciler, "unmapped_state", "agent reported a state this panel cannot interpret", map[string]any{
				"server_id": server.ID,
				"state":     status.State,
			})
		}
		return res, nil
	}
	if mapped == server.Status {
		return res, nil
	}

	if mapped == storage.ServerStatusCrashed {
		err = r.store.SetServerStatusError(server.ID, mapped, "agent reported "+status.State)
	} else {
		err = r.store.UpdateServerStatus(server.ID, mapped)
	}
	if err != nil {
		return res, errors.Wrap(err, errors.ErrCodeStorageWrite, "recording status")
	}

	res.New = mapped
	res.Changed = true
	if r.logger != nil {
		level := logging.LevelInfo
		if mapped == storage.ServerStatusCrashed {
			level = logging.LevelWarn
		}
		r.logger.Log(logging.Event{
			Level:     level,
			Category:  logging.CategoryReconciler,
			EventType: "status_reconciled",
			ServerID:  server.ID,
			NodeID:    server.NodeID,
			Details: map[string]any{
				"old": res.Old,
				"new": res.New,
			},
		})
	}
	return res, nil
}
