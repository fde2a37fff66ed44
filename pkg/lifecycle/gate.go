package lifecycle

import (
	"fmt"

	"github.com/craterhost/panel/pkg/errors"
	"github.com/craterhost/panel/pkg/storage"
)

// Gate rejects operations aimed at nodes that are not online, turning what
// would be a slow network timeout into an immediate rejection. The node row
// is re-read on every call; a cached status never authorizes a dispatch.
type Gate struct {
	store *storage.Store
}

// NewGate returns a gate backed by the given store.
func NewGate(store *storage.Store) *Gate {
	return &Gate{store: store}
}

// EnsureOnline loads the node and fails unless its status is online.
func (g *Gate) EnsureOnline(nodeID string) (*storage.Node, error) {
	node, err := g.store.GetNode(nodeID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "loading node")
	}
	if node == nil {
		return nil, errors.New(errors.ErrCodeNodeNotFound, "node not found").
			WithContext("nodeId", nodeID)
	}
	if node.Status != storage.NodeStatusOnline {
		return nil, errors.New(errors.ErrCodeNodeNotOnline,
			fmt.Sprintf("node %s is %s", node.Name, node.Status)).
			WithContext("nodeId", node.ID).
			WithContext("nodeStatus", node.Status).
			WithUserMessage("The host machine for this server is not available right now.")
	}
	return node, nil
}
