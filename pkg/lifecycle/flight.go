package lifecycle

import (
	"fmt"
	"sync"

	"github.com/craterhost/panel/pkg/errors"
)

// opGuard serializes lifecycle operations per server id. A slot is held for
// the whole operation including the agent round-trip; a second caller is
// rejected rather than queued, so a duplicate click fails fast instead of
// dispatching the same command twice.
type opGuard struct {
	mu       sync.Mutex
	inFlight map[string]string // server id -> operation name
}

func newOpGuard() *opGuard {
	return &opGuard{inFlight: make(map[string]string)}
}

// tryAcquire claims the server's operation slot or fails with
// OPERATION_IN_FLIGHT naming the operation already running.
func (g *opGuard) tryAcquire(serverID, op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if current, ok := g.inFlight[serverID]; ok {
		return errors.New(errors.ErrCodeOperationInFlight,
			fmt.Sprintf("%s already in progress", current)).
			WithContext("serverId", serverID).
			WithContext("operation", current).
			WithUserMessage("Another operation is already running for this server. Wait for it to finish.")
	}

	g.inFlight[serverID] = op
	return nil
}

// release frees the slot. Releasing a slot that was never acquired is a no-op.
func (g *opGuard) release(serverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, serverID)
}
