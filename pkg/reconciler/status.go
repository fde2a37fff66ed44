package reconciler

import (
	"strings"

	"github.com/craterhost/panel/pkg/storage"
)

// StatusUnknown is the mapping result for agent states this panel cannot
// interpret. It is never persisted: a transient bad answer from a daemon
// must not erase good state.
const StatusUnknown = "unknown"

// MapAgentState converts the daemon's native runtime state to the panel
// status enum.
func MapAgentState(state string) string {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "running":
		return storage.ServerStatusRunning
	case "exited", "stopped":
		return storage.ServerStatusStopped
	case "restarting":
		return storage.ServerStatusRestarting
	case "paused":
		return storage.ServerStatusPaused
	case "dead", "crashed":
		return storage.ServerStatusCrashed
	default:
		return StatusUnknown
	}
}
