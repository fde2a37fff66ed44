package agent

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// agentRequests counts daemon calls by operation and outcome. The op label
// is the request path with slashes flattened ("server.start", "files.list").
var agentRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "panel",
	Name:      "agent_requests_total",
	Help:      "Node daemon requests by operation and outcome.",
}, []string{"op", "outcome"})

func observeRequest(path, outcome string) {
	op := strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
	if op == "" {
		op = "unknown"
	}
	agentRequests.WithLabelValues(op, outcome).Inc()
}
