package api

import (
	stdliberrors "errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/craterhost/panel/pkg/storage"
)

var (
	nodesOnlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "panel",
		Name:      "nodes_online",
		Help:      "Nodes currently marked online.",
	})
	consoleSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "panel",
		Name:      "console_sessions_active",
		Help:      "Console relay sessions currently open.",
	})
	wsClientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "panel",
		Name:      "ws_clients_active",
		Help:      "Event stream WebSocket clients connected.",
	})
	lifecycleOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panel",
		Name:      "lifecycle_operations_total",
		Help:      "Server lifecycle operations by op and outcome.",
	}, []string{"op", "outcome"})
)

func observeLifecycleOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	lifecycleOps.WithLabelValues(op, outcome).Inc()
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.PublicMetrics {
		if _, ok := s.authorize(r); !ok {
			respondError(w, http.StatusUnauthorized, stdliberrors.New("unauthorized"))
			return
		}
	}
	s.refreshGauges()
	promhttp.Handler().ServeHTTP(w, r)
}

// refreshGauges recomputes scrape-time gauges. Counting at scrape time
// keeps them honest without threading the registry through every subsystem.
func (s *Server) refreshGauges() {
	if nodes, err := s.store.ListNodesByStatus(storage.NodeStatusOnline); err == nil {
		nodesOnlineGauge.Set(float64(len(nodes)))
	}
	if s.relay != nil {
		consoleSessionsGauge.Set(float64(s.relay.Count()))
	}
}
