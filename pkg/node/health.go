package node

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Health is the body of /health.
type Health struct {
	Status    string         `json:"status"`
	Site      string         `json:"site"`
	Identity  string         `json:"identity"`
	Uptime    string         `json:"uptime"`
	Documents map[string]int `json:"documents"`
	Peers     int            `json:"peers"`
	Alive     int            `json:"alive_peers"`
	Timestamp time.Time      `json:"timestamp"`
}

// Health reports the replica's state. A replica with peers configured but
// none alive is degraded; it still serves its local state.
func (n *Node) Health() Health {
	h := Health{
		Status:    "healthy",
		Site:      n.cfg.Site,
		Identity:  n.Identity().String(),
		Documents: make(map[string]int),
		Timestamp: time.Now().UTC(),
	}
	if !n.started.IsZero() {
		h.Uptime = time.Since(n.started).Round(time.Second).String()
	}
	for _, s := range n.Stores() {
		h.Documents[s.Name()] = s.Len()
	}
	h.Peers = len(n.gossip.Peers())
	h.Alive = len(n.gossip.HealthyPeers())
	if h.Peers > 0 && h.Alive == 0 {
		h.Status = "degraded"
	}
	return h
}

func (n *Node) healthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", n.handleHealth)
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(n.metrics, promhttp.HandlerOpts{}))
	return mux
}

func (n *Node) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(n.Health()); err != nil {
		n.logger.Warn("Failed to write health response", zap.Error(err))
	}
}
