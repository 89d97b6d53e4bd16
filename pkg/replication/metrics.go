package replication

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc/codes"
)

// Metrics tracks replication traffic and peer health.
type Metrics struct {
	// Gossip metrics
	GossipPeers    *prometheus.GaugeVec
	GossipRounds   prometheus.Counter
	GossipFailures prometheus.Counter
	PullLatency    prometheus.Histogram

	// Operations received from peers, by store and outcome
	OpsReceived *prometheus.CounterVec

	// RPC metrics
	RPCs       *prometheus.CounterVec
	RPCLatency *prometheus.HistogramVec
}

// NewMetrics creates and registers replication metrics. A nil registry
// registers with the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		GossipPeers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lens_gossip_peers",
			Help: "Number of gossip peers by status",
		}, []string{"status"}),
		GossipRounds: factory.NewCounter(prometheus.CounterOpts{
			Name: "lens_gossip_rounds_total",
			Help: "Total number of gossip rounds",
		}),
		GossipFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lens_gossip_failures_total",
			Help: "Total number of failed pulls from peers",
		}),
		PullLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lens_gossip_pull_latency_seconds",
			Help:    "Duration of a full pull from one peer",
			Buckets: prometheus.DefBuckets,
		}),
		OpsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_replication_ops_received_total",
			Help: "Operations received from peers by store and outcome",
		}, []string{"store", "result"}),
		RPCs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_replication_rpcs_total",
			Help: "Replication RPCs served by method and status code",
		}, []string{"method", "code"}),
		RPCLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lens_replication_rpc_latency_seconds",
			Help:    "Replication RPC latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

func (m *Metrics) observeRPC(method string, code codes.Code, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RPCs.WithLabelValues(method, code.String()).Inc()
	m.RPCLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) observePull(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.GossipFailures.Inc()
		return
	}
	m.PullLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) observeOps(store string, applied, dropped int) {
	if m == nil {
		return
	}
	if applied > 0 {
		m.OpsReceived.WithLabelValues(store, "applied").Add(float64(applied))
	}
	if dropped > 0 {
		m.OpsReceived.WithLabelValues(store, "dropped").Add(float64(dropped))
	}
}

func (m *Metrics) setPeers(peers []Peer) {
	if m == nil {
		return
	}
	counts := map[PeerStatus]int{PeerAlive: 0, PeerSuspected: 0, PeerDead: 0}
	for _, p := range peers {
		counts[p.Status]++
	}
	for st, n := range counts {
		m.GossipPeers.WithLabelValues(st.String()).Set(float64(n))
	}
}
