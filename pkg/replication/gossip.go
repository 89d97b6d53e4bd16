package replication

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"lens/pkg/store"
)

// PeerStatus represents the health status of a peer.
type PeerStatus int

const (
	PeerUnknown PeerStatus = iota
	PeerAlive
	PeerSuspected
	PeerDead
)

func (s PeerStatus) String() string {
	switch s {
	case PeerAlive:
		return "alive"
	case PeerSuspected:
		return "suspected"
	case PeerDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Peer is a snapshot of one peer's gossip state.
type Peer struct {
	Site     string     `cbor:"site" json:"site"`
	Endpoint string     `cbor:"endpoint" json:"endpoint"`
	LastSeen time.Time  `cbor:"last_seen" json:"last_seen"`
	Status   PeerStatus `cbor:"status" json:"status"`
	Failures int        `cbor:"failures" json:"failures"`
}

// Dialer opens a client to a peer endpoint.
type Dialer func(endpoint string) (*Client, error)

// GossipConfig configures Gossip.
type GossipConfig struct {
	Stores []*store.Store
	// Period between gossip rounds. Defaults to 10s.
	Period time.Duration
	// Fanout is the number of peers pulled from each round. Defaults to 3.
	Fanout int
	// BatchSize bounds each Exchange. Defaults to DefaultBatchSize.
	BatchSize int
	Dial      Dialer
	Logger    *zap.Logger
	Metrics   *Metrics
}

// Gossip keeps a replica's stores converged with its peers by pulling
// missing operations from a few random peers every period. Every pulled
// operation goes through Store.ApplyRemote, so peers cannot bypass
// admission.
type Gossip struct {
	mu sync.RWMutex

	stores  []*store.Store
	peers   map[string]*Peer // endpoint -> state
	clients map[string]*Client

	period       time.Duration
	fanout       int
	batch        int
	suspectAfter time.Duration
	deadAfter    time.Duration

	dial    Dialer
	logger  *zap.Logger
	metrics *Metrics
}

// NewGossip creates a gossip service over cfg.Stores.
func NewGossip(cfg GossipConfig) *Gossip {
	g := &Gossip{
		stores:  cfg.Stores,
		peers:   make(map[string]*Peer),
		clients: make(map[string]*Client),
		period:  cfg.Period,
		fanout:  cfg.Fanout,
		batch:   cfg.BatchSize,
		dial:    cfg.Dial,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if g.period <= 0 {
		g.period = 10 * time.Second
	}
	if g.fanout <= 0 {
		g.fanout = 3
	}
	if g.batch <= 0 {
		g.batch = DefaultBatchSize
	}
	if g.dial == nil {
		g.dial = func(endpoint string) (*Client, error) { return Dial(endpoint) }
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	g.suspectAfter = g.period * 3
	g.deadAfter = g.period * 6
	return g
}

// AddPeer adds a peer to gossip with.
func (g *Gossip) AddPeer(site, endpoint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers[endpoint] = &Peer{Site: site, Endpoint: endpoint, LastSeen: time.Now(), Status: PeerAlive}
}

// RemovePeer stops gossiping with the peer at endpoint.
func (g *Gossip) RemovePeer(endpoint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.peers, endpoint)
	if c, ok := g.clients[endpoint]; ok {
		c.Close()
		delete(g.clients, endpoint)
	}
}

// Peers returns a snapshot of the peer table sorted by endpoint.
func (g *Gossip) Peers() []Peer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Peer, 0, len(g.peers))
	for _, p := range g.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// HealthyPeers returns the peers currently marked alive.
func (g *Gossip) HealthyPeers() []Peer {
	var out []Peer
	for _, p := range g.Peers() {
		if p.Status == PeerAlive {
			out = append(out, p)
		}
	}
	return out
}

// Run gossips until ctx is cancelled.
func (g *Gossip) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.period)
	defer ticker.Stop()
	defer g.closeClients()

	g.logger.Info("Gossip started",
		zap.Duration("period", g.period),
		zap.Int("fanout", g.fanout))

	for {
		select {
		case <-ticker.C:
			g.Round(ctx)
			g.detectFailures(time.Now())
		case <-ctx.Done():
			return nil
		}
	}
}

// Round pulls from up to fanout peers concurrently and waits for them.
func (g *Gossip) Round(ctx context.Context) {
	g.mu.RLock()
	peers := g.selectGossipPeers()
	g.mu.RUnlock()

	var wg sync.WaitGroup
	for _, endpoint := range peers {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			if err := g.PullFrom(ctx, endpoint); err != nil {
				g.logger.Debug("Gossip pull failed", zap.String("peer", endpoint), zap.Error(err))
			}
		}(endpoint)
	}
	wg.Wait()

	if g.metrics != nil {
		g.metrics.GossipRounds.Inc()
	}
	g.metrics.setPeers(g.Peers())
}

// selectGossipPeers picks up to fanout live peers at random, plus one
// dead peer so a restarted replica is noticed. Callers hold g.mu.
func (g *Gossip) selectGossipPeers() []string {
	var live, dead []string
	for endpoint, p := range g.peers {
		if p.Status == PeerDead {
			dead = append(dead, endpoint)
		} else {
			live = append(live, endpoint)
		}
	}

	rand.Shuffle(len(live), func(i, j int) {
		live[i], live[j] = live[j], live[i]
	})
	if len(live) > g.fanout {
		live = live[:g.fanout]
	}
	if len(dead) > 0 {
		live = append(live, dead[rand.Intn(len(dead))])
	}
	return live
}

// PullFrom brings every store up to date with the peer at endpoint.
func (g *Gossip) PullFrom(ctx context.Context, endpoint string) error {
	start := time.Now()
	err := g.pull(ctx, endpoint)
	g.metrics.observePull(time.Since(start), err)
	g.markPeer(endpoint, err)
	return err
}

func (g *Gossip) pull(ctx context.Context, endpoint string) error {
	client, err := g.client(endpoint)
	if err != nil {
		return err
	}
	for _, s := range g.stores {
		if err := g.pullStore(ctx, client, s); err != nil {
			return fmt.Errorf("pulling %s from %s: %w", s.Name(), endpoint, err)
		}
	}
	return nil
}

func (g *Gossip) pullStore(ctx context.Context, client *Client, s *store.Store) error {
	stats, err := s.PullFrom(ctx, client.Source(s.Name(), g.period), g.batch)
	g.metrics.observeOps(s.Name(), stats.Applied, stats.Dropped)
	if stats.Applied > 0 || stats.Dropped > 0 {
		g.logger.Debug("Pulled operations",
			zap.String("store", s.Name()),
			zap.Int("applied", stats.Applied),
			zap.Int("dropped", stats.Dropped))
	}
	return err
}

func (g *Gossip) client(endpoint string) (*Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[endpoint]; ok {
		return c, nil
	}
	c, err := g.dial(endpoint)
	if err != nil {
		return nil, err
	}
	g.clients[endpoint] = c
	return c, nil
}

func (g *Gossip) markPeer(endpoint string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.peers[endpoint]
	if !ok {
		return
	}
	if err == nil {
		if p.Status != PeerAlive {
			g.logger.Info("Peer is alive", zap.String("peer", endpoint))
		}
		p.Status = PeerAlive
		p.LastSeen = time.Now()
		p.Failures = 0
		return
	}
	p.Failures++
	if p.Status == PeerAlive {
		p.Status = PeerSuspected
	}
}

// detectFailures marks peers as suspected or dead based on last seen time.
func (g *Gossip) detectFailures(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for endpoint, p := range g.peers {
		elapsed := now.Sub(p.LastSeen)
		// Check dead timeout first, then suspect
		if elapsed > g.deadAfter {
			if p.Status != PeerDead {
				p.Status = PeerDead
				g.logger.Warn("Peer marked dead",
					zap.String("peer", endpoint),
					zap.Duration("last_seen", elapsed))
			}
		} else if elapsed > g.suspectAfter && p.Status == PeerAlive {
			p.Status = PeerSuspected
		}
	}
}

func (g *Gossip) closeClients() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for endpoint, c := range g.clients {
		c.Close()
		delete(g.clients, endpoint)
	}
}
