// Package node assembles a replica: the persisted operation log, the four
// admission-controlled stores, the replication server, gossip and the
// metrics endpoint.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"lens/pkg/admission"
	"lens/pkg/config"
	"lens/pkg/federation"
	"lens/pkg/identity"
	"lens/pkg/rbac"
	"lens/pkg/registry"
	"lens/pkg/replication"
	"lens/pkg/storage"
	"lens/pkg/store"
)

// Node is one replica.
type Node struct {
	cfg    *config.Config
	key    *identity.Keypair
	logger *zap.Logger

	metrics *prometheus.Registry
	oplog   *storage.OpLog

	Roles    *store.Store
	Resolver *rbac.Resolver
	Registry *store.Store
	Relay    *store.Store
	Pointers *store.Store
	Sites    *federation.SiteDirectory

	server     *replication.Server
	gossip     *replication.Gossip
	serverCred grpc.ServerOption

	grpcServer *grpc.Server
	httpServer *http.Server
	listener   net.Listener
	httpLis    net.Listener

	started  time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// New opens the operation log under cfg.DataDir and rebuilds every store
// from it. The role store is replayed first so its observers have the
// resolver populated before any other store opens.
func New(cfg *config.Config, key *identity.Keypair, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	oplog, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:     cfg,
		key:     key,
		logger:  logger,
		metrics: prometheus.NewRegistry(),
		oplog:   oplog,
		stop:    make(chan struct{}),
	}
	n.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := n.openStores(); err != nil {
		oplog.Close()
		return nil, err
	}

	if n.serverCred, err = cfg.TLS.ServerOption(); err != nil {
		oplog.Close()
		return nil, err
	}
	dialCred, err := cfg.TLS.DialOption()
	if err != nil {
		oplog.Close()
		return nil, err
	}

	replMetrics := replication.NewMetrics(n.metrics)
	n.gossip = replication.NewGossip(replication.GossipConfig{
		Stores: n.Stores(),
		Period: time.Duration(cfg.Gossip.Period),
		Fanout: cfg.Gossip.Fanout,
		Dial: func(endpoint string) (*replication.Client, error) {
			return replication.Dial(endpoint, dialCred)
		},
		Logger:  logger.Named("gossip"),
		Metrics: replMetrics,
	})
	for _, p := range cfg.Peers {
		n.gossip.AddPeer(p.Site, p.Endpoint)
	}
	n.server = replication.NewServer(replication.ServerConfig{
		Site:       cfg.Site,
		Identity:   key.Identity(),
		Stores:     n.Stores(),
		Authorizer: n.Resolver,
		Peers:      n.gossip.Peers,
		Logger:     logger.Named("replication"),
		Metrics:    replMetrics,
	})

	logger.Info("Node opened",
		zap.String("site", cfg.Site),
		zap.String("identity", key.Identity().String()),
		zap.String("root_admin", cfg.Root(key.Identity()).String()),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("tls", cfg.TLS.Enabled))
	return n, nil
}

func (n *Node) openStores() error {
	sites, err := n.cfg.Directory(n.key.Identity())
	if err != nil {
		return err
	}
	n.Sites = sites

	base := store.Config{
		Log:            n.oplog,
		Metrics:        admission.NewMetrics(n.metrics),
		MaxPayloadSize: int64(n.cfg.MaxPayloadSize),
		MaxClockSkew:   n.cfg.MaxClockSkew,
	}
	withLogger := func(name string) store.Config {
		c := base
		c.Logger = n.logger.Named(name)
		return c
	}

	if n.Roles, n.Resolver, err = rbac.Open(n.cfg.Root(n.key.Identity()), withLogger(rbac.StoreName)); err != nil {
		return fmt.Errorf("opening role store: %w", err)
	}
	if n.Registry, err = registry.Open(withLogger(registry.StoreName)); err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	if n.Relay, err = federation.OpenRelay(sites, withLogger(federation.RelayStoreName)); err != nil {
		return fmt.Errorf("opening relay: %w", err)
	}
	if n.Pointers, err = federation.OpenPointers(n.Resolver, withLogger(federation.PointerStoreName)); err != nil {
		return fmt.Errorf("opening pointers: %w", err)
	}
	return nil
}

// Stores returns every store in replay order.
func (n *Node) Stores() []*store.Store {
	return []*store.Store{n.Roles, n.Registry, n.Relay, n.Pointers}
}

// Identity returns the replica's signing identity.
func (n *Node) Identity() identity.Identity {
	return n.key.Identity()
}

// Key returns the replica's signing key.
func (n *Node) Key() *identity.Keypair {
	return n.key
}

// Gossip returns the replica's gossip service.
func (n *Node) Gossip() *replication.Gossip {
	return n.gossip
}

// Listen binds the replication and metrics listeners.
func (n *Node) Listen() error {
	lis, err := net.Listen("tcp", n.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.Listen, err)
	}
	n.listener = lis

	if n.cfg.MetricsListen != "" {
		httpLis, err := net.Listen("tcp", n.cfg.MetricsListen)
		if err != nil {
			lis.Close()
			return fmt.Errorf("failed to listen on %s: %w", n.cfg.MetricsListen, err)
		}
		n.httpLis = httpLis
	}
	return nil
}

// Addr returns the bound replication address, once listening.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// MetricsAddr returns the bound metrics address, if any.
func (n *Node) MetricsAddr() string {
	if n.httpLis == nil {
		return ""
	}
	return n.httpLis.Addr().String()
}

// Start listens (unless Listen was called) and serves until ctx is
// cancelled or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	if n.listener == nil {
		if err := n.Listen(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	n.started = time.Now()

	n.grpcServer = grpc.NewServer(n.serverCred, grpc.UnaryInterceptor(n.server.UnaryInterceptor()))
	n.server.Register(n.grpcServer)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := n.grpcServer.Serve(n.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("replication server: %w", err)
		}
		return nil
	})
	if n.httpLis != nil {
		n.httpServer = &http.Server{
			Handler:           n.healthMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := n.httpServer.Serve(n.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return n.gossip.Run(ctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-n.stop:
			cancel()
		}
		n.shutdown()
		return nil
	})

	n.logger.Info("Node serving",
		zap.String("address", n.Addr()),
		zap.String("metrics", n.MetricsAddr()),
		zap.Int("peers", len(n.cfg.Peers)))

	err := g.Wait()
	if cerr := n.oplog.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (n *Node) shutdown() {
	if n.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.httpServer.Shutdown(ctx); err != nil {
			n.logger.Warn("Metrics server shutdown", zap.Error(err))
		}
	}
	n.grpcServer.GracefulStop()
	n.logger.Info("Node stopped")
}

// Stop stops a running node; Start returns once shutdown completes.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stop) })
}

// Close releases the operation log of a node that was never started.
func (n *Node) Close() error {
	return n.oplog.Close()
}
