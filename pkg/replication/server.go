package replication

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"lens/pkg/errs"
	"lens/pkg/identity"
	"lens/pkg/store"
)

// DefaultBatchSize caps the operations returned by one Exchange.
const DefaultBatchSize = 500

// Authorizer answers permission questions for the Can RPC.
type Authorizer interface {
	Can(who identity.Identity, permission string) bool
	PermissionsOf(who identity.Identity) []string
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Site       string
	Identity   identity.Identity
	Stores     []*store.Store
	Authorizer Authorizer
	// Peers reports the gossip peer table for Status; may be nil.
	Peers   func() []Peer
	Logger  *zap.Logger
	Metrics *Metrics
}

// Server serves a replica's stores to peers and clients.
type Server struct {
	site    string
	self    identity.Identity
	stores  map[string]*store.Store
	authz   Authorizer
	peers   func() []Peer
	logger  *zap.Logger
	metrics *Metrics
}

var _ ReplicatorServer = (*Server)(nil)

// NewServer creates a replication server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stores := make(map[string]*store.Store, len(cfg.Stores))
	for _, s := range cfg.Stores {
		stores[s.Name()] = s
	}
	return &Server{
		site:    cfg.Site,
		self:    cfg.Identity,
		stores:  stores,
		authz:   cfg.Authorizer,
		peers:   cfg.Peers,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Register registers the server on g.
func (s *Server) Register(g *grpc.Server) {
	RegisterReplicatorServer(g, s)
}

// UnaryInterceptor logs and counts every RPC.
func (s *Server) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		s.metrics.observeRPC(info.FullMethod, code, time.Since(start))
		if err != nil && code != codes.NotFound {
			s.logger.Debug("RPC failed",
				zap.String("method", info.FullMethod),
				zap.String("code", code.String()),
				zap.Error(err))
		}
		return resp, err
	}
}

func (s *Server) store(name string) (*store.Store, error) {
	st, ok := s.stores[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no store named %q", name)
	}
	return st, nil
}

// Exchange returns the operations the caller is missing.
func (s *Server) Exchange(ctx context.Context, req *ExchangeRequest) (*ExchangeResponse, error) {
	st, err := s.store(req.Store)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > DefaultBatchSize {
		limit = DefaultBatchSize
	}
	batch, err := st.Missing(ctx, req.Summary, req.Known, limit)
	if err != nil {
		return nil, errs.ToGRPC(err)
	}
	return &ExchangeResponse{Ops: batch.Ops, Diverged: batch.Diverged, More: batch.More}, nil
}

// Submit commits a signed operation with local-write semantics: a
// rejected operation returns its error and is not recorded.
func (s *Server) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if req.Op == nil {
		return nil, status.Error(codes.InvalidArgument, "operation is required")
	}
	st, err := s.store(req.Op.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Commit(ctx, req.Op); err != nil {
		return nil, errs.ToGRPC(err)
	}
	return &SubmitResponse{Hash: req.Op.Hash()}, nil
}

func (s *Server) Head(ctx context.Context, req *HeadRequest) (*HeadResponse, error) {
	st, err := s.store(req.Store)
	if err != nil {
		return nil, err
	}
	head, err := st.Head(ctx)
	if err != nil {
		return nil, errs.ToGRPC(err)
	}
	return &HeadResponse{Head: head}, nil
}

func (s *Server) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	st, err := s.store(req.Store)
	if err != nil {
		return nil, err
	}
	doc, err := st.Get(ctx, req.ID)
	if err != nil {
		return nil, errs.ToGRPC(err)
	}
	return &GetResponse{Document: doc}, nil
}

func (s *Server) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	st, err := s.store(req.Store)
	if err != nil {
		return nil, err
	}
	docs, err := st.List(ctx)
	if err != nil {
		return nil, errs.ToGRPC(err)
	}
	return &ListResponse{Documents: docs}, nil
}

// Can reports the caller-named identity's permissions. An empty
// Permission only lists them.
func (s *Server) Can(ctx context.Context, req *CanRequest) (*CanResponse, error) {
	if s.authz == nil {
		return nil, status.Error(codes.Unimplemented, "replica has no role store")
	}
	resp := &CanResponse{Permissions: s.authz.PermissionsOf(req.Identity)}
	if req.Permission != "" {
		resp.Allowed = s.authz.Can(req.Identity, req.Permission)
	}
	return resp, nil
}

func (s *Server) Status(ctx context.Context, _ *StatusRequest) (*StatusResponse, error) {
	resp := &StatusResponse{
		Site:     s.site,
		Identity: s.self,
		Time:     time.Now().UTC(),
	}
	for name, st := range s.stores {
		resp.Stores = append(resp.Stores, StoreStatus{
			Name:      name,
			Documents: st.Len(),
			Summary:   st.Summary(),
		})
	}
	sort.Slice(resp.Stores, func(i, j int) bool { return resp.Stores[i].Name < resp.Stores[j].Name })
	if s.peers != nil {
		resp.Peers = s.peers()
	}
	return resp, nil
}
