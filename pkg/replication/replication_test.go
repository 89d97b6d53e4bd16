package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"lens/pkg/docid"
	"lens/pkg/document"
	"lens/pkg/errs"
	"lens/pkg/identity"
	"lens/pkg/rbac"
	"lens/pkg/registry"
	"lens/pkg/store"
)

func key(t *testing.T, b byte) *identity.Keypair {
	t.Helper()
	k, err := identity.KeypairFromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return k
}

type replica struct {
	roles    *store.Store
	resolver *rbac.Resolver
	registry *store.Store
}

func (r replica) stores() []*store.Store {
	return []*store.Store{r.roles, r.registry}
}

func newReplica(t *testing.T, root identity.Identity) replica {
	t.Helper()
	roles, resolver, err := rbac.Open(root, store.Config{})
	require.NoError(t, err)
	reg, err := registry.Open(store.Config{})
	require.NoError(t, err)
	return replica{roles: roles, resolver: resolver, registry: reg}
}

// serve runs a replication server for r over an in-memory listener and
// returns a dialer connecting to it.
func serve(t *testing.T, r replica, metrics *Metrics) Dialer {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(ServerConfig{
		Site:       "films@alice.lens.local",
		Identity:   r.resolver.Root(),
		Stores:     r.stores(),
		Authorizer: r.resolver,
		Metrics:    metrics,
	})
	g := grpc.NewServer(grpc.UnaryInterceptor(srv.UnaryInterceptor()))
	srv.Register(g)
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	return func(string) (*Client, error) {
		return Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	}
}

func connect(t *testing.T, dial Dialer) *Client {
	t.Helper()
	c, err := dial("bufnet")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRemoteCollection(t *testing.T) {
	ctx := context.Background()
	owner := key(t, 1)
	rival := key(t, 2)
	rep := newReplica(t, owner.Identity())
	client := connect(t, serve(t, rep, nil))

	remote := client.Collection(registry.StoreName)
	reg, err := registry.NewService(remote, owner, nil).Publish(ctx, "lens://films/a", registry.Manifest{Title: "A"})
	require.NoError(t, err)

	// The write landed on the serving replica.
	local, err := registry.NewService(rep.registry, owner, nil).Get(ctx, reg.DerivedID())
	require.NoError(t, err)
	assert.Equal(t, "A", local.Manifest.Title)

	// Admission errors keep their codes across the wire.
	hijack := registry.Registration{Owner: rival.Identity(), Address: "lens://films/a", Manifest: registry.Manifest{Title: "x"}}
	err = store.Write(ctx, remote, rival, document.KindPut, registry.TypeRegistration, reg.DerivedID(), hijack)
	assert.True(t, errors.Is(err, errs.InvalidState), "got %v", err)

	forged := reg
	forged.Manifest.Title = "forged"
	err = store.Write(ctx, remote, rival, document.KindPut, registry.TypeRegistration, reg.DerivedID(), forged)
	assert.True(t, errors.Is(err, errs.AccessDenied), "got %v", err)

	_, err = remote.Get(ctx, docid.RegistrationID(rival.Identity(), "lens://nothing"))
	assert.True(t, errors.Is(err, errs.NotFound))

	_, err = client.Collection("nope").List(ctx)
	assert.True(t, errors.Is(err, errs.NotFound))

	// Rejected submits leave no trace on the replica.
	head, err := remote.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head.Clock)
	assert.Equal(t, 1, rep.registry.Summary().Operations())
}

func TestRemoteRoleAdministration(t *testing.T) {
	ctx := context.Background()
	admin := key(t, 1)
	user := key(t, 2).Identity()
	rep := newReplica(t, admin.Identity())
	client := connect(t, serve(t, rep, nil))

	acl := rbac.NewService(client.Collection(rbac.StoreName), admin, nil)
	_, err := acl.CreateRole(ctx, "editor", []string{"write"})
	require.NoError(t, err)
	_, err = acl.CreateRole(ctx, "editor", []string{"write"})
	assert.True(t, errors.Is(err, errs.Conflict))
	require.NoError(t, acl.AssignRole(ctx, user, "editor"))

	resp, err := client.Can(ctx, user, "write")
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, []string{"write"}, resp.Permissions)

	resp, err = client.Can(ctx, user, "comment")
	require.NoError(t, err)
	assert.False(t, resp.Allowed)

	// Users without admin cannot administer roles remotely either.
	userKey := key(t, 2)
	_, err = rbac.NewService(client.Collection(rbac.StoreName), userKey, nil).CreateRole(ctx, "mine", []string{"*"})
	assert.True(t, errors.Is(err, errs.AccessDenied))
}

func TestGossipConverges(t *testing.T) {
	ctx := context.Background()
	admin := key(t, 1)
	a := newReplica(t, admin.Identity())
	b := newReplica(t, admin.Identity())

	acl := rbac.NewService(a.roles, admin, nil)
	_, err := acl.CreateRole(ctx, "publisher", []string{"publish"})
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		_, err := registry.NewService(a.registry, key(t, byte(10+i)), nil).
			Publish(ctx, fmt.Sprintf("lens://films/%d", i), registry.Manifest{Title: "t"})
		require.NoError(t, err)
	}

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	g := NewGossip(GossipConfig{
		Stores:    b.stores(),
		BatchSize: 2,
		Dial:      serve(t, a, nil),
		Metrics:   metrics,
	})
	g.AddPeer("films@alice.lens.local", "bufnet")
	g.Round(ctx)

	assert.Equal(t, a.registry.Search(nil), b.registry.Search(nil))
	assert.Equal(t, a.roles.Summary(), b.roles.Summary())
	require.Len(t, b.resolver.Roles(), 1)
	assert.Equal(t, "publisher", b.resolver.Roles()[0].Name)
	assert.Equal(t, float64(7), testutil.ToFloat64(metrics.OpsReceived.WithLabelValues(registry.StoreName, "applied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.GossipRounds))

	peers := g.HealthyPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, "films@alice.lens.local", peers[0].Site)
}

func TestGossipDropsInadmissibleOps(t *testing.T) {
	ctx := context.Background()
	admin := key(t, 1)
	rogue := key(t, 9)

	// The rogue replica names itself root and writes roles.
	lax := newReplica(t, rogue.Identity())
	strict := newReplica(t, admin.Identity())
	_, err := rbac.NewService(lax.roles, rogue, nil).CreateRole(ctx, "owner", []string{"*"})
	require.NoError(t, err)

	g := NewGossip(GossipConfig{Stores: strict.stores(), Dial: serve(t, lax, nil)})
	require.NoError(t, g.PullFrom(ctx, "bufnet"))

	assert.Equal(t, 0, strict.roles.Len())
	assert.Empty(t, strict.roles.Summary())
}

func TestSignerWritesThroughTwoReplicas(t *testing.T) {
	ctx := context.Background()
	admin := key(t, 1)
	owner := key(t, 2)
	a := newReplica(t, admin.Identity())
	b := newReplica(t, admin.Identity())
	toA := serve(t, a, nil)
	toB := serve(t, b, nil)

	// The same key publishes through each replica before they gossip,
	// so both operations carry clock 1.
	_, err := registry.NewService(connect(t, toA).Collection(registry.StoreName), owner, nil).
		Publish(ctx, "lens://films/a", registry.Manifest{Title: "A"})
	require.NoError(t, err)
	_, err = registry.NewService(connect(t, toB).Collection(registry.StoreName), owner, nil).
		Publish(ctx, "lens://films/b", registry.Manifest{Title: "B"})
	require.NoError(t, err)

	pullA := NewGossip(GossipConfig{Stores: a.stores(), Dial: toB})
	pullB := NewGossip(GossipConfig{Stores: b.stores(), Dial: toA})
	require.NoError(t, pullA.PullFrom(ctx, "bufnet"))
	require.NoError(t, pullB.PullFrom(ctx, "bufnet"))

	assert.Equal(t, 2, a.registry.Len())
	assert.Equal(t, a.registry.Search(nil), b.registry.Search(nil))
	assert.Equal(t, a.registry.Summary(), b.registry.Summary())
}

func TestFailureDetector(t *testing.T) {
	ctx := context.Background()
	rep := newReplica(t, key(t, 1).Identity())
	g := NewGossip(GossipConfig{
		Stores: rep.stores(),
		Period: time.Second,
		Dial: func(endpoint string) (*Client, error) {
			return nil, fmt.Errorf("connection refused")
		},
	})
	g.AddPeer("music@bob.lens.local", "bob:7400")

	assert.Error(t, g.PullFrom(ctx, "bob:7400"))
	peers := g.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, PeerSuspected, peers[0].Status)
	assert.Equal(t, 1, peers[0].Failures)

	g.detectFailures(time.Now().Add(time.Minute))
	assert.Equal(t, PeerDead, g.Peers()[0].Status)
	assert.Empty(t, g.HealthyPeers())

	// Dead peers are still retried, one per round.
	g.mu.RLock()
	selected := g.selectGossipPeers()
	g.mu.RUnlock()
	assert.Equal(t, []string{"bob:7400"}, selected)

	g.RemovePeer("bob:7400")
	assert.Empty(t, g.Peers())
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	admin := key(t, 1)
	rep := newReplica(t, admin.Identity())
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	client := connect(t, serve(t, rep, metrics))

	_, err := registry.NewService(rep.registry, admin, nil).Publish(ctx, "lens://a", registry.Manifest{Title: "A"})
	require.NoError(t, err)

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "films@alice.lens.local", st.Site)
	assert.Equal(t, admin.Identity(), st.Identity)
	require.Len(t, st.Stores, 2)
	assert.Equal(t, rbac.StoreName, st.Stores[0].Name)
	assert.Equal(t, registry.StoreName, st.Stores[1].Name)
	assert.Equal(t, 1, st.Stores[1].Documents)
	require.Len(t, st.Stores[1].Summary, 1)
	assert.Equal(t, admin.Identity(), st.Stores[1].Summary[0].Signer)
	assert.Equal(t, 1, st.Stores[1].Summary[0].Count)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RPCs.WithLabelValues(fullMethod("Status"), "OK")))
}
