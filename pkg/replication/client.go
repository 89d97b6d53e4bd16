package replication

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"lens/pkg/document"
	"lens/pkg/errs"
	"lens/pkg/identity"
	"lens/pkg/store"
)

// Client calls a replica's replication service. Errors carrying a
// replication status are converted back to errs codes.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a replica at endpoint (host:port). Extra options are
// appended to the defaults, which select the CBOR codec and plaintext
// transport.
func Dial(endpoint string, opts ...grpc.DialOption) (*Client, error) {
	defaults := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	conn, err := grpc.NewClient(endpoint, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", endpoint, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.conn.Invoke(ctx, fullMethod(method), req, resp, grpc.CallContentSubtype(CodecName))
	return errs.FromGRPC(err)
}

// Exchange fetches the operations of storeName a store with summary is
// missing.
func (c *Client) Exchange(ctx context.Context, storeName string, summary store.Summary, known []string, limit int) (store.Batch, error) {
	resp := new(ExchangeResponse)
	req := &ExchangeRequest{Store: storeName, Summary: summary, Known: known, Limit: limit}
	if err := c.invoke(ctx, "Exchange", req, resp); err != nil {
		return store.Batch{}, err
	}
	return store.Batch{Ops: resp.Ops, Diverged: resp.Diverged, More: resp.More}, nil
}

// Source serves storeName on the replica to store.PullFrom. A positive
// timeout bounds each Exchange.
func (c *Client) Source(storeName string, timeout time.Duration) store.Source {
	return remoteSource{client: c, name: storeName, timeout: timeout}
}

type remoteSource struct {
	client  *Client
	name    string
	timeout time.Duration
}

func (r remoteSource) Missing(ctx context.Context, summary store.Summary, known []string, limit int) (store.Batch, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.client.Exchange(ctx, r.name, summary, known, limit)
}

// Submit commits a signed operation on the replica.
func (c *Client) Submit(ctx context.Context, op *document.Operation) (string, error) {
	resp := new(SubmitResponse)
	if err := c.invoke(ctx, "Submit", &SubmitRequest{Op: op}, resp); err != nil {
		return "", err
	}
	return resp.Hash, nil
}

// Head returns the replica clock of storeName.
func (c *Client) Head(ctx context.Context, storeName string) (store.Head, error) {
	resp := new(HeadResponse)
	if err := c.invoke(ctx, "Head", &HeadRequest{Store: storeName}, resp); err != nil {
		return store.Head{}, err
	}
	return resp.Head, nil
}

// Get fetches one visible document.
func (c *Client) Get(ctx context.Context, storeName, id string) (document.Document, error) {
	resp := new(GetResponse)
	if err := c.invoke(ctx, "Get", &GetRequest{Store: storeName, ID: id}, resp); err != nil {
		return document.Document{}, err
	}
	return resp.Document, nil
}

// List fetches every visible document of storeName, ordered by id.
func (c *Client) List(ctx context.Context, storeName string) ([]document.Document, error) {
	resp := new(ListResponse)
	if err := c.invoke(ctx, "List", &ListRequest{Store: storeName}, resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// Can asks whether who holds permission on the replica.
func (c *Client) Can(ctx context.Context, who identity.Identity, permission string) (*CanResponse, error) {
	resp := new(CanResponse)
	if err := c.invoke(ctx, "Can", &CanRequest{Identity: who, Permission: permission}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Status describes the replica.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	resp := new(StatusResponse)
	if err := c.invoke(ctx, "Status", &StatusRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Collection returns a store.Collection backed by storeName on the replica.
func (c *Client) Collection(storeName string) *RemoteCollection {
	return &RemoteCollection{client: c, name: storeName}
}

// RemoteCollection lets the rbac, registry and federation services run
// against a replica over RPC.
type RemoteCollection struct {
	client *Client
	name   string
}

var _ store.Collection = (*RemoteCollection)(nil)

func (r *RemoteCollection) Name() string {
	return r.name
}

func (r *RemoteCollection) Get(ctx context.Context, id string) (document.Document, error) {
	return r.client.Get(ctx, r.name, id)
}

func (r *RemoteCollection) List(ctx context.Context) ([]document.Document, error) {
	return r.client.List(ctx, r.name)
}

func (r *RemoteCollection) Head(ctx context.Context) (store.Head, error) {
	return r.client.Head(ctx, r.name)
}

func (r *RemoteCollection) Commit(ctx context.Context, op *document.Operation) error {
	_, err := r.client.Submit(ctx, op)
	return err
}
