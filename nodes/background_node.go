package nodes

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/najoast/noderoute/api"
	"github.com/najoast/noderoute/core"
	"github.com/najoast/noderoute/network"
)

// BackgroundNode sends requests to the node manager of a node started on
// the same machine.
//
// Every Ask, Tell or MakeClient call opens a fresh connection, and the
// connection stays registered on both nodes, with its socket open, until
// the connector closes it. The handle never closes connections itself. A
// long-lived handle therefore accumulates one connection worker per call:
// Close it, and every other handle of the same transport, to release them.
type BackgroundNode struct {
	node       *core.Node
	nodes      NodeLookup
	connector  network.Connector
	nodeName   string
	to         core.Route
	timeout    time.Duration
	clientOpts []api.ClientOption
	logger     *zap.Logger
}

// BackgroundNodeOption configures a BackgroundNode.
type BackgroundNodeOption func(*BackgroundNode)

// WithClientOptions adds options applied to every client the handle makes.
func WithClientOptions(opts ...api.ClientOption) BackgroundNodeOption {
	return func(b *BackgroundNode) {
		b.clientOpts = append(b.clientOpts, opts...)
	}
}

// Create returns a handle to the named node. It fails with
// state.ErrNoSuchNode, before connecting anywhere, when the node is unknown.
// The handle holds its own clone of connector.
func Create(node *core.Node, nodes NodeLookup, connector network.Connector, name string, opts ...BackgroundNodeOption) (*BackgroundNode, error) {
	if _, err := nodes.Node(name); err != nil {
		return nil, err
	}

	b := &BackgroundNode{
		node:      node,
		nodes:     nodes,
		connector: connector.Clone(),
		nodeName:  name,
		to:        core.NewRoute(NodeManagerAddress),
		logger:    node.Logger().Named("background_node"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// SetNodeName points the handle at another node.
func (b *BackgroundNode) SetNodeName(name string) *BackgroundNode {
	b.nodeName = name
	return b
}

// SetTimeout sets the timeout used by clients made from this handle.
func (b *BackgroundNode) SetTimeout(d time.Duration) *BackgroundNode {
	b.timeout = d
	return b
}

// NodeName returns the name of the target node.
func (b *BackgroundNode) NodeName() string {
	return b.nodeName
}

// Timeout returns the configured timeout, zero when the client default
// applies.
func (b *BackgroundNode) Timeout() time.Duration {
	return b.timeout
}

// CreateRoute connects to the node and returns the route to its node
// manager.
func (b *BackgroundNode) CreateRoute(ctx context.Context) (core.Route, error) {
	route, err := BuildRoute(ctx, b.to, b.nodes, b.connector, b.nodeName)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("Sending requests", zap.String("node", b.nodeName), zap.Stringer("route", route))
	return route, nil
}

// MakeClient makes a client connected to the node using the handle's
// timeout.
func (b *BackgroundNode) MakeClient(ctx context.Context) (*api.Client, error) {
	return b.MakeClientWithTimeout(ctx, b.timeout)
}

// MakeClientWithTimeout makes a client connected to the node. A zero
// timeout keeps the client default.
func (b *BackgroundNode) MakeClientWithTimeout(ctx context.Context, timeout time.Duration) (*api.Client, error) {
	route, err := b.CreateRoute(ctx)
	if err != nil {
		return nil, err
	}

	opts := append([]api.ClientOption{}, b.clientOpts...)
	if timeout > 0 {
		opts = append(opts, api.WithTimeout(timeout))
	}
	return api.NewClient(b.node, route, opts...), nil
}

// Ask sends req and decodes a successful reply. A failure status is
// returned as a *api.RemoteFailure.
func Ask[R any](ctx context.Context, b *BackgroundNode, req *api.Request) (R, error) {
	reply, err := AskAndGetReply[R](ctx, b, req)
	if err != nil {
		var zero R
		return zero, err
	}
	return reply.Success()
}

// AskWithTimeout is Ask with a per-call timeout.
func AskWithTimeout[R any](ctx context.Context, b *BackgroundNode, req *api.Request, timeout time.Duration) (R, error) {
	var zero R

	client, err := b.MakeClientWithTimeout(ctx, timeout)
	if err != nil {
		return zero, err
	}
	reply, err := api.Ask[R](ctx, client, req)
	if err != nil {
		return zero, err
	}
	return reply.Success()
}

// AskAndGetReply sends req and returns the reply without interpreting its
// status. Errors are limited to sending, timeouts and decoding.
func AskAndGetReply[R any](ctx context.Context, b *BackgroundNode, req *api.Request) (api.Reply[R], error) {
	client, err := b.MakeClient(ctx)
	if err != nil {
		return api.Reply[R]{}, err
	}
	return api.Ask[R](ctx, client, req)
}

// Tell sends req without decoding the response body.
func (b *BackgroundNode) Tell(ctx context.Context, req *api.Request) error {
	client, err := b.MakeClient(ctx)
	if err != nil {
		return err
	}
	return client.Tell(ctx, req)
}

// Close releases the handle's connector clone. The connections it opened
// close once the last handle of the transport is closed.
func (b *BackgroundNode) Close() error {
	return b.connector.Close()
}
