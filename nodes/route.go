// Package nodes reaches nodes running on the local machine: it turns a
// persisted node name into a route through a fresh transport connection and
// serves the node manager worker those routes end at.
package nodes

import (
	"context"
	"net"

	"github.com/najoast/noderoute/core"
	"github.com/najoast/noderoute/network"
	"github.com/najoast/noderoute/state"
)

// NodeManagerAddress is the well-known address of the node manager worker.
const NodeManagerAddress core.Address = "_internal.nodemanager"

// NodeLookup returns the persisted descriptor of a node.
type NodeLookup interface {
	Node(name string) (state.NodeConfig, error)
}

// BuildRoute connects to the API listener of the named node and returns
// base prefixed with the connection's sender address.
//
// It fails with state.ErrNoSuchNode when the node is unknown and with
// state.ErrMissingTransportConfig when the node has no API listener, in
// both cases before any connection attempt. Connection failures match
// network.ErrConnection.
func BuildRoute(ctx context.Context, base core.Route, lookup NodeLookup, connector network.Connector, name string) (core.Route, error) {
	cfg, err := lookup.Node(name)
	if err != nil {
		return nil, err
	}
	port, err := cfg.APIPort()
	if err != nil {
		return nil, err
	}

	conn, err := connector.Connect(ctx, net.JoinHostPort("localhost", port))
	if err != nil {
		return nil, err
	}
	return base.Modify().Prepend(conn.SenderAddress()).Build(), nil
}
