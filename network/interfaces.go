// Package network exposes network connections as local worker addresses.
// A connection worker forwards messages routed through it to the remote
// node and feeds frames read from the remote node back into the local one.
package network

import (
	"context"
	"net"
	"time"

	"github.com/najoast/noderoute/core"
)

// TransportKind names a transport implementation.
type TransportKind string

const (
	TransportTCP       TransportKind = "tcp"
	TransportWebSocket TransportKind = "ws"
)

// ConnectionState is Connected until the socket fails or is closed.
type ConnectionState int32

const (
	ConnectionStateConnected ConnectionState = iota
	ConnectionStateClosed
)

func (cs ConnectionState) String() string {
	switch cs {
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is an established connection. Messages sent to
// SenderAddress inside the node are written to the remote side.
type Connection interface {
	SenderAddress() core.Address
	RemoteEndpoint() string
	State() ConnectionState

	// Close unbinds SenderAddress, then closes the socket.
	Close() error
}

// Connector dials other nodes.
type Connector interface {
	Connect(ctx context.Context, endpoint string) (Connection, error)

	// Clone returns a handle on the same transport. Connections stay open
	// until every handle is closed.
	Clone() Connector
	Close() error
}

// Listener accepts connections from other nodes.
type Listener interface {
	// Listen returns the bound address, which differs from address when
	// the port is 0.
	Listen(ctx context.Context, address string) (net.Addr, error)
}

// Config tunes a transport. Zero ReadTimeout never expires a read.
type Config struct {
	DialTimeout       time.Duration // dial plus handshake
	ReadTimeout       time.Duration // per frame
	WriteTimeout      time.Duration // per frame
	KeepAlive         bool
	KeepAliveInterval time.Duration
	MaxConnections    int // inbound
	MaxFrameSize      int // bytes
	SendQueueSize     int // frames, per connection
}

// DefaultConfig matches the defaults of the node configuration.
func DefaultConfig() Config {
	return Config{
		DialTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		KeepAlive:         true,
		KeepAliveInterval: 60 * time.Second,
		MaxConnections:    1000,
		MaxFrameSize:      DefaultMaxFrameSize,
		SendQueueSize:     256,
	}
}

// ConnectionStatistics is a snapshot of one connection.
type ConnectionStatistics struct {
	Address        core.Address    `json:"address"`
	Transport      TransportKind   `json:"transport"`
	RemoteEndpoint string          `json:"remote_endpoint"`
	Inbound        bool            `json:"inbound"`
	State          ConnectionState `json:"state"`
	FramesRead     int64           `json:"frames_read"`
	FramesWritten  int64           `json:"frames_written"`
	BytesRead      int64           `json:"bytes_read"`
	BytesWritten   int64           `json:"bytes_written"`
	LastActivity   time.Time       `json:"last_activity"`
}
