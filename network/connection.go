package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/najoast/noderoute/core"
)

// frameConn is the socket beneath a connection worker. WriteFrame is only
// called from the send loop and ReadFrame only from the read loop.
type frameConn interface {
	WriteFrame(data []byte) error
	ReadFrame() (*core.Message, error)
	RemoteEndpoint() string
	Close() error
}

// connection is the worker bound to one socket. Messages routed to its
// address are written to the peer; frames read from the peer are handed
// to the local node with the connection prepended to their return route.
type connection struct {
	address   core.Address
	transport *transport
	fc        frameConn
	inbound   bool
	logger    *zap.Logger

	state     int32 // ConnectionState
	sendChan  chan []byte
	quit      chan struct{}
	closeOnce sync.Once

	// Statistics
	framesRead    int64
	framesWritten int64
	bytesRead     int64
	bytesWritten  int64
	lastActivity  int64 // Unix nanoseconds
}

func newConnection(t *transport, fc frameConn, inbound bool) *connection {
	addr := core.Address(fmt.Sprintf("%s.conn.%s", t.kind, uuid.NewString()))
	return &connection{
		address:   addr,
		transport: t,
		fc:        fc,
		inbound:   inbound,
		logger: t.logger.With(
			zap.Stringer("connection", addr),
			zap.String("remote", fc.RemoteEndpoint()),
			zap.Bool("inbound", inbound)),
		state:        int32(ConnectionStateConnected),
		sendChan:     make(chan []byte, t.cfg.SendQueueSize),
		quit:         make(chan struct{}),
		lastActivity: time.Now().UnixNano(),
	}
}

// SenderAddress returns the worker address that writes to the peer.
func (c *connection) SenderAddress() core.Address {
	return c.address
}

// RemoteEndpoint returns the remote network address.
func (c *connection) RemoteEndpoint() string {
	return c.fc.RemoteEndpoint()
}

// State returns the current connection state.
func (c *connection) State() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

// HandleMessage frames msg without this hop and queues it for the peer.
func (c *connection) HandleMessage(_ *core.Context, msg *core.Message) error {
	if c.State() == ConnectionStateClosed {
		return &TransportError{Kind: KindClosed, Op: "write", Endpoint: c.RemoteEndpoint(), Err: ErrTransportClosed}
	}

	onward, err := msg.OnwardRoute.Step()
	if err != nil {
		return err
	}
	out := *msg
	out.OnwardRoute = onward

	data, err := c.transport.codec.Encode(&out)
	if err != nil {
		c.transport.metrics.RecordTransportError(string(c.transport.kind), KindOf(err).String())
		return err
	}

	select {
	case c.sendChan <- data:
		return nil
	case <-c.quit:
		return &TransportError{Kind: KindClosed, Op: "write", Endpoint: c.RemoteEndpoint(), Err: ErrTransportClosed}
	default:
		c.transport.metrics.RecordTransportError(string(c.transport.kind), KindCapacity.String())
		return &TransportError{Kind: KindCapacity, Op: "write", Endpoint: c.RemoteEndpoint(), Err: ErrSendQueueFull}
	}
}

// Finalize closes the socket when the worker is stopped through the node.
func (c *connection) Finalize(*core.Context) error {
	return c.Close()
}

// Close unbinds the worker and closes the socket.
func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(ConnectionStateClosed))
		close(c.quit)

		if cerr := c.fc.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		if serr := c.transport.node.StopWorker(c.address); serr != nil &&
			!core.IsNoSuchAddress(serr) && !errors.Is(serr, core.ErrRouterShutdown) {
			err = serr
		}

		c.transport.remove(c)
		c.logger.Debug("Connection closed")
	})
	return err
}

// Stats returns current statistics for this connection.
func (c *connection) Stats() ConnectionStatistics {
	return ConnectionStatistics{
		Address:        c.address,
		Transport:      c.transport.kind,
		RemoteEndpoint: c.RemoteEndpoint(),
		Inbound:        c.inbound,
		State:          c.State(),
		FramesRead:     atomic.LoadInt64(&c.framesRead),
		FramesWritten:  atomic.LoadInt64(&c.framesWritten),
		BytesRead:      atomic.LoadInt64(&c.bytesRead),
		BytesWritten:   atomic.LoadInt64(&c.bytesWritten),
		LastActivity:   time.Unix(0, atomic.LoadInt64(&c.lastActivity)),
	}
}

// sendLoop writes queued frames in order.
func (c *connection) sendLoop() {
	for {
		select {
		case data := <-c.sendChan:
			if err := c.fc.WriteFrame(data); err != nil {
				c.fail("write", err)
				return
			}
			atomic.AddInt64(&c.framesWritten, 1)
			atomic.AddInt64(&c.bytesWritten, int64(len(data)))
			c.updateActivity()
			c.transport.metrics.RecordFrame(string(c.transport.kind), "out")

		case <-c.quit:
			return
		}
	}
}

// readLoop delivers frames from the peer until the socket fails.
func (c *connection) readLoop() {
	for {
		msg, err := c.fc.ReadFrame()
		if err != nil {
			c.fail("read", err)
			return
		}

		atomic.AddInt64(&c.framesRead, 1)
		atomic.AddInt64(&c.bytesRead, int64(len(msg.Payload)))
		c.updateActivity()
		c.transport.metrics.RecordFrame(string(c.transport.kind), "in")

		msg.ReturnRoute = msg.ReturnRoute.Prepend(c.address)
		if err := c.transport.node.Send(msg); err != nil {
			c.logger.Debug("Dropping inbound message",
				zap.Stringer("onward", msg.OnwardRoute), zap.Error(err))
		}
	}
}

// fail closes the connection after a socket error. Errors seen after a
// local close are expected and not reported.
func (c *connection) fail(op string, err error) {
	if c.State() == ConnectionStateClosed {
		return
	}

	kind := KindOf(err)
	if kind == KindClosed {
		c.logger.Debug("Peer closed connection", zap.String("op", op))
	} else {
		c.logger.Warn("Connection failed", zap.String("op", op), zap.Error(err))
		c.transport.metrics.RecordTransportError(string(c.transport.kind), kind.String())
	}

	if cerr := c.Close(); cerr != nil {
		c.logger.Debug("Closing failed connection", zap.Error(cerr))
	}
}

func (c *connection) updateActivity() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}
