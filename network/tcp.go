package network

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/najoast/noderoute/core"
)

// NewTCPTransport creates a transport speaking length-delimited frames over
// plain TCP.
func NewTCPTransport(node *core.Node, opts ...TransportOption) *Transport {
	return newTransport(TransportTCP, node, func(cfg Config, codec *FrameCodec) driver {
		return &tcpDriver{cfg: cfg, codec: codec}
	}, opts...)
}

type tcpDriver struct {
	cfg   Config
	codec *FrameCodec
}

func (d *tcpDriver) dial(ctx context.Context, endpoint string) (frameConn, error) {
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return nil, &TransportError{Kind: KindInvalidAddress, Op: "connect", Endpoint: endpoint, Err: err}
	}

	dialer := net.Dialer{Timeout: d.cfg.DialTimeout}
	if d.cfg.KeepAlive {
		dialer.KeepAlive = d.cfg.KeepAliveInterval
	} else {
		dialer.KeepAlive = -1
	}

	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, classifyNetError("connect", endpoint, err)
	}
	return newTCPFrameConn(conn, d.cfg, d.codec), nil
}

func (d *tcpDriver) listen(ctx context.Context, address string, accept func(frameConn)) (server, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, classifyNetError("listen", address, err)
	}
	return &tcpServer{listener: ln, driver: d, accept: accept}, nil
}

// tcpServer runs the accept loop of one listener.
type tcpServer struct {
	listener net.Listener
	driver   *tcpDriver
	accept   func(frameConn)
	closed   int32
}

func (s *tcpServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until Close.
func (s *tcpServer) Serve() error {
	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) != 0 || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Temporary failures such as EMFILE; retry with backoff.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		// Configure TCP connection
		if tcpConn, ok := conn.(*net.TCPConn); ok && s.driver.cfg.KeepAlive {
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(s.driver.cfg.KeepAliveInterval)
		}

		s.accept(newTCPFrameConn(conn, s.driver.cfg, s.driver.codec))
	}
}

func (s *tcpServer) Close() error {
	atomic.StoreInt32(&s.closed, 1)
	return s.listener.Close()
}

// tcpFrameConn reads and writes frames on a stream socket.
type tcpFrameConn struct {
	conn         net.Conn
	codec        *FrameCodec
	remote       string
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newTCPFrameConn(conn net.Conn, cfg Config, codec *FrameCodec) *tcpFrameConn {
	return &tcpFrameConn{
		conn:         conn,
		codec:        codec,
		remote:       conn.RemoteAddr().String(),
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

func (c *tcpFrameConn) RemoteEndpoint() string {
	return c.remote
}

func (c *tcpFrameConn) WriteFrame(data []byte) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return classifyNetError("write", c.remote, err)
		}
	}
	if _, err := c.conn.Write(data); err != nil {
		return classifyNetError("write", c.remote, err)
	}
	return nil
}

func (c *tcpFrameConn) ReadFrame() (*core.Message, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, classifyNetError("read", c.remote, err)
		}
	}
	msg, err := c.codec.ReadFrame(c.conn)
	if err != nil {
		return nil, classifyNetError("read", c.remote, err)
	}
	return msg, nil
}

func (c *tcpFrameConn) Close() error {
	return c.conn.Close()
}
