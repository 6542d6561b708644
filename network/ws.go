package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/najoast/noderoute/core"
)

// wsPath is the HTTP path the WebSocket endpoint is served on.
const wsPath = "/"

// closeGracePeriod bounds the close handshake write.
const closeGracePeriod = time.Second

// NewWSTransport creates a transport carrying one frame per binary
// WebSocket message.
func NewWSTransport(node *core.Node, opts ...TransportOption) *Transport {
	return newTransport(TransportWebSocket, node, func(cfg Config, codec *FrameCodec) driver {
		return &wsDriver{cfg: cfg, codec: codec}
	}, opts...)
}

type wsDriver struct {
	cfg   Config
	codec *FrameCodec
}

func (d *wsDriver) dial(ctx context.Context, endpoint string) (frameConn, error) {
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return nil, &TransportError{Kind: KindInvalidAddress, Op: "connect", Endpoint: endpoint, Err: err}
	}
	u := url.URL{Scheme: "ws", Host: endpoint, Path: wsPath}

	netDialer := &net.Dialer{Timeout: d.cfg.DialTimeout}
	if d.cfg.KeepAlive {
		netDialer.KeepAlive = d.cfg.KeepAliveInterval
	}
	dialer := websocket.Dialer{
		NetDialContext:   netDialer.DialContext,
		HandshakeTimeout: d.cfg.DialTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			err = fmt.Errorf("%w: status %s", err, resp.Status)
		}
		return nil, classifyWSError("connect", endpoint, err)
	}
	return newWSFrameConn(conn, d.cfg, d.codec), nil
}

func (d *wsDriver) listen(ctx context.Context, address string, accept func(frameConn)) (server, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, classifyNetError("listen", address, err)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, func(w http.ResponseWriter, r *http.Request) {
		// Upgrade replies with an HTTP error on failure.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accept(newWSFrameConn(conn, d.cfg, d.codec))
	})

	return &wsServer{
		listener: ln,
		http: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: d.cfg.DialTimeout,
		},
	}, nil
}

// wsServer serves WebSocket upgrades on one listener.
type wsServer struct {
	listener net.Listener
	http     *http.Server
}

func (s *wsServer) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *wsServer) Serve() error {
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops accepting upgrades. Upgraded connections are hijacked and
// closed by the transport.
func (s *wsServer) Close() error {
	return s.http.Close()
}

// wsFrameConn carries one frame per binary message.
type wsFrameConn struct {
	conn         *websocket.Conn
	codec        *FrameCodec
	remote       string
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newWSFrameConn(conn *websocket.Conn, cfg Config, codec *FrameCodec) *wsFrameConn {
	conn.SetReadLimit(int64(codec.MaxFrameSize()))
	return &wsFrameConn{
		conn:         conn,
		codec:        codec,
		remote:       conn.RemoteAddr().String(),
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

func (c *wsFrameConn) RemoteEndpoint() string {
	return c.remote
}

func (c *wsFrameConn) WriteFrame(data []byte) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return classifyWSError("write", c.remote, err)
		}
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return classifyWSError("write", c.remote, err)
	}
	return nil
}

func (c *wsFrameConn) ReadFrame() (*core.Message, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, classifyWSError("read", c.remote, err)
		}
	}

	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, classifyWSError("read", c.remote, err)
	}
	if mt != websocket.BinaryMessage {
		return nil, &TransportError{Kind: KindProtocol, Op: "read", Endpoint: c.remote,
			Err: fmt.Errorf("unexpected message type %d", mt)}
	}

	msg, err := c.codec.Decode(data)
	if err != nil {
		return nil, classifyWSError("read", c.remote, err)
	}
	return msg, nil
}

// Close sends a close frame, then closes the socket.
func (c *wsFrameConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))
	return c.conn.Close()
}
