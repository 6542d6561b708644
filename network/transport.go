package network

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/noderoute/core"
	"github.com/najoast/noderoute/metrics"
)

// driver is the transport specific part: how to dial and how to accept.
type driver interface {
	dial(ctx context.Context, endpoint string) (frameConn, error)
	listen(ctx context.Context, address string, accept func(frameConn)) (server, error)
}

// server is a bound listener serving until closed.
type server interface {
	Addr() net.Addr
	Serve() error
	Close() error
}

// transport is the state shared by every handle of one transport.
type transport struct {
	kind    TransportKind
	node    *core.Node
	cfg     Config
	codec   *FrameCodec
	driver  driver
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	refs    int
	closed  bool
	conns   map[core.Address]*connection
	servers []server
	inbound int

	// Wait group for read, send and accept loops
	wg sync.WaitGroup
}

// TransportOption configures a transport.
type TransportOption func(*transport)

// WithConfig sets the transport configuration.
func WithConfig(cfg Config) TransportOption {
	return func(t *transport) {
		t.cfg = cfg
	}
}

// WithTransportLogger sets the transport logger.
func WithTransportLogger(logger *zap.Logger) TransportOption {
	return func(t *transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTransportMetrics sets the collectors updated by the transport.
func WithTransportMetrics(m *metrics.Metrics) TransportOption {
	return func(t *transport) {
		t.metrics = m
	}
}

// Transport is a reference counted handle to a transport bound to a node.
// It implements Connector and Listener.
type Transport struct {
	shared *transport
	closed int32
}

func newTransport(kind TransportKind, node *core.Node, newDriver func(Config, *FrameCodec) driver, opts ...TransportOption) *Transport {
	t := &transport{
		kind:    kind,
		node:    node,
		cfg:     DefaultConfig(),
		logger:  node.Logger(),
		metrics: node.Metrics(),
		refs:    1,
		conns:   make(map[core.Address]*connection),
	}
	for _, opt := range opts {
		opt(t)
	}

	defaults := DefaultConfig()
	if t.cfg.SendQueueSize <= 0 {
		t.cfg.SendQueueSize = defaults.SendQueueSize
	}
	if t.cfg.DialTimeout <= 0 {
		t.cfg.DialTimeout = defaults.DialTimeout
	}

	t.logger = t.logger.Named("transport").With(zap.String("transport", string(kind)))
	t.codec = NewFrameCodec(t.cfg.MaxFrameSize)
	t.driver = newDriver(t.cfg, t.codec)

	return &Transport{shared: t}
}

// New creates a transport of the given kind.
func New(kind TransportKind, node *core.Node, opts ...TransportOption) (*Transport, error) {
	switch kind {
	case TransportTCP:
		return NewTCPTransport(node, opts...), nil
	case TransportWebSocket:
		return NewWSTransport(node, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Kind returns the transport kind.
func (t *Transport) Kind() TransportKind {
	return t.shared.kind
}

// Connect dials endpoint and registers a connection worker for it.
func (t *Transport) Connect(ctx context.Context, endpoint string) (Connection, error) {
	if atomic.LoadInt32(&t.closed) != 0 {
		return nil, &TransportError{Kind: KindClosed, Op: "connect", Endpoint: endpoint, Err: ErrTransportClosed}
	}
	return t.shared.connect(ctx, endpoint)
}

// Listen starts accepting connections on address.
func (t *Transport) Listen(ctx context.Context, address string) (net.Addr, error) {
	if atomic.LoadInt32(&t.closed) != 0 {
		return nil, &TransportError{Kind: KindClosed, Op: "listen", Endpoint: address, Err: ErrTransportClosed}
	}
	return t.shared.listen(ctx, address)
}

// Clone returns a new handle to the same transport.
func (t *Transport) Clone() Connector {
	t.shared.mu.Lock()
	t.shared.refs++
	t.shared.mu.Unlock()
	return &Transport{shared: t.shared}
}

// Close releases this handle. The last handle closes every listener and
// connection of the transport.
func (t *Transport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}

	t.shared.mu.Lock()
	t.shared.refs--
	last := t.shared.refs == 0
	t.shared.mu.Unlock()

	if !last {
		return nil
	}
	return t.shared.shutdown()
}

// Connections returns statistics for every open connection, ordered by
// address.
func (t *Transport) Connections() []ConnectionStatistics {
	t.shared.mu.Lock()
	conns := make([]*connection, 0, len(t.shared.conns))
	for _, c := range t.shared.conns {
		conns = append(conns, c)
	}
	t.shared.mu.Unlock()

	stats := make([]ConnectionStatistics, 0, len(conns))
	for _, c := range conns {
		stats = append(stats, c.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Address < stats[j].Address })
	return stats
}

func (t *transport) connect(ctx context.Context, endpoint string) (Connection, error) {
	dctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	fc, err := t.driver.dial(dctx, endpoint)
	if err != nil {
		t.metrics.RecordTransportError(string(t.kind), KindOf(err).String())
		return nil, err
	}

	c, err := t.start(fc, false)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("Connected", zap.String("endpoint", endpoint), zap.Stringer("address", c.address))
	return c, nil
}

func (t *transport) listen(ctx context.Context, address string) (net.Addr, error) {
	srv, err := t.driver.listen(ctx, address, t.accept)
	if err != nil {
		t.metrics.RecordTransportError(string(t.kind), KindOf(err).String())
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = srv.Close()
		return nil, &TransportError{Kind: KindClosed, Op: "listen", Endpoint: address, Err: ErrTransportClosed}
	}
	t.servers = append(t.servers, srv)
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		if err := srv.Serve(); err != nil {
			t.logger.Warn("Listener stopped", zap.Stringer("address", srv.Addr()), zap.Error(err))
		}
	}()

	t.logger.Info("Listening", zap.Stringer("address", srv.Addr()))
	return srv.Addr(), nil
}

// accept turns an inbound socket into a connection worker. WebSocket
// upgrades call it from concurrent handler goroutines.
func (t *transport) accept(fc frameConn) {
	_, err := t.start(fc, true)
	switch {
	case err == nil:
	case KindOf(err) == KindCapacity:
		t.logger.Warn("Connection limit reached, rejecting connection",
			zap.Int("max_connections", t.cfg.MaxConnections),
			zap.String("remote", fc.RemoteEndpoint()))
		t.metrics.RecordTransportError(string(t.kind), KindCapacity.String())
	default:
		t.logger.Warn("Failed to start inbound connection", zap.Error(err))
	}
}

// start registers the connection worker and its socket loops. The inbound
// limit is checked and the slot taken under the same lock.
func (t *transport) start(fc frameConn, inbound bool) (*connection, error) {
	c := newConnection(t, fc, inbound)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = fc.Close()
		return nil, &TransportError{Kind: KindClosed, Op: "start", Endpoint: fc.RemoteEndpoint(), Err: ErrTransportClosed}
	}
	if inbound && t.cfg.MaxConnections > 0 && t.inbound >= t.cfg.MaxConnections {
		t.mu.Unlock()
		_ = fc.Close()
		return nil, &TransportError{Kind: KindCapacity, Op: "accept", Endpoint: fc.RemoteEndpoint(),
			Err: fmt.Errorf("%d inbound connections", t.cfg.MaxConnections)}
	}
	t.conns[c.address] = c
	if inbound {
		t.inbound++
	}
	t.wg.Add(2)
	t.mu.Unlock()

	if err := t.node.StartWorker(core.NewAddressSet(c.address), c); err != nil {
		t.wg.Add(-2)
		t.remove(c)
		_ = fc.Close()
		return nil, fmt.Errorf("register connection worker: %w", err)
	}
	t.metrics.ConnectionOpened(string(t.kind))

	go func() {
		defer t.wg.Done()
		c.sendLoop()
	}()
	go func() {
		defer t.wg.Done()
		c.readLoop()
	}()

	return c, nil
}

// remove forgets a closed connection.
func (t *transport) remove(c *connection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[c.address]; !ok {
		return
	}
	delete(t.conns, c.address)
	if c.inbound {
		t.inbound--
	}
	if c.State() == ConnectionStateClosed {
		t.metrics.ConnectionClosed(string(t.kind))
	}
}

// shutdown closes listeners, then every connection, and waits for the
// socket loops to exit.
func (t *transport) shutdown() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	servers := t.servers
	t.servers = nil
	conns := make([]*connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	var errs error
	for _, srv := range servers {
		errs = multierr.Append(errs, srv.Close())
	}

	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(c.Close)
	}
	errs = multierr.Append(errs, g.Wait())

	t.wg.Wait()
	t.logger.Debug("Transport stopped", zap.Int("connections", len(conns)))
	return errs
}
