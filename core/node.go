package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/najoast/noderoute/metrics"
)

// Node hosts workers behind one Router and dispatches messages between
// them. The Router is owned by the Node and lives exactly as long as it.
type Node struct {
	name    string
	router  *Router
	logger  *zap.Logger
	metrics *metrics.Metrics

	workerOpts WorkerOptions
	routerOpts []RouterOption
	startedAt  time.Time

	// Shutdown context shared by every worker goroutine
	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add in StartWorker before the wg.Wait in Shutdown:
	// once stopping is set no goroutine is added.
	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// NodeOption configures a Node.
type NodeOption func(*Node)

// WithName sets the node name reported to management clients.
func WithName(name string) NodeOption {
	return func(n *Node) {
		n.name = name
	}
}

// WithLogger sets the node logger. Workers and the router derive named
// loggers from it.
func WithLogger(logger *zap.Logger) NodeOption {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithMetrics sets the collectors updated by the node and its router.
func WithMetrics(m *metrics.Metrics) NodeOption {
	return func(n *Node) {
		n.metrics = m
	}
}

// WithWorkerDefaults sets the options applied to workers started without
// explicit ones.
func WithWorkerDefaults(opts WorkerOptions) NodeOption {
	return func(n *Node) {
		n.workerOpts = opts
	}
}

// WithRouterOptions passes extra options to the owned Router.
func WithRouterOptions(opts ...RouterOption) NodeOption {
	return func(n *Node) {
		n.routerOpts = append(n.routerOpts, opts...)
	}
}

// NewNode creates a node and starts its router.
func NewNode(opts ...NodeOption) *Node {
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		name:       "default",
		logger:     zap.NewNop(),
		workerOpts: DefaultWorkerOptions(),
		startedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.Named("node").With(zap.String("node", n.name))

	routerOpts := append([]RouterOption{
		WithRouterLogger(n.logger),
		WithRouterMetrics(n.metrics),
	}, n.routerOpts...)
	n.router = NewRouter(routerOpts...)

	return n
}

// Name returns the node name.
func (n *Node) Name() string {
	return n.name
}

// StartedAt returns the time the node was created.
func (n *Node) StartedAt() time.Time {
	return n.startedAt
}

// Router returns the node's router.
func (n *Node) Router() *Router {
	return n.router
}

// Logger returns the node logger.
func (n *Node) Logger() *zap.Logger {
	return n.logger
}

// Metrics returns the node collectors, which may be nil.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// WorkerOption overrides a single worker option.
type WorkerOption func(*WorkerOptions)

// WithMailboxSize sets the worker queue capacity.
func WithMailboxSize(size int) WorkerOption {
	return func(o *WorkerOptions) {
		o.MailboxSize = size
	}
}

// WithProcessTimeout bounds each HandleMessage call.
func WithProcessTimeout(d time.Duration) WorkerOption {
	return func(o *WorkerOptions) {
		o.ProcessTimeout = d
	}
}

// StartWorker registers w under addrs and starts its goroutine. The
// worker is reachable as soon as StartWorker returns.
func (n *Node) StartWorker(addrs AddressSet, w Worker, opts ...WorkerOption) error {
	if w == nil {
		return &AddressError{Op: "start worker", Address: addrs.Primary(), Err: ErrNilWorker}
	}

	wopts := n.workerOpts
	for _, opt := range opts {
		opt(&wopts)
	}
	defaults := DefaultWorkerOptions()
	if wopts.MailboxSize <= 0 {
		wopts.MailboxSize = defaults.MailboxSize
	}
	if wopts.ProcessTimeout <= 0 {
		wopts.ProcessTimeout = defaults.ProcessTimeout
	}

	n.mu.Lock()
	if n.stopping {
		n.mu.Unlock()
		return &AddressError{Op: "start worker", Address: addrs.Primary(), Err: ErrRouterShutdown}
	}
	n.wg.Add(1)
	n.mu.Unlock()

	mb := newMailbox(n, addrs.Primary(), w, wopts)
	if err := n.router.Register(addrs, mb); err != nil {
		n.wg.Done()
		return err
	}

	go func() {
		defer n.wg.Done()
		mb.run(n.ctx)
	}()

	n.logger.Debug("Started worker",
		zap.Stringer("address", addrs.Primary()),
		zap.Int("mailbox_size", wopts.MailboxSize))
	return nil
}

// StopWorker unbinds the worker reachable through addr and signals it to
// stop. It does not wait for the worker goroutine to exit.
func (n *Node) StopWorker(addr Address) error {
	return n.router.StopWorker(addr)
}

// Workers returns the primary addresses of all running workers.
func (n *Node) Workers() ([]Address, error) {
	return n.router.List()
}

// WorkerStats returns runtime statistics for the worker bound to addr.
func (n *Node) WorkerStats(addr Address) (WorkerStats, error) {
	rec, err := n.router.Resolve(addr)
	if err != nil {
		return WorkerStats{}, err
	}
	if s, ok := rec.Mailbox.(interface{ Stats() WorkerStats }); ok {
		return s.Stats(), nil
	}
	return WorkerStats{Address: rec.Primary()}, nil
}

// Send delivers msg to the worker named by the first hop of its onward
// route. Messages that cannot be delivered are dropped, counted and
// reported to the caller.
func (n *Node) Send(msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}

	next, err := msg.OnwardRoute.Next()
	if err != nil {
		n.metrics.RecordUndelivered("empty_route")
		return err
	}

	rec, err := n.router.Resolve(next)
	if err != nil {
		reason := "no_such_address"
		if errors.Is(err, ErrRouterShutdown) {
			reason = "shutdown"
		}
		n.metrics.RecordUndelivered(reason)
		n.logger.Debug("Dropping message",
			zap.Stringer("onward", msg.OnwardRoute), zap.Error(err))
		return err
	}

	if err := rec.Mailbox.Deliver(msg); err != nil {
		reason := "mailbox_full"
		if errors.Is(err, ErrWorkerStopped) {
			reason = "worker_stopped"
		}
		n.metrics.RecordUndelivered(reason)
		return &AddressError{Op: "send", Address: next, Err: err}
	}

	n.metrics.RecordDelivered()
	return nil
}

// Shutdown stops every worker and the router, then waits for the worker
// goroutines to exit or ctx to expire.
func (n *Node) Shutdown(ctx context.Context) error {
	var errs error

	n.mu.Lock()
	n.stopping = true
	n.mu.Unlock()

	if err := n.router.Shutdown(); err != nil {
		if !errors.Is(err, ErrRouterShutdown) {
			errs = multierr.Append(errs, err)
		}
	}
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Debug("Node stopped")
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("waiting for workers: %w", ctx.Err()))
	}
	return errs
}
