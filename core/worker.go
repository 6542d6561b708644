package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Mailbox is the send-side handle of a worker. The router keeps one per
// registered worker and never blocks on it.
type Mailbox interface {
	// Deliver enqueues msg without waiting.
	Deliver(msg *Message) error

	// Stop signals the worker to exit. It returns immediately and is safe
	// to call more than once.
	Stop()
}

// Worker handles messages delivered to its addresses.
type Worker interface {
	HandleMessage(ctx *Context, msg *Message) error
}

// WorkerFunc adapts an ordinary function to the Worker interface.
type WorkerFunc func(ctx *Context, msg *Message) error

// HandleMessage calls f(ctx, msg).
func (f WorkerFunc) HandleMessage(ctx *Context, msg *Message) error {
	return f(ctx, msg)
}

// Initializer is implemented by workers that need setup before their first
// message.
type Initializer interface {
	Initialize(ctx *Context) error
}

// Finalizer is implemented by workers that release resources on stop.
type Finalizer interface {
	Finalize(ctx *Context) error
}

// Context is handed to a worker for every call. It embeds the per-call
// context and lets the worker send messages through its node.
type Context struct {
	context.Context

	node    *Node
	address Address
	logger  *zap.Logger
}

// Address returns the primary address of the running worker.
func (c *Context) Address() Address {
	return c.address
}

// Node returns the node the worker runs on.
func (c *Context) Node() *Node {
	return c.node
}

// Logger returns the worker's logger.
func (c *Context) Logger() *zap.Logger {
	return c.logger
}

// Send delivers payload along onward with this worker as the return route.
func (c *Context) Send(onward Route, payload []byte) error {
	return c.node.Send(NewMessage(onward, NewRoute(c.address), payload))
}

// Forward hands msg to the next hop after this worker.
func (c *Context) Forward(msg *Message) error {
	onward, err := msg.OnwardRoute.Step()
	if err != nil {
		return err
	}
	fwd := msg.Clone()
	fwd.OnwardRoute = onward
	return c.node.Send(fwd)
}

// Reply sends payload back along the return route of msg.
func (c *Context) Reply(msg *Message, payload []byte) error {
	if msg.ReturnRoute.IsEmpty() {
		return fmt.Errorf("reply from %q: %w", c.address, ErrEmptyRoute)
	}
	return c.node.Send(NewMessage(msg.ReturnRoute, NewRoute(c.address), payload))
}

// mailbox runs one worker in its own goroutine.
type mailbox struct {
	address Address
	worker  Worker
	node    *Node
	logger  *zap.Logger
	opts    WorkerOptions

	queue    chan *Message
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	state             int32 // WorkerState
	messagesProcessed uint64
	createdAt         time.Time
	lastMessageAt     int64 // Unix nanoseconds
}

func newMailbox(node *Node, address Address, worker Worker, opts WorkerOptions) *mailbox {
	return &mailbox{
		address:   address,
		worker:    worker,
		node:      node,
		logger:    node.logger.With(zap.Stringer("worker", address)),
		opts:      opts,
		queue:     make(chan *Message, opts.MailboxSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
}

// Deliver enqueues msg, failing when the worker is stopping or its queue
// is full.
func (m *mailbox) Deliver(msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}

	select {
	case <-m.quit:
		return ErrWorkerStopped
	default:
	}

	select {
	case m.queue <- msg:
		return nil
	case <-m.quit:
		return ErrWorkerStopped
	default:
		return ErrMailboxFull
	}
}

// Stop closes the quit channel once.
func (m *mailbox) Stop() {
	m.stopOnce.Do(func() {
		atomic.StoreInt32(&m.state, int32(WorkerStateStopping))
		close(m.quit)
	})
}

// Done is closed when the worker goroutine has exited.
func (m *mailbox) Done() <-chan struct{} {
	return m.done
}

// Stats returns current runtime statistics for this worker.
func (m *mailbox) Stats() WorkerStats {
	var lastMessageAt time.Time
	if last := atomic.LoadInt64(&m.lastMessageAt); last > 0 {
		lastMessageAt = time.Unix(0, last)
	}

	return WorkerStats{
		Address:           m.address,
		State:             WorkerState(atomic.LoadInt32(&m.state)),
		MessagesProcessed: atomic.LoadUint64(&m.messagesProcessed),
		MailboxSize:       len(m.queue),
		CreatedAt:         m.createdAt,
		LastMessageAt:     lastMessageAt,
	}
}

func (m *mailbox) context(ctx context.Context) *Context {
	return &Context{Context: ctx, node: m.node, address: m.address, logger: m.logger}
}

// run is the worker's processing loop.
func (m *mailbox) run(ctx context.Context) {
	defer close(m.done)
	defer atomic.StoreInt32(&m.state, int32(WorkerStateStopped))

	if init, ok := m.worker.(Initializer); ok {
		if err := init.Initialize(m.context(ctx)); err != nil {
			m.logger.Error("Worker initialization failed", zap.Error(err))
			if err := m.node.StopWorker(m.address); err != nil {
				m.logger.Debug("Unbinding failed worker", zap.Error(err))
			}
			m.Stop()
		}
	}

	for {
		select {
		case <-m.quit:
			m.drain()
			m.finalize(ctx)
			return
		default:
		}

		select {
		case msg := <-m.queue:
			m.process(ctx, msg)
		case <-m.quit:
		}
	}
}

func (m *mailbox) process(parent context.Context, msg *Message) {
	atomic.CompareAndSwapInt32(&m.state, int32(WorkerStateIdle), int32(WorkerStateRunning))
	defer atomic.CompareAndSwapInt32(&m.state, int32(WorkerStateRunning), int32(WorkerStateIdle))

	atomic.AddUint64(&m.messagesProcessed, 1)
	atomic.StoreInt64(&m.lastMessageAt, time.Now().UnixNano())

	ctx, cancel := context.WithTimeout(parent, m.opts.ProcessTimeout)
	defer cancel()

	if err := m.worker.HandleMessage(m.context(ctx), msg); err != nil {
		m.logger.Warn("Worker failed to handle message",
			zap.Stringer("onward", msg.OnwardRoute),
			zap.Stringer("return", msg.ReturnRoute),
			zap.Error(err))
	}
}

// drain drops messages still queued when the worker stops.
func (m *mailbox) drain() {
	for {
		select {
		case <-m.queue:
			m.node.metrics.RecordUndelivered("worker_stopped")
		default:
			return
		}
	}
}

func (m *mailbox) finalize(ctx context.Context) {
	fin, ok := m.worker.(Finalizer)
	if !ok {
		return
	}
	// The node context may already be cancelled during shutdown.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ProcessTimeout)
	defer cancel()

	if err := fin.Finalize(m.context(fctx)); err != nil {
		m.logger.Warn("Worker finalization failed", zap.Error(err))
	}
}
