package core

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/najoast/noderoute/metrics"
)

// commandKind identifies a router command.
type commandKind uint8

const (
	cmdRegister commandKind = iota
	cmdResolve
	cmdStopWorker
	cmdList
	cmdCheck
	cmdShutdown
	cmdExec
)

func (k commandKind) String() string {
	switch k {
	case cmdRegister:
		return "register"
	case cmdResolve:
		return "resolve"
	case cmdStopWorker:
		return "stop_worker"
	case cmdList:
		return "list"
	case cmdCheck:
		return "check"
	case cmdShutdown:
		return "shutdown"
	case cmdExec:
		return "exec"
	default:
		return "unknown"
	}
}

// command is a single request to the router goroutine. reply has capacity
// one so the router never blocks while answering.
type command struct {
	kind   commandKind
	addr   Address
	record WorkerRecord
	exec   func(*addressTable)
	reply  chan NodeReply
}

// addressTable is the router's private state. Only the router goroutine
// touches it.
type addressTable struct {
	// aliases maps every bound address (primaries included) to its primary
	aliases map[Address]Address

	// records maps a primary address to its worker
	records map[Address]WorkerRecord
}

func newAddressTable() *addressTable {
	return &addressTable{
		aliases: make(map[Address]Address),
		records: make(map[Address]WorkerRecord),
	}
}

// Router owns the address table and serializes every operation on it
// through one goroutine. Callers only ever hold the Router handle; the
// table itself is never shared.
type Router struct {
	commands chan command
	done     chan struct{}

	logger  *zap.Logger
	metrics *metrics.Metrics

	queueSize int
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the router logger.
func WithRouterLogger(logger *zap.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRouterMetrics sets the collectors updated by the router.
func WithRouterMetrics(m *metrics.Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithCommandQueueSize sets the command channel capacity.
func WithCommandQueueSize(size int) RouterOption {
	return func(r *Router) {
		if size >= 0 {
			r.queueSize = size
		}
	}
}

// NewRouter creates a Router and starts its command loop. The loop runs
// until Shutdown.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		logger:    zap.NewNop(),
		queueSize: 64,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("router")
	r.commands = make(chan command, r.queueSize)
	r.done = make(chan struct{})

	go r.run()

	return r
}

// Register binds every address in addrs to mb. It fails with
// ErrAlreadyRegistered when any of them is already bound.
func (r *Router) Register(addrs AddressSet, mb Mailbox) error {
	if len(addrs) == 0 {
		return &AddressError{Op: "register", Err: ErrInvalidAddress}
	}
	for _, a := range addrs {
		if a.IsZero() {
			return &AddressError{Op: "register", Address: addrs.Primary(), Err: ErrInvalidAddress}
		}
	}
	if mb == nil {
		return &AddressError{Op: "register", Address: addrs.Primary(), Err: ErrNilWorker}
	}

	reply := r.submit(command{
		kind:   cmdRegister,
		addr:   addrs.Primary(),
		record: WorkerRecord{Addresses: NewAddressSet(addrs[0], addrs[1:]...), Mailbox: mb},
	})
	return reply.err("register", addrs.Primary())
}

// Resolve returns the record of the worker bound to addr.
func (r *Router) Resolve(addr Address) (WorkerRecord, error) {
	reply := r.submit(command{kind: cmdResolve, addr: addr})
	if err := reply.err("resolve", addr); err != nil {
		return WorkerRecord{}, err
	}
	return reply.Record, nil
}

// StopWorker unbinds the worker reachable through addr, removing all of its
// addresses, and signals the worker to stop.
func (r *Router) StopWorker(addr Address) error {
	reply := r.submit(command{kind: cmdStopWorker, addr: addr})
	return reply.err("stop worker", addr)
}

// List returns the primary addresses of all registered workers, sorted.
func (r *Router) List() ([]Address, error) {
	reply := r.submit(command{kind: cmdList})
	if err := reply.err("list", ""); err != nil {
		return nil, err
	}
	return reply.Addresses, nil
}

// CheckInvariants verifies the consistency of the live address table.
func (r *Router) CheckInvariants() error {
	reply := r.submit(command{kind: cmdCheck})
	if reply.Kind == ReplyRejected {
		return ErrRouterShutdown
	}
	return reply.Err
}

// Shutdown stops every worker, clears the table and terminates the command
// loop. Every later call fails with ErrRouterShutdown.
func (r *Router) Shutdown() error {
	reply := r.submit(command{kind: cmdShutdown})
	return reply.err("shutdown", "")
}

// Done is closed once the command loop has exited.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// submit sends cmd to the router goroutine and waits for its reply.
func (r *Router) submit(cmd command) NodeReply {
	cmd.reply = make(chan NodeReply, 1)

	select {
	case r.commands <- cmd:
	case <-r.done:
		return replyRejected()
	}

	select {
	case reply := <-cmd.reply:
		return reply
	case <-r.done:
		// The loop may have answered right before exiting.
		select {
		case reply := <-cmd.reply:
			return reply
		default:
			return replyRejected()
		}
	}
}

// run is the single writer of the address table.
func (r *Router) run() {
	defer close(r.done)

	table := newAddressTable()
	for cmd := range r.commands {
		var reply NodeReply
		switch cmd.kind {
		case cmdRegister:
			reply = r.register(table, cmd.record)
		case cmdResolve:
			reply = r.resolve(table, cmd.addr)
		case cmdStopWorker:
			reply = r.stopWorker(table, cmd.addr)
		case cmdList:
			reply = r.list(table)
		case cmdCheck:
			reply = NodeReply{Kind: ReplyOk, Err: table.check()}
		case cmdExec:
			cmd.exec(table)
			reply = replyOk()
		case cmdShutdown:
			r.shutdown(table)
			r.observe(cmd.kind, ReplyOk, 0)
			cmd.reply <- replyOk()
			return
		}

		r.observe(cmd.kind, reply.Kind, len(table.records))
		cmd.reply <- reply
	}
}

func (r *Router) register(t *addressTable, rec WorkerRecord) NodeReply {
	primary := rec.Primary()
	for _, addr := range rec.Addresses {
		if _, ok := t.aliases[addr]; ok {
			return replyAlreadyRegistered(addr)
		}
		if _, ok := t.records[addr]; ok {
			return replyAlreadyRegistered(addr)
		}
	}

	t.records[primary] = rec
	for _, addr := range rec.Addresses {
		t.aliases[addr] = primary
	}

	r.logger.Debug("Registered worker",
		zap.Stringer("address", primary),
		zap.Int("aliases", len(rec.Addresses)-1))
	return replyOk()
}

func (r *Router) resolve(t *addressTable, addr Address) NodeReply {
	primary, ok := t.aliases[addr]
	if !ok {
		return replyNoSuchAddress(addr)
	}
	rec, ok := t.records[primary]
	if !ok {
		r.logger.Error("Alias bound to a missing worker record",
			zap.Stringer("address", addr), zap.Stringer("primary", primary))
		return replyNoSuchAddress(addr)
	}
	return NodeReply{
		Kind:   ReplyRecord,
		Record: WorkerRecord{Addresses: rec.Addresses.Clone(), Mailbox: rec.Mailbox},
	}
}

func (r *Router) stopWorker(t *addressTable, addr Address) NodeReply {
	r.logger.Debug("Stopping worker", zap.Stringer("address", addr))

	primary, ok := t.aliases[addr]
	if !ok {
		return replyNoSuchAddress(addr)
	}

	rec, ok := t.records[primary]
	if !ok {
		r.logger.Error("Alias bound to a missing worker record",
			zap.Stringer("address", addr), zap.Stringer("primary", primary))
		return replyNoSuchAddress(addr)
	}
	delete(t.records, primary)

	for _, a := range rec.Addresses {
		delete(t.aliases, a)
	}

	rec.Mailbox.Stop()
	return replyOk()
}

func (r *Router) list(t *addressTable) NodeReply {
	addrs := make([]Address, 0, len(t.records))
	for primary := range t.records {
		addrs = append(addrs, primary)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return NodeReply{Kind: ReplyAddresses, Addresses: addrs}
}

func (r *Router) shutdown(t *addressTable) {
	r.logger.Debug("Shutting down router", zap.Int("workers", len(t.records)))

	for _, rec := range t.records {
		rec.Mailbox.Stop()
	}
	t.records = make(map[Address]WorkerRecord)
	t.aliases = make(map[Address]Address)
}

func (r *Router) observe(kind commandKind, result ReplyKind, workers int) {
	if r.metrics == nil {
		return
	}
	r.metrics.RouterCommands.WithLabelValues(kind.String(), result.String()).Inc()
	r.metrics.RegisteredWorkers.Set(float64(workers))
}

// exec runs fn on the router goroutine. Tests use it to reach states the
// public commands cannot produce.
func (r *Router) exec(fn func(*addressTable)) error {
	reply := r.submit(command{kind: cmdExec, exec: fn})
	return reply.err("exec", "")
}

// check verifies that aliases and records describe the same bindings.
func (t *addressTable) check() error {
	bound := 0
	for primary, rec := range t.records {
		if rec.Primary() != primary {
			return fmt.Errorf("record keyed %q has primary %q", primary, rec.Primary())
		}
		for _, addr := range rec.Addresses {
			owner, ok := t.aliases[addr]
			if !ok {
				return fmt.Errorf("address %q of %q missing from alias table", addr, primary)
			}
			if owner != primary {
				return fmt.Errorf("address %q of %q maps to %q", addr, primary, owner)
			}
		}
		bound += len(rec.Addresses)
	}

	for addr, primary := range t.aliases {
		if _, ok := t.records[primary]; !ok {
			return fmt.Errorf("alias %q points to missing primary %q", addr, primary)
		}
	}

	if bound != len(t.aliases) {
		return fmt.Errorf("alias table has %d entries, records bind %d", len(t.aliases), bound)
	}
	return nil
}
