package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrAlreadyStarted     = errors.New("bootstrap: already started")
	ErrDuplicateService   = errors.New("bootstrap: duplicate service")
	ErrUnknownDependency  = errors.New("bootstrap: unknown dependency")
	ErrCircularDependency = errors.New("bootstrap: dependency cycle")
)

// DefaultServiceTimeout bounds a single Start or Stop call.
const DefaultServiceTimeout = 30 * time.Second

const healthCheckTimeout = 5 * time.Second

// Lifecycle starts registered services after their dependencies and stops
// them in the reverse order. Services cannot be added once started.
type Lifecycle struct {
	// run serializes Start and Stop; running is only touched under it.
	run     sync.Mutex
	running []string

	mu        sync.RWMutex
	started   bool
	services  map[string]Service
	deps      map[string][]string
	listeners []func(LifecycleEvent)

	timeout time.Duration
	clock   clock.Clock
	logger  *zap.Logger
}

type LifecycleOption func(*Lifecycle)

func WithLifecycleLogger(logger *zap.Logger) LifecycleOption {
	return func(lc *Lifecycle) {
		if logger != nil {
			lc.logger = logger
		}
	}
}

// WithServiceTimeout bounds each Start and Stop call.
func WithServiceTimeout(d time.Duration) LifecycleOption {
	return func(lc *Lifecycle) {
		if d > 0 {
			lc.timeout = d
		}
	}
}

// WithLifecycleClock sets the clock stamping events and health checks.
func WithLifecycleClock(clk clock.Clock) LifecycleOption {
	return func(lc *Lifecycle) {
		if clk != nil {
			lc.clock = clk
		}
	}
}

func NewLifecycle(opts ...LifecycleOption) *Lifecycle {
	lc := &Lifecycle{
		services: make(map[string]Service),
		deps:     make(map[string][]string),
		timeout:  DefaultServiceTimeout,
		clock:    clock.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(lc)
	}
	lc.logger = lc.logger.Named("lifecycle")
	return lc
}

// Register adds service. deps are the names of services it needs running;
// they are resolved at Start, so registration order does not matter.
func (lc *Lifecycle) Register(service Service, deps ...string) error {
	if service == nil {
		return errors.New("bootstrap: nil service")
	}
	name := service.Name()
	if name == "" {
		return errors.New("bootstrap: service has no name")
	}

	lc.mu.Lock()
	switch {
	case lc.started:
		lc.mu.Unlock()
		return fmt.Errorf("register %s: %w", name, ErrAlreadyStarted)
	case lc.services[name] != nil:
		lc.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}
	lc.services[name] = service
	lc.deps[name] = deps
	lc.mu.Unlock()

	lc.emit(LifecycleEvent{Type: EventRegistered, Service: name, Data: map[string]any{"dependencies": deps}})
	return nil
}

// Start starts every service. If one fails, those already running are
// stopped and the returned error carries both the start failure and any
// stop failures.
func (lc *Lifecycle) Start(ctx context.Context) error {
	lc.run.Lock()
	defer lc.run.Unlock()

	lc.mu.Lock()
	if lc.started {
		lc.mu.Unlock()
		return ErrAlreadyStarted
	}
	order, err := startOrder(lc.services, lc.deps)
	if err != nil {
		lc.mu.Unlock()
		return &ApplicationError{Operation: "start", Err: err}
	}
	lc.started = true
	lc.mu.Unlock()

	for _, name := range order {
		lc.emit(LifecycleEvent{Type: EventStarting, Service: name})
		if err := lc.call(ctx, lc.services[name].Start); err != nil {
			lc.emit(LifecycleEvent{Type: EventStartFailed, Service: name, Error: err})
			lc.logger.Error("Service failed to start", zap.String("service", name), zap.Error(err))

			err = multierr.Append(&ApplicationError{Operation: "start", Service: name, Err: err}, lc.stopRunning(ctx))
			lc.setStarted(false)
			return err
		}
		lc.running = append(lc.running, name)
		lc.emit(LifecycleEvent{Type: EventStarted, Service: name})
		lc.logger.Debug("Service started", zap.String("service", name))
	}

	lc.emit(LifecycleEvent{Type: EventAllStarted, Data: map[string]any{"order": order}})
	return nil
}

// Stop stops the running services, newest first. A failing Stop does not
// keep the others running; all failures are returned together. Stop on a
// lifecycle that is not started does nothing.
func (lc *Lifecycle) Stop(ctx context.Context) error {
	lc.run.Lock()
	defer lc.run.Unlock()

	if !lc.IsStarted() {
		return nil
	}
	err := lc.stopRunning(ctx)
	lc.setStarted(false)
	lc.emit(LifecycleEvent{Type: EventAllStopped, Error: err})
	return err
}

func (lc *Lifecycle) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, lc.timeout)
	defer cancel()
	return fn(ctx)
}

func (lc *Lifecycle) setStarted(v bool) {
	lc.mu.Lock()
	lc.started = v
	lc.mu.Unlock()
}

// stopRunning requires lc.run.
func (lc *Lifecycle) stopRunning(ctx context.Context) error {
	var errs error
	for i := len(lc.running) - 1; i >= 0; i-- {
		name := lc.running[i]
		lc.emit(LifecycleEvent{Type: EventStopping, Service: name})
		if err := lc.call(ctx, lc.services[name].Stop); err != nil {
			errs = multierr.Append(errs, &ApplicationError{Operation: "stop", Service: name, Err: err})
			lc.emit(LifecycleEvent{Type: EventStopFailed, Service: name, Error: err})
			lc.logger.Warn("Service failed to stop", zap.String("service", name), zap.Error(err))
			continue
		}
		lc.emit(LifecycleEvent{Type: EventStopped, Service: name})
	}
	lc.running = nil
	return errs
}

// Health checks every service without holding any lock, so it can run
// while Start or Stop is in progress. A check that errors reports the
// service unhealthy.
func (lc *Lifecycle) Health(ctx context.Context) map[string]HealthStatus {
	lc.mu.RLock()
	services := make([]Service, 0, len(lc.services))
	for _, s := range lc.services {
		services = append(services, s)
	}
	lc.mu.RUnlock()

	report := make(map[string]HealthStatus, len(services))
	for _, s := range services {
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		status, err := s.Health(checkCtx)
		cancel()
		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
		}
		if status.LastCheck.IsZero() {
			status.LastCheck = lc.clock.Now()
		}
		report[s.Name()] = status
	}
	return report
}

// Services returns the registered names, sorted.
func (lc *Lifecycle) Services() []string {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	names := make([]string, 0, len(lc.services))
	for name := range lc.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddListener registers fn for every later event. Listeners run on the
// goroutine that caused the event; a panic is logged and swallowed.
func (lc *Lifecycle) AddListener(fn func(LifecycleEvent)) {
	lc.mu.Lock()
	lc.listeners = append(lc.listeners, fn)
	lc.mu.Unlock()
}

func (lc *Lifecycle) IsStarted() bool {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.started
}

// startOrder sorts services topologically. Among services that become
// ready together the order is by name, which keeps startup reproducible.
func startOrder(services map[string]Service, deps map[string][]string) ([]string, error) {
	pending := make(map[string]int, len(services))
	dependents := make(map[string][]string)
	for name := range services {
		pending[name] = 0
	}
	for name, needs := range deps {
		for _, dep := range needs {
			if services[dep] == nil {
				return nil, fmt.Errorf("%w: %s needs %s", ErrUnknownDependency, name, dep)
			}
			dependents[dep] = append(dependents[dep], name)
			pending[name]++
		}
	}

	var ready []string
	for name, n := range pending {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(services))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		var unblocked []string
		for _, d := range dependents[next] {
			pending[d]--
			if pending[d] == 0 {
				unblocked = append(unblocked, d)
			}
		}
		sort.Strings(unblocked)
		ready = append(ready, unblocked...)
	}

	if len(order) != len(services) {
		return nil, ErrCircularDependency
	}
	return order, nil
}

func (lc *Lifecycle) emit(event LifecycleEvent) {
	event.Timestamp = lc.clock.Now()

	lc.mu.RLock()
	listeners := lc.listeners
	lc.mu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lc.logger.Error("Lifecycle listener panicked", zap.Any("panic", r))
				}
			}()
			fn(event)
		}()
	}
}
