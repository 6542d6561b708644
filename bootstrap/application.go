package bootstrap

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/najoast/noderoute/api"
	"github.com/najoast/noderoute/config"
	"github.com/najoast/noderoute/core"
	"github.com/najoast/noderoute/logging"
	"github.com/najoast/noderoute/metrics"
	"github.com/najoast/noderoute/network"
)

// ErrNotRunning is returned by operations that need a started application.
var ErrNotRunning = errors.New("application is not running")

// Application runs a node: the router, its listeners, the node manager,
// the persisted node descriptor and the monitor endpoint.
type Application struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	lm      *Lifecycle
	watcher *config.Watcher
	signals []os.Signal

	transports map[network.TransportKind]*transportService
	monitor    *monitorService

	mu            sync.RWMutex
	node          *core.Node
	clientTimeout time.Duration
}

// Option configures an Application.
type Option func(*Application)

// WithLogger sets the logger instead of building one from the log section.
func WithLogger(logger *logging.Logger) Option {
	return func(app *Application) {
		app.logger = logger
	}
}

// WithWatcher enables hot reload of the log level and the client timeout.
func WithWatcher(w *config.Watcher) Option {
	return func(app *Application) {
		app.watcher = w
	}
}

// WithSignals sets the signals that make Run shut down. No signals
// disables signal handling.
func WithSignals(sig ...os.Signal) Option {
	return func(app *Application) {
		app.signals = sig
	}
}

// NewApplication validates cfg and registers the services it enables.
// Nothing is started until Start or Run.
func NewApplication(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ApplicationError{Operation: "configure", Err: err}
	}

	app := &Application{
		cfg:           cfg,
		signals:       []os.Signal{os.Interrupt, syscall.SIGTERM},
		transports:    make(map[network.TransportKind]*transportService),
		clientTimeout: cfg.Client.Timeout,
	}
	for _, opt := range opts {
		opt(app)
	}

	if app.logger == nil {
		logger, err := logging.New(cfg.Log)
		if err != nil {
			return nil, &ApplicationError{Operation: "configure", Err: err}
		}
		app.logger = logger
	}
	if cfg.Monitor.Enabled {
		app.metrics = metrics.New(cfg.Monitor.Namespace)
	}

	app.lm = NewLifecycle(
		WithLifecycleLogger(app.logger.Logger),
		WithServiceTimeout(cfg.Node.ShutdownTimeout),
	)
	if err := app.registerServices(); err != nil {
		return nil, &ApplicationError{Operation: "configure", Err: err}
	}
	return app, nil
}

func (app *Application) registerServices() error {
	cfg := app.cfg
	register := func(s Service, deps ...string) error {
		return app.lm.Register(s, deps...)
	}

	if err := register(&nodeService{app: app}); err != nil {
		return err
	}

	listeners := []struct {
		kind network.TransportKind
		cfg  config.ListenerConfig
	}{
		{network.TransportTCP, cfg.Network.TCP},
		{network.TransportWebSocket, cfg.Network.WebSocket},
	}
	for _, l := range listeners {
		if !l.cfg.Enabled {
			continue
		}
		s := &transportService{app: app, kind: l.kind, listener: l.cfg}
		if err := register(s, serviceNode); err != nil {
			return err
		}
		app.transports[l.kind] = s
	}

	if err := register(&managerService{app: app}, serviceNode); err != nil {
		return err
	}

	if cfg.Node.Persist {
		apiTransport := transportServiceName(network.TransportKind(cfg.Network.API))
		if err := register(&descriptorService{app: app}, serviceNodeManager, apiTransport); err != nil {
			return err
		}
	}

	if cfg.Monitor.HTTP.Enabled {
		app.monitor = &monitorService{app: app}
		if err := register(app.monitor, serviceNode); err != nil {
			return err
		}
	}

	if app.watcher != nil {
		if err := register(&watcherService{app: app, watcher: app.watcher}); err != nil {
			return err
		}
	}
	return nil
}

// Start starts every service in dependency order.
func (app *Application) Start(ctx context.Context) error {
	if err := app.lm.Start(ctx); err != nil {
		return err
	}
	app.logger.Info("Node started",
		zap.String("node", app.cfg.Node.Name),
		zap.Strings("services", app.lm.Services()))
	return nil
}

// Run starts the application and blocks until ctx is done or one of the
// configured signals arrives, then shuts down within the configured
// shutdown timeout.
func (app *Application) Run(ctx context.Context) error {
	if len(app.signals) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, app.signals...)
		defer stop()
	}

	if err := app.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	app.logger.Info("Shutting down", zap.String("node", app.cfg.Node.Name))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.Node.ShutdownTimeout)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}

// Shutdown stops every service in reverse start order.
func (app *Application) Shutdown(ctx context.Context) error {
	err := app.lm.Stop(ctx)
	if err != nil {
		app.logger.Error("Shutdown finished with errors", zap.Error(err))
	} else {
		app.logger.Info("Node stopped", zap.String("node", app.cfg.Node.Name))
	}
	_ = app.logger.Sync()
	return err
}

// Config returns the configuration the application was built with.
func (app *Application) Config() *config.Config {
	return app.cfg
}

// Logger returns the application logger.
func (app *Application) Logger() *logging.Logger {
	return app.logger
}

// Metrics returns the metrics, nil when monitoring is disabled.
func (app *Application) Metrics() *metrics.Metrics {
	return app.metrics
}

// Lifecycle returns the service lifecycle.
func (app *Application) Lifecycle() *Lifecycle {
	return app.lm
}

// Node returns the running node, or nil.
func (app *Application) Node() *core.Node {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.node
}

func (app *Application) setNode(node *core.Node) {
	app.mu.Lock()
	app.node = node
	app.mu.Unlock()
}

// ListenAddr returns the bound address of the kind listener.
func (app *Application) ListenAddr(kind network.TransportKind) (net.Addr, bool) {
	s, ok := app.transports[kind]
	if !ok {
		return nil, false
	}
	_, addr, ok := s.listening()
	return addr, ok
}

// Transport returns the running transport of the given kind.
func (app *Application) Transport(kind network.TransportKind) (*network.Transport, bool) {
	s, ok := app.transports[kind]
	if !ok {
		return nil, false
	}
	t, _, ok := s.listening()
	return t, ok
}

// MonitorAddr returns the bound monitor address, or nil.
func (app *Application) MonitorAddr() net.Addr {
	if app.monitor == nil {
		return nil
	}
	return app.monitor.Addr()
}

// Health reports every service.
func (app *Application) Health(ctx context.Context) map[string]HealthStatus {
	return app.lm.Health(ctx)
}

// ClientTimeout returns the current default client timeout.
func (app *Application) ClientTimeout() time.Duration {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.clientTimeout
}

// NewClient returns a client on the running node sending along route.
// opts are applied after the application defaults.
func (app *Application) NewClient(route core.Route, opts ...api.ClientOption) (*api.Client, error) {
	node := app.Node()
	if node == nil {
		return nil, ErrNotRunning
	}
	opts = append([]api.ClientOption{
		api.WithTimeout(app.ClientTimeout()),
		api.WithClientLogger(app.logger.Logger),
		api.WithClientMetrics(app.metrics),
	}, opts...)
	return api.NewClient(node, route, opts...), nil
}

// applyConfig applies a reloaded configuration. The log level and the
// client timeout change in place; other sections take effect on restart.
func (app *Application) applyConfig(oldConfig, newConfig *config.Config) {
	if newConfig.Log.Level != oldConfig.Log.Level {
		if err := app.logger.SetLevel(newConfig.Log.Level); err != nil {
			app.logger.Warn("Ignoring log level", zap.Error(err))
		} else {
			app.logger.Info("Log level changed", zap.String("level", string(newConfig.Log.Level)))
		}
	}

	if newConfig.Client.Timeout != oldConfig.Client.Timeout {
		app.mu.Lock()
		app.clientTimeout = newConfig.Client.Timeout
		app.mu.Unlock()
		app.logger.Info("Client timeout changed", zap.Duration("timeout", newConfig.Client.Timeout))
	}

	if newConfig.Node != oldConfig.Node || newConfig.Network != oldConfig.Network || newConfig.Router != oldConfig.Router {
		app.logger.Warn("Restart required to apply node or network changes")
	}
}
