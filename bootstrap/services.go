package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/najoast/noderoute/config"
	"github.com/najoast/noderoute/core"
	"github.com/najoast/noderoute/network"
	"github.com/najoast/noderoute/nodes"
	"github.com/najoast/noderoute/state"
)

const (
	serviceNode        = "node"
	serviceNodeManager = "node-manager"
	serviceDescriptor  = "descriptor"
	serviceMonitor     = "monitor"
	serviceConfig      = "config-watcher"
)

func transportServiceName(kind network.TransportKind) string {
	return "transport-" + string(kind)
}

// nodeService owns the node. The node, and with it the router, is created
// on Start so that an application that never runs leaves no goroutines.
type nodeService struct {
	app *Application
}

func (s *nodeService) Name() string { return serviceNode }

func (s *nodeService) Start(ctx context.Context) error {
	cfg := s.app.cfg
	node := core.NewNode(
		core.WithName(cfg.Node.Name),
		core.WithLogger(s.app.logger.Logger),
		core.WithMetrics(s.app.metrics),
		core.WithWorkerDefaults(core.WorkerOptions{
			MailboxSize:    cfg.Router.DefaultMailboxSize,
			ProcessTimeout: cfg.Router.ProcessTimeout,
		}),
		core.WithRouterOptions(core.WithCommandQueueSize(cfg.Router.CommandQueueSize)),
	)
	s.app.setNode(node)
	return nil
}

func (s *nodeService) Stop(ctx context.Context) error {
	node := s.app.Node()
	if node == nil {
		return nil
	}
	s.app.setNode(nil)
	return node.Shutdown(ctx)
}

func (s *nodeService) Health(ctx context.Context) (HealthStatus, error) {
	node := s.app.Node()
	if node == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	workers, err := node.Workers()
	if err != nil {
		return HealthStatus{}, err
	}
	return HealthStatus{
		State: HealthHealthy,
		Data: map[string]interface{}{
			"name":       node.Name(),
			"workers":    len(workers),
			"started_at": node.StartedAt(),
		},
	}, nil
}

// transportService listens on one transport kind.
type transportService struct {
	app      *Application
	kind     network.TransportKind
	listener config.ListenerConfig

	mu        sync.Mutex
	transport *network.Transport
	addr      net.Addr
}

func (s *transportService) Name() string { return transportServiceName(s.kind) }

func (s *transportService) Start(ctx context.Context) error {
	t, err := network.New(s.kind, s.app.Node(),
		network.WithConfig(transportConfig(s.app.cfg.Network)),
		network.WithTransportLogger(s.app.logger.Logger),
		network.WithTransportMetrics(s.app.metrics),
	)
	if err != nil {
		return err
	}

	endpoint := net.JoinHostPort(s.listener.Address, strconv.Itoa(s.listener.Port))
	addr, err := t.Listen(ctx, endpoint)
	if err != nil {
		_ = t.Close()
		return err
	}

	s.mu.Lock()
	s.transport, s.addr = t, addr
	s.mu.Unlock()
	s.app.logger.Info("Transport listening",
		zap.String("transport", string(s.kind)),
		zap.Stringer("address", addr))
	return nil
}

func (s *transportService) Stop(ctx context.Context) error {
	s.mu.Lock()
	t := s.transport
	s.transport, s.addr = nil, nil
	s.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Close()
}

// listening returns the transport and its bound address while started.
func (s *transportService) listening() (*network.Transport, net.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport, s.addr, s.transport != nil
}

func (s *transportService) Health(ctx context.Context) (HealthStatus, error) {
	t, addr, ok := s.listening()
	if !ok {
		return HealthStatus{State: HealthStopped}, nil
	}
	return HealthStatus{
		State: HealthHealthy,
		Data: map[string]interface{}{
			"address":     addr.String(),
			"connections": len(t.Connections()),
		},
	}, nil
}

// transportConfig maps the network section onto transport settings.
func transportConfig(cfg config.NetworkConfig) network.Config {
	return network.Config{
		DialTimeout:       cfg.Timeouts.Dial,
		ReadTimeout:       cfg.Timeouts.Read,
		WriteTimeout:      cfg.Timeouts.Write,
		KeepAlive:         cfg.KeepAlive,
		KeepAliveInterval: cfg.KeepAliveInterval,
		MaxConnections:    cfg.Limits.MaxConnections,
		MaxFrameSize:      cfg.Limits.MaxFrameSize,
		SendQueueSize:     cfg.Limits.SendQueueSize,
	}
}

// managerService runs the node manager worker.
type managerService struct {
	app *Application
}

func (s *managerService) Name() string { return serviceNodeManager }

func (s *managerService) Start(ctx context.Context) error {
	return nodes.StartNodeManager(s.app.Node())
}

func (s *managerService) Stop(ctx context.Context) error {
	err := s.app.Node().StopWorker(nodes.NodeManagerAddress)
	if core.IsNoSuchAddress(err) {
		return nil
	}
	return err
}

func (s *managerService) Health(ctx context.Context) (HealthStatus, error) {
	node := s.app.Node()
	if node == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	stats, err := node.WorkerStats(nodes.NodeManagerAddress)
	if err != nil {
		return HealthStatus{}, err
	}
	return HealthStatus{
		State: HealthHealthy,
		Data: map[string]interface{}{
			"state":              stats.State.String(),
			"messages_processed": stats.MessagesProcessed,
		},
	}, nil
}

// descriptorService persists the node descriptor that lets local clients
// find the node's API listener, and removes it on Stop.
type descriptorService struct {
	app *Application

	mu    sync.Mutex
	state *state.State
}

func (s *descriptorService) Name() string { return serviceDescriptor }

func (s *descriptorService) Start(ctx context.Context) error {
	st, err := state.Open(s.app.cfg.Node.StateDir)
	if err != nil {
		return err
	}

	kind := network.TransportKind(s.app.cfg.Network.API)
	addr, ok := s.app.ListenAddr(kind)
	if !ok {
		return fmt.Errorf("%w: api transport %s is not listening", state.ErrMissingTransportConfig, kind)
	}

	node := s.app.Node()
	item, err := st.Nodes.Put(node.Name(), state.NodeConfig{
		Name:      node.Name(),
		PID:       os.Getpid(),
		StartedAt: node.StartedAt(),
		APITransport: &state.TransportConfig{
			Kind:    string(kind),
			Address: addr.String(),
		},
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.app.logger.Info("Node descriptor written", zap.String("path", item.Path))
	return nil
}

func (s *descriptorService) Stop(ctx context.Context) error {
	s.mu.Lock()
	st := s.state
	s.state = nil
	s.mu.Unlock()

	if st == nil {
		return nil
	}
	err := st.Nodes.Delete(s.app.cfg.Node.Name)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	return err
}

func (s *descriptorService) Health(ctx context.Context) (HealthStatus, error) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	if st == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	if !st.Nodes.Exists(s.app.cfg.Node.Name) {
		return HealthStatus{State: HealthUnhealthy, Message: "node descriptor missing"}, nil
	}
	return HealthStatus{State: HealthHealthy, Data: map[string]interface{}{"root": st.Root()}}, nil
}

// monitorService serves metrics and health over HTTP.
type monitorService struct {
	app *Application

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
	done   chan struct{}
}

func (s *monitorService) Name() string { return serviceMonitor }

func (s *monitorService) Start(ctx context.Context) error {
	cfg := s.app.cfg.Monitor.HTTP

	mux := http.NewServeMux()
	if s.app.metrics != nil {
		mux.Handle(cfg.MetricsPath, s.app.metrics.Handler())
	}
	mux.HandleFunc(cfg.HealthPath, s.serveHealth)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)))
	if err != nil {
		return fmt.Errorf("monitor listen: %w", err)
	}

	server := &http.Server{Handler: mux}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.app.logger.Error("Monitor server stopped", zap.Error(err))
		}
	}()

	s.mu.Lock()
	s.server, s.addr, s.done = server, ln.Addr(), done
	s.mu.Unlock()

	s.app.logger.Info("Monitor listening", zap.Stringer("address", ln.Addr()))
	return nil
}

func (s *monitorService) Stop(ctx context.Context) error {
	s.mu.Lock()
	server, done := s.server, s.done
	s.server, s.addr, s.done = nil, nil, nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)
	<-done
	return err
}

// Addr returns the bound monitor address, or nil when stopped.
func (s *monitorService) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *monitorService) Health(ctx context.Context) (HealthStatus, error) {
	addr := s.Addr()
	if addr == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	return HealthStatus{State: HealthHealthy, Data: map[string]interface{}{"address": addr.String()}}, nil
}

func (s *monitorService) serveHealth(w http.ResponseWriter, r *http.Request) {
	health := s.app.Health(r.Context())

	status := http.StatusOK
	for _, h := range health {
		if h.State != HealthHealthy {
			status = http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(health)
}

// watcherService reloads the configuration file and applies the settings
// that can change at runtime.
type watcherService struct {
	app     *Application
	watcher *config.Watcher
}

func (s *watcherService) Name() string { return serviceConfig }

func (s *watcherService) Start(ctx context.Context) error {
	s.watcher.OnConfigChange(s.app.applyConfig)
	return s.watcher.Start()
}

func (s *watcherService) Stop(ctx context.Context) error {
	return s.watcher.Stop()
}

func (s *watcherService) Health(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{State: HealthHealthy}, nil
}
