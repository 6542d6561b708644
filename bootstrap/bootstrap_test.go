package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/najoast/noderoute/api"
	"github.com/najoast/noderoute/config"
	"github.com/najoast/noderoute/core"
	"github.com/najoast/noderoute/logging"
	"github.com/najoast/noderoute/network"
	"github.com/najoast/noderoute/nodes"
	"github.com/najoast/noderoute/state"
)

// recorder collects start and stop calls across services.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type testService struct {
	name     string
	rec      *recorder
	startErr error
	stopErr  error
	health   HealthState
}

func (s *testService) Name() string { return s.name }

func (s *testService) Start(ctx context.Context) error {
	s.rec.add("start " + s.name)
	return s.startErr
}

func (s *testService) Stop(ctx context.Context) error {
	s.rec.add("stop " + s.name)
	return s.stopErr
}

func (s *testService) Health(ctx context.Context) (HealthStatus, error) {
	if s.health == "" {
		return HealthStatus{}, errors.New("no health")
	}
	return HealthStatus{State: s.health}, nil
}

func TestLifecycleOrder(t *testing.T) {
	rec := &recorder{}
	lm := NewLifecycle()

	var events []EventType
	lm.AddListener(func(e LifecycleEvent) {
		if e.Service == "db" {
			events = append(events, e.Type)
		}
	})
	lm.AddListener(func(LifecycleEvent) { panic("listener failure") })

	require.NoError(t, lm.Register(&testService{name: "api", rec: rec}, "cache", "db"))
	require.NoError(t, lm.Register(&testService{name: "cache", rec: rec}, "db"))
	require.NoError(t, lm.Register(&testService{name: "db", rec: rec}))
	require.NoError(t, lm.Register(&testService{name: "metrics", rec: rec}))

	ctx := context.Background()
	require.NoError(t, lm.Start(ctx))
	assert.True(t, lm.IsStarted())
	assert.ErrorIs(t, lm.Start(ctx), ErrAlreadyStarted)
	require.NoError(t, lm.Stop(ctx))
	require.NoError(t, lm.Stop(ctx))
	assert.False(t, lm.IsStarted())

	assert.Equal(t, []string{
		"start db", "start metrics", "start cache", "start api",
		"stop api", "stop cache", "stop metrics", "stop db",
	}, rec.list())
	assert.Equal(t, []EventType{EventRegistered, EventStarting, EventStarted, EventStopping, EventStopped}, events)
	assert.Equal(t, []string{"api", "cache", "db", "metrics"}, lm.Services())
}

func TestLifecycleRegisterErrors(t *testing.T) {
	rec := &recorder{}
	lm := NewLifecycle()

	require.NoError(t, lm.Register(&testService{name: "a", rec: rec}))
	assert.ErrorIs(t, lm.Register(&testService{name: "a", rec: rec}), ErrDuplicateService)
	assert.Error(t, lm.Register(nil))
	assert.Error(t, lm.Register(&testService{rec: rec}))

	require.NoError(t, lm.Register(&testService{name: "b", rec: rec}, "missing"))
	assert.ErrorIs(t, lm.Start(context.Background()), ErrUnknownDependency)

	cyclic := NewLifecycle()
	require.NoError(t, cyclic.Register(&testService{name: "x", rec: rec}, "y"))
	require.NoError(t, cyclic.Register(&testService{name: "y", rec: rec}, "x"))
	assert.ErrorIs(t, cyclic.Start(context.Background()), ErrCircularDependency)
	assert.Empty(t, rec.list())

	started := NewLifecycle()
	require.NoError(t, started.Start(context.Background()))
	assert.ErrorIs(t, started.Register(&testService{name: "late", rec: rec}), ErrAlreadyStarted)
}

func TestLifecycleStartFailureRollsBack(t *testing.T) {
	rec := &recorder{}
	lm := NewLifecycle()
	boom := errors.New("boom")

	require.NoError(t, lm.Register(&testService{name: "a", rec: rec}))
	require.NoError(t, lm.Register(&testService{name: "b", rec: rec}, "a"))
	require.NoError(t, lm.Register(&testService{name: "c", rec: rec, startErr: boom}, "b"))

	err := lm.Start(context.Background())
	require.ErrorIs(t, err, boom)
	var appErr *ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "c", appErr.Service)
	assert.False(t, lm.IsStarted())

	assert.Equal(t, []string{"start a", "start b", "start c", "stop b", "stop a"}, rec.list())
}

func TestLifecycleStopCombinesErrors(t *testing.T) {
	rec := &recorder{}
	lm := NewLifecycle()

	require.NoError(t, lm.Register(&testService{name: "a", rec: rec, stopErr: errors.New("a failed")}))
	require.NoError(t, lm.Register(&testService{name: "b", rec: rec}, "a"))
	require.NoError(t, lm.Register(&testService{name: "c", rec: rec, stopErr: errors.New("c failed")}, "b"))

	require.NoError(t, lm.Start(context.Background()))
	err := lm.Stop(context.Background())
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, []string{"stop c", "stop b", "stop a"}, rec.list()[3:])
}

func TestLifecycleHealth(t *testing.T) {
	rec := &recorder{}
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	lm := NewLifecycle(WithLifecycleClock(clk))

	require.NoError(t, lm.Register(&testService{name: "ok", rec: rec, health: HealthHealthy}))
	require.NoError(t, lm.Register(&testService{name: "broken", rec: rec}))

	health := lm.Health(context.Background())
	assert.Equal(t, HealthHealthy, health["ok"].State)
	assert.Equal(t, HealthUnhealthy, health["broken"].State)
	assert.Equal(t, "no health", health["broken"].Message)
	assert.Equal(t, clk.Now(), health["ok"].LastCheck)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Node.Name = "app-test"
	cfg.Node.StateDir = t.TempDir()
	cfg.Node.ShutdownTimeout = 5 * time.Second
	cfg.Network.TCP.Address = "127.0.0.1"
	cfg.Network.TCP.Port = 0
	cfg.Log.Level = config.LogLevelError
	cfg.Log.Output = filepath.Join(t.TempDir(), "node.log")
	return cfg
}

func TestApplicationServesNode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Network.WebSocket = config.ListenerConfig{Enabled: true, Address: "127.0.0.1"}
	cfg.Monitor.HTTP = config.HTTPMonitorConfig{
		Enabled:     true,
		Address:     "127.0.0.1",
		MetricsPath: "/metrics",
		HealthPath:  "/health",
	}

	app, err := NewApplication(cfg, WithSignals())
	require.NoError(t, err)
	assert.Nil(t, app.Node())

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	assert.Equal(t, []string{
		"descriptor", "monitor", "node", "node-manager", "transport-tcp", "transport-ws",
	}, app.Lifecycle().Services())

	tcpAddr, ok := app.ListenAddr(network.TransportTCP)
	require.True(t, ok)
	_, ok = app.ListenAddr(network.TransportWebSocket)
	require.True(t, ok)

	// The descriptor points at the tcp listener.
	st, err := state.Open(cfg.Node.StateDir)
	require.NoError(t, err)
	desc, err := st.Node(cfg.Node.Name)
	require.NoError(t, err)
	apiAddr, err := desc.APIAddress()
	require.NoError(t, err)
	assert.Equal(t, tcpAddr.String(), apiAddr)
	assert.Equal(t, "tcp", desc.APITransport.Kind)

	// A separate node reaches the node manager through the descriptor.
	client := core.NewNode(core.WithName("client"))
	t.Cleanup(func() { _ = client.Shutdown(context.Background()) })
	tr := network.NewTCPTransport(client)
	t.Cleanup(func() { _ = tr.Close() })

	b, err := nodes.Create(client, st, tr, cfg.Node.Name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	b.SetTimeout(5 * time.Second)

	status, err := nodes.Ask[nodes.NodeStatus](ctx, b, api.Get("/node"))
	require.NoError(t, err)
	assert.Equal(t, cfg.Node.Name, status.Name)

	// Local clients use the configured default timeout.
	local, err := app.NewClient(core.NewRoute(nodes.NodeManagerAddress))
	require.NoError(t, err)
	assert.Equal(t, cfg.Client.Timeout, local.Timeout())
	reply, err := api.Ask[[]core.Address](ctx, local, api.Get("/node/workers"))
	require.NoError(t, err)
	workers, err := reply.Success()
	require.NoError(t, err)
	assert.Contains(t, workers, nodes.NodeManagerAddress)

	// Monitor endpoints.
	monitor := "http://" + app.MonitorAddr().String()
	resp, err := http.Get(monitor + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"transport-tcp"`)

	resp, err = http.Get(monitor + "/metrics")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	assert.Contains(t, string(body), "noderoute_router_registered_workers")

	// Shutdown removes the descriptor and stops the node.
	require.NoError(t, app.Shutdown(ctx))
	assert.Nil(t, app.Node())
	_, err = st.Node(cfg.Node.Name)
	assert.ErrorIs(t, err, state.ErrNoSuchNode)
	_, err = app.NewClient(core.NewRoute(nodes.NodeManagerAddress))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestApplicationWithoutPersistence(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.Persist = false
	cfg.Monitor.Enabled = false

	app, err := NewApplication(cfg, WithSignals())
	require.NoError(t, err)
	assert.Nil(t, app.Metrics())
	assert.Nil(t, app.MonitorAddr())
	assert.NotContains(t, app.Lifecycle().Services(), "descriptor")

	require.NoError(t, app.Start(context.Background()))
	require.NoError(t, app.Shutdown(context.Background()))

	st, err := state.Open(cfg.Node.StateDir)
	require.NoError(t, err)
	items, err := st.Nodes.List()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestApplicationStartFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	cfg := testConfig(t)
	cfg.Network.TCP.Port = ln.Addr().(*net.TCPAddr).Port

	app, err := NewApplication(cfg, WithSignals())
	require.NoError(t, err)

	err = app.Start(context.Background())
	var appErr *ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "transport-tcp", appErr.Service)

	// The node started before the listener is stopped again.
	assert.Nil(t, app.Node())
	assert.False(t, app.Lifecycle().IsStarted())
}

func TestApplicationRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApplication(cfg, WithSignals())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return app.Lifecycle().IsStarted() }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, app.Lifecycle().IsStarted())
}

func TestApplicationRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Node.Name = ""
	_, err := NewApplication(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidNodeName)
}

func TestApplicationApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	logger, err := logging.New(cfg.Log)
	require.NoError(t, err)

	app, err := NewApplication(cfg, WithLogger(logger), WithSignals())
	require.NoError(t, err)
	assert.Same(t, logger, app.Logger())

	next := cfg.Clone()
	next.Log.Level = config.LogLevelDebug
	next.Client.Timeout = 3 * time.Second
	app.applyConfig(cfg, next)

	assert.Equal(t, zapcore.DebugLevel, logger.Level())
	assert.Equal(t, 3*time.Second, app.ClientTimeout())

	// An unusable level leaves the current one in place.
	bad := next.Clone()
	bad.Log.Level = "loud"
	app.applyConfig(next, bad)
	assert.Equal(t, zapcore.DebugLevel, logger.Level())
}

func TestApplicationReloadsFromWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "noderoute.yaml")
	write := func(timeout string) {
		content := fmt.Sprintf("node:\n  persist: false\nlog:\n  level: error\n  output: %s\nclient:\n  timeout: %s\n",
			filepath.Join(dir, "node.log"), timeout)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	write("1s")

	loader := config.NewLoader().SetSearchPaths(nil)
	w, err := config.NewWatcher(path, loader, config.WithDebounce(20*time.Millisecond))
	require.NoError(t, err)

	app, err := NewApplication(w.GetConfig(), WithWatcher(w), WithSignals())
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	assert.Equal(t, time.Second, app.ClientTimeout())

	write("4s")
	require.Eventually(t, func() bool { return app.ClientTimeout() == 4*time.Second }, 5*time.Second, 10*time.Millisecond)
}
