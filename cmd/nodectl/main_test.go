package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/noderoute/bootstrap"
	"github.com/najoast/noderoute/config"
	"github.com/najoast/noderoute/nodes"
)

// setFlag sets a command-line flag for the duration of the test.
func setFlag[T any](t *testing.T, p *T, v T) {
	t.Helper()
	old := *p
	*p = v
	t.Cleanup(func() { *p = old })
}

func startNode(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Node.Name = name
	cfg.Node.StateDir = dir
	cfg.Network.TCP.Address = "127.0.0.1"
	cfg.Log.Level = config.LogLevelError
	cfg.Log.Output = filepath.Join(t.TempDir(), "node.log")

	app, err := bootstrap.NewApplication(cfg, bootstrap.WithSignals())
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return dir
}

func TestRunAgainstNode(t *testing.T) {
	dir := startNode(t, "ctl-test")
	setFlag(t, stateDir, dir)
	setFlag(t, nodeName, "ctl-test")
	setFlag(t, timeout, 5*time.Second)

	ctx := context.Background()
	var out bytes.Buffer

	require.NoError(t, run(ctx, &out, []string{"noop"}))
	assert.Equal(t, "node ctl-test is up\n", out.String())

	out.Reset()
	require.NoError(t, run(ctx, &out, []string{"status"}))
	assert.Contains(t, out.String(), "ctl-test")

	out.Reset()
	setFlag(t, jsonOutput, true)
	require.NoError(t, run(ctx, &out, []string{"worker", string(nodes.NodeManagerAddress)}))
	var ws nodes.WorkerStatus
	require.NoError(t, json.Unmarshal(out.Bytes(), &ws))
	assert.Equal(t, nodes.NodeManagerAddress, ws.Address)

	// Stopping an unknown worker is a remote failure.
	err := run(ctx, &out, []string{"stop-worker", "missing"})
	code, msg := diagnose(err)
	assert.Equal(t, exitRemoteFailure, code)
	assert.Contains(t, msg, "missing")

	// The node manager refuses to stop itself.
	err = run(ctx, &out, []string{"stop-worker", string(nodes.NodeManagerAddress)})
	code, _ = diagnose(err)
	assert.Equal(t, exitRemoteFailure, code)
}

func TestRunUnknownNode(t *testing.T) {
	setFlag(t, stateDir, t.TempDir())
	setFlag(t, nodeName, "ghost")

	err := run(context.Background(), &bytes.Buffer{}, []string{"status"})
	code, _ := diagnose(err)
	assert.Equal(t, exitNoSuchNode, code)
}
