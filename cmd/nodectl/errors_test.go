package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/najoast/noderoute/api"
	"github.com/najoast/noderoute/config"
	"github.com/najoast/noderoute/network"
	"github.com/najoast/noderoute/state"
)

func TestDiagnose(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     int
		contains string
	}{
		{"nil", nil, exitOK, ""},
		{"usage", &usageError{msg: `unknown command "x"`}, exitUsage, "nodectl -h"},
		{"no such node", fmt.Errorf("%w: n1", state.ErrNoSuchNode), exitNoSuchNode, "no such node"},
		{"missing transport", fmt.Errorf("build route: %w", state.ErrMissingTransportConfig), exitNoTransport, "api transport"},
		{"connection", &network.TransportError{Kind: network.KindIO, Op: "dial", Endpoint: "localhost:1", Err: errors.New("refused")}, exitConnection, "(io)"},
		{"plain connection", fmt.Errorf("connect: %w", network.ErrConnection), exitConnection, "cannot reach node"},
		{"timeout", fmt.Errorf("ask: %w", api.ErrTimeout), exitTimeout, "in time"},
		{"decode", &api.DecodeError{What: "response body", Err: errors.New("bad json")}, exitDecode, "unexpected reply"},
		{"remote", &api.RemoteFailure{Status: api.StatusNotFound, Path: "/node/workers/x", Method: api.MethodDelete, Message: "no such address"}, exitRemoteFailure, "/node/workers/x"},
		{"config", fmt.Errorf("%w: %w", config.ErrConfigValidateError, config.ErrInvalidNodeName), exitConfig, "configuration"},
		{"state", fmt.Errorf("%w: corrupt", state.ErrInvalidState), exitState, "corrupt"},
		{"other", errors.New("disk on fire"), exitFailure, "disk on fire"},
	}

	seen := map[int]string{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := diagnose(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Contains(t, msg, tt.contains)
		})
		if prev, ok := seen[tt.code]; ok && tt.code != exitConnection {
			t.Errorf("%s and %s share exit status %d", prev, tt.name, tt.code)
		}
		seen[tt.code] = tt.name
	}
}

func TestRunRejectsBadCommands(t *testing.T) {
	err := run(context.Background(), io.Discard, []string{"restart"})
	code, _ := diagnose(err)
	assert.Equal(t, exitUsage, code)

	err = run(context.Background(), io.Discard, []string{"worker"})
	code, msg := diagnose(err)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, msg, "worker takes 1")
}
