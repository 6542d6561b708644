package main

import (
	"errors"
	"fmt"

	"github.com/najoast/noderoute/api"
	"github.com/najoast/noderoute/config"
	"github.com/najoast/noderoute/network"
	"github.com/najoast/noderoute/state"
)

// Exit statuses, one per failure class.
const (
	exitOK            = 0
	exitFailure       = 1
	exitUsage         = 2
	exitNoSuchNode    = 3
	exitNoTransport   = 4
	exitConnection    = 5
	exitTimeout       = 6
	exitDecode        = 7
	exitRemoteFailure = 8
	exitConfig        = 9
	exitState         = 10
)

type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

// diagnose maps err to an exit status and a message for the user.
func diagnose(err error) (int, string) {
	var (
		usage  *usageError
		remote *api.RemoteFailure
		decode *api.DecodeError
	)

	switch {
	case err == nil:
		return exitOK, ""

	case errors.As(err, &usage):
		return exitUsage, usage.msg + " (see nodectl -h)"

	case errors.Is(err, state.ErrNoSuchNode):
		return exitNoSuchNode, fmt.Sprintf("no such node: is it running? (%v)", err)

	case errors.Is(err, state.ErrMissingTransportConfig):
		return exitNoTransport, fmt.Sprintf("node has no api transport configured: %v", err)

	case errors.As(err, &remote):
		return exitRemoteFailure, fmt.Sprintf("node refused %s %s: %s", remote.Method, remote.Path, remoteMessage(remote))

	case api.IsTimeout(err):
		return exitTimeout, "node did not answer in time"

	case errors.As(err, &decode):
		return exitDecode, fmt.Sprintf("unexpected reply from node: %v", err)

	case errors.Is(err, network.ErrConnection):
		if kind := network.KindOf(err); kind != 0 {
			return exitConnection, fmt.Sprintf("cannot reach node (%s): %v", kind, err)
		}
		return exitConnection, fmt.Sprintf("cannot reach node: %v", err)

	case errors.Is(err, config.ErrConfigFileNotFound),
		errors.Is(err, config.ErrConfigParseError),
		errors.Is(err, config.ErrConfigValidateError),
		errors.Is(err, config.ErrEnvironmentVarError),
		errors.Is(err, config.ErrUnsupportedFormat):
		return exitConfig, fmt.Sprintf("configuration: %v", err)

	case errors.Is(err, state.ErrInvalidState):
		return exitState, fmt.Sprintf("node state is corrupt: %v", err)

	default:
		return exitFailure, err.Error()
	}
}

func remoteMessage(f *api.RemoteFailure) string {
	if f.Message == "" {
		return f.Status.String()
	}
	return fmt.Sprintf("%s (%s)", f.Message, f.Status)
}
