package api

import (
	"errors"
	"fmt"
)

// Protocol errors
var (
	// ErrTimeout is returned when no correlated reply arrives in time.
	ErrTimeout = errors.New("api: request timed out")

	// ErrUnsupportedVersion is returned for frames of an unknown version.
	ErrUnsupportedVersion = errors.New("api: unsupported envelope version")

	// ErrMalformedFrame is returned when a frame is too short or its header
	// length does not fit the data.
	ErrMalformedFrame = errors.New("api: malformed frame")

	// ErrNoRoute is returned by a client built with an empty route.
	ErrNoRoute = errors.New("api: empty route")

	// ErrInvalidUTF8 is returned for strings that JSON cannot carry
	// unchanged, both when encoding and when decoding.
	ErrInvalidUTF8 = errors.New("api: invalid UTF-8")
)

// DecodeError reports bytes that did not match the expected shape. It is
// always a local failure, distinct from transport and remote errors.
type DecodeError struct {
	// What names the value being decoded, e.g. "response header".
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("api: decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// SendError reports a request that could not be handed to the first hop
// of its route.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("api: send request: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// RemoteFailure is an application-level error reported by the peer.
type RemoteFailure struct {
	Status  Status
	Path    string
	Method  Method
	Message string
}

func (e *RemoteFailure) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %s %s failed with %s", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("api: %s %s failed with %s: %s", e.Method, e.Path, e.Status, e.Message)
}

// IsTimeout reports whether err is a client timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsDecodeError reports whether err is a local decode failure.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// IsRemoteFailure reports whether err carries a peer-reported failure.
func IsRemoteFailure(err error) bool {
	var rf *RemoteFailure
	return errors.As(err, &rf)
}
