package core

import (
	"errors"
	"fmt"
)

// Routing errors
var (
	ErrNoSuchAddress     = errors.New("no such address")
	ErrAlreadyRegistered = errors.New("address already registered")
	ErrRouterShutdown    = errors.New("router is shut down")
	ErrEmptyRoute        = errors.New("route is empty")
	ErrInvalidAddress    = errors.New("invalid address")
)

// Worker errors
var (
	ErrWorkerStopped = errors.New("worker is stopped")
	ErrMailboxFull   = errors.New("worker mailbox is full")
	ErrNilWorker     = errors.New("worker is nil")
	ErrNilMessage    = errors.New("message is nil")
)

// AddressError reports a router operation that failed for an address.
type AddressError struct {
	Op      string
	Address Address
	Err     error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Address, e.Err)
}

func (e *AddressError) Unwrap() error {
	return e.Err
}

// IsNoSuchAddress reports whether err is a router lookup miss.
func IsNoSuchAddress(err error) bool {
	return errors.Is(err, ErrNoSuchAddress)
}
