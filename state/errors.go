package state

import (
	"errors"
	"fmt"
)

// State errors
var (
	ErrNotFound      = errors.New("state: item not found")
	ErrAlreadyExists = errors.New("state: item already exists")
	ErrInvalidName   = errors.New("state: invalid item name")
	ErrInvalidState  = errors.New("state: invalid state")
	ErrNoDefault     = errors.New("state: no default item")
)

// Node errors
var (
	ErrNoSuchNode             = fmt.Errorf("%w: no such node", ErrNotFound)
	ErrMissingTransportConfig = errors.New("state: node has no api transport configured")
)
