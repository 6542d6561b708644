package state

import (
	"fmt"
	"net"
	"time"
)

// TransportConfig describes a listener of a node.
type TransportConfig struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
}

// NodeConfig is the descriptor a running node persists about itself.
type NodeConfig struct {
	Name         string           `json:"name"`
	PID          int              `json:"pid,omitempty"`
	StartedAt    time.Time        `json:"started_at,omitempty"`
	APITransport *TransportConfig `json:"api_transport,omitempty"`
}

// APIAddress returns the address of the node's API listener.
func (c NodeConfig) APIAddress() (string, error) {
	if c.APITransport == nil || c.APITransport.Address == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingTransportConfig, c.Name)
	}
	return c.APITransport.Address, nil
}

// APIPort returns the port of the node's API listener.
func (c NodeConfig) APIPort() (string, error) {
	addr, err := c.APIAddress()
	if err != nil {
		return "", err
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return "", fmt.Errorf("%w: node %s api address %q", ErrInvalidState, c.Name, addr)
	}
	return port, nil
}
