// Package bootstrap starts and stops the parts of a node process in
// dependency order.
package bootstrap

import (
	"context"
	"fmt"
	"time"
)

// Service is one startable part of the process. Start must return once
// the service is usable; Stop must release everything Start acquired.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Health may be called concurrently with Start and Stop.
	Health(ctx context.Context) (HealthStatus, error)
}

// HealthState summarizes a HealthStatus.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthStarting  HealthState = "starting"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStopped   HealthState = "stopped"
)

// HealthStatus is what the monitor endpoint reports per service.
type HealthStatus struct {
	State     HealthState    `json:"state"`
	Message   string         `json:"message,omitempty"`
	LastCheck time.Time      `json:"last_check,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventType names a lifecycle transition.
type EventType string

const (
	EventRegistered  EventType = "service.registered"
	EventStarting    EventType = "service.starting"
	EventStarted     EventType = "service.started"
	EventStartFailed EventType = "service.start_failed"
	EventStopping    EventType = "service.stopping"
	EventStopped     EventType = "service.stopped"
	EventStopFailed  EventType = "service.stop_failed"
	EventAllStarted  EventType = "lifecycle.started"
	EventAllStopped  EventType = "lifecycle.stopped"
)

// LifecycleEvent is passed to listeners. Service is empty for the
// lifecycle.* events.
type LifecycleEvent struct {
	Type      EventType
	Service   string
	Timestamp time.Time
	Error     error
	Data      map[string]any
}

// ApplicationError records which step of which service failed.
type ApplicationError struct {
	Operation string // configure, start or stop
	Service   string
	Err       error
}

func (e *ApplicationError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("bootstrap: %s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("bootstrap: %s %s: %v", e.Operation, e.Service, e.Err)
}

func (e *ApplicationError) Unwrap() error { return e.Err }
