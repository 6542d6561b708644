package core

import (
	"time"
)

// Message is a payload travelling along a route.
type Message struct {
	// OnwardRoute is the path still to be traversed; its first hop is the
	// next recipient.
	OnwardRoute Route

	// ReturnRoute is the path a reply should take back to the sender.
	ReturnRoute Route

	// Payload is opaque to the routing layer
	Payload []byte

	// Timestamp when the message was created
	Timestamp time.Time
}

// NewMessage creates a message addressed along onward.
func NewMessage(onward, ret Route, payload []byte) *Message {
	return &Message{
		OnwardRoute: onward.Clone(),
		ReturnRoute: ret.Clone(),
		Payload:     payload,
		Timestamp:   time.Now(),
	}
}

// Clone creates a deep copy of the message.
func (m *Message) Clone() *Message {
	clone := &Message{
		OnwardRoute: m.OnwardRoute.Clone(),
		ReturnRoute: m.ReturnRoute.Clone(),
		Timestamp:   m.Timestamp,
	}
	if m.Payload != nil {
		clone.Payload = make([]byte, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}
	return clone
}

// WorkerState represents the current state of a worker.
type WorkerState uint8

const (
	// WorkerStateIdle means the worker is waiting for messages
	WorkerStateIdle WorkerState = iota

	// WorkerStateRunning means the worker is processing a message
	WorkerStateRunning

	// WorkerStateStopping means the worker is shutting down
	WorkerStateStopping

	// WorkerStateStopped means the worker has been stopped
	WorkerStateStopped
)

// String returns the string representation of WorkerState.
func (s WorkerState) String() string {
	switch s {
	case WorkerStateIdle:
		return "idle"
	case WorkerStateRunning:
		return "running"
	case WorkerStateStopping:
		return "stopping"
	case WorkerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WorkerOptions contains configuration options for starting a worker.
type WorkerOptions struct {
	// MailboxSize sets the size of the worker's message queue
	MailboxSize int

	// ProcessTimeout bounds a single HandleMessage call
	ProcessTimeout time.Duration
}

// DefaultWorkerOptions returns sensible default options.
func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		MailboxSize:    256,
		ProcessTimeout: 30 * time.Second,
	}
}

// WorkerStats contains runtime statistics for a worker.
type WorkerStats struct {
	Address           Address
	State             WorkerState
	MessagesProcessed uint64
	MailboxSize       int
	CreatedAt         time.Time
	LastMessageAt     time.Time
}
