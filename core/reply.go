package core

import "fmt"

// WorkerRecord is the router's entry for one live worker.
type WorkerRecord struct {
	// Addresses holds the primary address first, then every alias.
	Addresses AddressSet

	// Mailbox delivers messages to the worker
	Mailbox Mailbox
}

// Primary returns the worker's primary address.
func (r WorkerRecord) Primary() Address {
	return r.Addresses.Primary()
}

// ReplyKind enumerates router control outcomes.
type ReplyKind uint8

const (
	ReplyOk ReplyKind = iota
	ReplyNoSuchAddress
	ReplyAlreadyRegistered
	ReplyRecord
	ReplyAddresses
	ReplyRejected
)

// String returns the string representation of ReplyKind.
func (k ReplyKind) String() string {
	switch k {
	case ReplyOk:
		return "ok"
	case ReplyNoSuchAddress:
		return "no_such_address"
	case ReplyAlreadyRegistered:
		return "already_registered"
	case ReplyRecord:
		return "record"
	case ReplyAddresses:
		return "addresses"
	case ReplyRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// NodeReply is the router's answer to a single command. Exactly one is
// delivered on the command's private reply channel.
type NodeReply struct {
	Kind ReplyKind

	// Address is set for NoSuchAddress and AlreadyRegistered
	Address Address

	// Record is set for ReplyRecord
	Record WorkerRecord

	// Addresses is set for ReplyAddresses
	Addresses []Address

	// Err is set for ReplyRejected and internal consistency failures
	Err error
}

func replyOk() NodeReply {
	return NodeReply{Kind: ReplyOk}
}

func replyNoSuchAddress(addr Address) NodeReply {
	return NodeReply{Kind: ReplyNoSuchAddress, Address: addr}
}

func replyAlreadyRegistered(addr Address) NodeReply {
	return NodeReply{Kind: ReplyAlreadyRegistered, Address: addr}
}

func replyRejected() NodeReply {
	return NodeReply{Kind: ReplyRejected, Err: ErrRouterShutdown}
}

// err converts the reply into an error for the given operation, or nil
// when the command succeeded.
func (r NodeReply) err(op string, addr Address) error {
	switch r.Kind {
	case ReplyNoSuchAddress:
		return &AddressError{Op: op, Address: r.Address, Err: ErrNoSuchAddress}
	case ReplyAlreadyRegistered:
		return &AddressError{Op: op, Address: r.Address, Err: ErrAlreadyRegistered}
	case ReplyRejected:
		return &AddressError{Op: op, Address: addr, Err: ErrRouterShutdown}
	}
	if r.Err != nil {
		return &AddressError{Op: op, Address: addr, Err: r.Err}
	}
	return nil
}
