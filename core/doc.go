// Package core implements the message routing fabric of a node.
//
// Every worker inside a node is reachable through one or more Addresses.
// The Router owns the table mapping addresses to live workers and applies
// every registration, lookup and removal from a single goroutine, so the
// table never needs a lock. Messages travel along a Route: the Node resolves
// the first hop, delivers the message to that worker's mailbox, and the
// worker either consumes it or forwards it along the remaining hops.
package core
