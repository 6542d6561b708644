package core

import (
	"fmt"
	"strings"
)

// Address identifies a worker mailbox. It implies no ownership of the worker.
type Address string

// String returns the address name.
func (a Address) String() string {
	return string(a)
}

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool {
	return a == ""
}

// AddressSet is the ordered set of addresses bound to one worker.
// The first element is the primary address; the rest are aliases.
type AddressSet []Address

// NewAddressSet builds a set from a primary address and optional aliases.
// Duplicates are dropped, keeping first occurrence order.
func NewAddressSet(primary Address, aliases ...Address) AddressSet {
	set := make(AddressSet, 0, len(aliases)+1)
	seen := make(map[Address]struct{}, len(aliases)+1)
	for _, addr := range append([]Address{primary}, aliases...) {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		set = append(set, addr)
	}
	return set
}

// Primary returns the primary address, or the zero address for an empty set.
func (s AddressSet) Primary() Address {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// Contains reports whether addr belongs to the set.
func (s AddressSet) Contains(addr Address) bool {
	for _, a := range s {
		if a == addr {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no backing storage with s.
func (s AddressSet) Clone() AddressSet {
	if s == nil {
		return nil
	}
	out := make(AddressSet, len(s))
	copy(out, s)
	return out
}

// routeSeparator is the display separator between hops.
const routeSeparator = " => "

// Route is the ordered path of addresses a message traverses.
//
// Routes are values: every transformation returns a new Route and never
// writes into storage another caller may hold.
type Route []Address

// NewRoute builds a route from the given hops.
func NewRoute(hops ...Address) Route {
	r := make(Route, len(hops))
	copy(r, hops)
	return r
}

// ParseRoute parses the display form "a => b => c".
func ParseRoute(s string) (Route, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Route{}, nil
	}

	parts := strings.Split(s, "=>")
	route := make(Route, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("invalid route %q: empty hop", s)
		}
		route = append(route, Address(p))
	}
	return route, nil
}

// Len returns the number of hops.
func (r Route) Len() int {
	return len(r)
}

// IsEmpty reports whether the route has no hops.
func (r Route) IsEmpty() bool {
	return len(r) == 0
}

// Next returns the first hop.
func (r Route) Next() (Address, error) {
	if len(r) == 0 {
		return "", ErrEmptyRoute
	}
	return r[0], nil
}

// Recipient returns the last hop.
func (r Route) Recipient() (Address, error) {
	if len(r) == 0 {
		return "", ErrEmptyRoute
	}
	return r[len(r)-1], nil
}

// Step returns the route without its first hop.
func (r Route) Step() (Route, error) {
	if len(r) == 0 {
		return nil, ErrEmptyRoute
	}
	return NewRoute(r[1:]...), nil
}

// Prepend returns a new route with addr as the first hop.
func (r Route) Prepend(addr Address) Route {
	out := make(Route, 0, len(r)+1)
	out = append(out, addr)
	return append(out, r...)
}

// Append returns a new route with addr as the last hop.
func (r Route) Append(addr Address) Route {
	out := make(Route, 0, len(r)+1)
	out = append(out, r...)
	return append(out, addr)
}

// Clone returns a copy of the route.
func (r Route) Clone() Route {
	if r == nil {
		return nil
	}
	return NewRoute(r...)
}

// Equal reports whether both routes have the same hops in the same order.
func (r Route) Equal(other Route) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if r[i] != other[i] {
			return false
		}
	}
	return true
}

// Modify starts a structural edit of a copy of the route.
func (r Route) Modify() *RouteBuilder {
	return &RouteBuilder{hops: r.Clone()}
}

// String returns the display form of the route.
func (r Route) String() string {
	parts := make([]string, len(r))
	for i, a := range r {
		parts[i] = string(a)
	}
	return strings.Join(parts, routeSeparator)
}

// RouteBuilder accumulates edits to a private copy of a route.
type RouteBuilder struct {
	hops Route
}

// Prepend inserts addr before the first hop.
func (b *RouteBuilder) Prepend(addr Address) *RouteBuilder {
	b.hops = b.hops.Prepend(addr)
	return b
}

// Append adds addr after the last hop.
func (b *RouteBuilder) Append(addr Address) *RouteBuilder {
	b.hops = b.hops.Append(addr)
	return b
}

// PopFront drops the first hop, if any.
func (b *RouteBuilder) PopFront() *RouteBuilder {
	if len(b.hops) > 0 {
		b.hops = NewRoute(b.hops[1:]...)
	}
	return b
}

// Build returns the edited route.
func (b *RouteBuilder) Build() Route {
	return b.hops.Clone()
}
