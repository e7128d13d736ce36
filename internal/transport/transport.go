// Package transport defines the group-messaging transport contract the core
// consumes (spec.md §6): a totem-style module initialized with a multicast
// address, an interface list and a shared secret, exposing an admission
// test and a multicast submit primitive, and invoking two callbacks —
// delivery and configuration-change — back into the reactor.
package transport

import "github.com/opencluster/execd/internal/registry"

// Config bundles the parameters a group transport is initialized with
// (spec.md §4.J step 8, §6): `(mcast_addr, interfaces, secret, deliver_fn,
// confchg_fn)`. The reactor handle is supplied separately, by registering
// whatever fd(s) the concrete adapter exposes.
type Config struct {
	MulticastAddr string
	Interfaces    []string
	Secret        []byte
}

// DeliverFunc is invoked once per group message, in per-ring total order.
// iovecs carries the message as a possibly-fragmented scatter/gather list
// (§4.H reassembly); endianFlipped mirrors the sender's byte
// order relative to this process.
type DeliverFunc func(sourceAddr string, iovecs [][]byte, endianFlipped bool) error

// ConfChgFunc is invoked on every ring membership change.
type ConfChgFunc func(registry.ConfChg)

// GroupTransport is the slice of TOTEMPG the core depends on. ipc.Deliverer
// depends on the narrower GroupTransport interface it declares itself
// (SendOk only); this wider interface is what bootstrap wires together.
type GroupTransport interface {
	// Initialize starts the transport; deliver and confchg are invoked for
	// the lifetime of the transport, from its own goroutine(s), and must be
	// handed off to the reactor rather than called inline (§5 concurrency).
	Initialize(cfg Config, deliver DeliverFunc, confchg ConfChgFunc) error

	// SendOk is the flow-control admission test (§4.E step 6, invariant
	// I6): true if a message of size bytes can be accepted right now.
	SendOk(size int) bool

	// Multicast submits a message for totally ordered, virtually
	// synchronous delivery to every member of the current ring.
	Multicast(body []byte) error

	// Close releases the transport's resources.
	Close() error
}
