// Package registry implements the fixed, ordered service-handler plug-in
// model the executive dispatches local-client requests and group-messaging
// wire traffic through. The table is built once at startup and is
// read-only for the remainder of the process — see Design Notes in the
// specification on global mutable state.
package registry

import (
	"fmt"

	"github.com/opencluster/execd/internal/wire"
)

// Conn is the slice of ipc.Connection that service handlers need. Kept as
// an interface here (rather than importing ipc directly) so that registry
// has no dependency on the transport-level connection implementation —
// only ipc imports registry, never the reverse.
type Conn interface {
	ID() string
	Service() int
	BindService(idx int)
}

// FlowControl marks whether an opcode handler is gated on transport
// admission and sync-in-progress (§4.E step 6).
type FlowControl int

const (
	FlowNotRequired FlowControl = iota
	FlowRequired
)

// ExitResult is returned by a service's Exit hook at disconnect time.
type ExitResult int

const (
	// ExitRelease lets the deliver loop free the Connection immediately.
	ExitRelease ExitResult = iota
	// ExitRetry asks the deliver loop to keep the Connection alive because
	// the service still holds a weak reference to it (§9 cyclic reference).
	ExitRetry
)

// HandlerFunc runs a bound connection's opcode. It returns the response
// body (header is synthesized by the caller) and an error; a non-nil error
// requests a disconnect (§7 propagation policy).
type HandlerFunc func(conn Conn, header wire.RequestHeader, body []byte) ([]byte, error)

// InitFunc runs on the first request of a connection and is responsible
// for calling conn.BindService.
type InitFunc func(conn Conn, header wire.RequestHeader) error

// ExitFunc runs once at disconnect.
type ExitFunc func(conn Conn) ExitResult

// WireFunc handles a message delivered by the group transport.
type WireFunc func(header wire.RequestHeader, source string, endianFlipped bool, body []byte)

// ConfChg carries ring-transition data through to a service's confchg hook.
// The core treats ring id and member lists as opaque (§3).
type ConfChg struct {
	RingID    string
	Regular   bool // false => transitional configuration
	Members   []string
	Left      []string
	Joined    []string
}

// ConfChgFunc is invoked on every transport configuration change.
type ConfChgFunc func(ConfChg)

// SyncQuartet is the {init, process, activate, abort} callback set a
// service contributes to the sync orchestrator (§4.I).
type SyncQuartet struct {
	Init     func()
	Process  func() (done bool)
	Activate func()
	Abort    func()
}

// HasSync reports whether the quartet was actually populated by a service —
// services without cross-ring state may leave it zero.
func (q SyncQuartet) HasSync() bool { return q.Init != nil && q.Process != nil }

// Handler is one opcode's table entry (§3 service descriptor).
type Handler struct {
	Fn           HandlerFunc
	Flow         FlowControl
	ResponseID   uint32
	ResponseSize uint32
}

// Service is one registry entry: everything a clustering service plugs in.
type Service struct {
	Name         string
	Init         InitFunc
	Exit         ExitFunc
	Handlers     []Handler
	WireHandlers []WireFunc
	ExecInit     func() error
	ExecDump     func() any
	ConfChg      ConfChgFunc
	Sync         SyncQuartet
}

// Table is the fixed ordered vector of services, 1-indexed on the wire
// (index 0 means "uninitialized", matching Conn.Service()==0).
type Table struct {
	services []*Service
}

// NewTable builds the registry from an ordered list of services. The
// registry is immutable after construction.
func NewTable(services ...*Service) *Table {
	t := &Table{services: make([]*Service, len(services))}
	copy(t.services, services)
	return t
}

// Len returns the number of registered services.
func (t *Table) Len() int { return len(t.services) }

// ByIndex returns the 1-indexed service, or an error if idx is out of
// range. Per the resolved Open Question (see DESIGN.md), the bounds check
// is strict: idx must be in [1, Len()].
func (t *Table) ByIndex(idx int) (*Service, error) {
	if idx < 1 || idx > len(t.services) {
		return nil, fmt.Errorf("registry: service index %d out of range [1,%d]", idx, len(t.services))
	}
	return t.services[idx-1], nil
}

// All returns the services in registration order. Callers must not mutate
// the returned slice's contents.
func (t *Table) All() []*Service { return t.services }

// HandlerFor resolves the opcode handler for a bound connection's service.
// It implements the §9 Open Question resolution: the index must be
// strictly less than the handler count (`>=` bounds check), not merely
// not-greater, closing the one-past-the-end permissiveness of the
// original C implementation.
func (s *Service) HandlerFor(opcode uint32) (Handler, error) {
	if int(opcode) >= len(s.Handlers) {
		return Handler{}, fmt.Errorf("registry: opcode %d out of range for service %q (%d handlers)", opcode, s.Name, len(s.Handlers))
	}
	return s.Handlers[opcode], nil
}
