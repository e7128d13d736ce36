// Package ipc implements the local-client IPC layer: per-connection state
// (§4.B), the deliver loop (§4.E), the outbound sender with backpressure
// (§4.F) and the acceptor (§4.D).
package ipc

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opencluster/execd/internal/queue"
)

// RecvBufPool hands out reusable receive buffers (§4.J step 11: "initialize
// memory pool"). A nil pool is a valid zero value: NewConnection falls
// back to a fresh allocation per connection, which is what every existing
// caller that doesn't care about pooling already relies on.
type RecvBufPool = *sync.Pool

// State is the connection lifecycle (§3). It is monotone:
// Active -> DisconnectingDelayed -> Disconnecting, and Disconnecting is
// terminal (invariant I7).
type State int32

const (
	StateActive State = iota
	StateDisconnectingDelayed
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateDisconnectingDelayed:
		return "DISCONNECTING_DELAYED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// ServiceInit is the sentinel Connection.Service() value before the first
// request has bound the connection to a registered service.
const ServiceInit = 0

// outboundRecord is one owned outq entry (§3 Outbound record).
type outboundRecord struct {
	msg  []byte
	mlen int
}

// Connection holds all per-client state (§3, §4.B). It is owned
// exclusively by the deliver/sender code path for its fd — no mutexes are
// needed because the reactor runs at most one callback at a time.
type Connection struct {
	fd int
	id string

	state   atomic.Int32
	service atomic.Int32

	authenticated bool
	credChecked   bool // §9 Design Notes: evaluate the gid policy once

	inb      []byte
	inbStart int
	inbInUse int

	outq      *queue.Bounded[*outboundRecord]
	byteStart int

	ci any // opaque per-service slot (ais_ci)

	recvBufPool RecvBufPool
	closeOnce   sync.Once
}

// NewConnection allocates the receive buffer and outq. If outq allocation
// fails, nothing is left half-initialized. pool may be nil, in which case
// the receive buffer is a plain per-connection allocation.
func NewConnection(fd int, recvBufCap, queueCap int, pool RecvBufPool) (*Connection, error) {
	outq, err := queue.New[*outboundRecord](queueCap)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		fd:          fd,
		id:          uuid.NewString(),
		inb:         acquireRecvBuf(pool, recvBufCap),
		outq:        outq,
		recvBufPool: pool,
	}
	c.state.Store(int32(StateActive))
	c.service.Store(ServiceInit)
	return c, nil
}

func acquireRecvBuf(pool RecvBufPool, recvBufCap int) []byte {
	if pool == nil {
		return make([]byte, recvBufCap)
	}
	buf, _ := pool.Get().([]byte)
	if cap(buf) < recvBufCap {
		return make([]byte, recvBufCap)
	}
	return buf[:recvBufCap]
}

func (c *Connection) ID() string    { return c.id }
func (c *Connection) FD() int       { return c.fd }
func (c *Connection) State() State  { return State(c.state.Load()) }
func (c *Connection) Service() int  { return int(c.service.Load()) }
func (c *Connection) BindService(idx int) { c.service.Store(int32(idx)) }

// OutqLen reports the connection's current outbound queue depth, read by
// the diagnostics snapshot (§4.M). Like the rest of Connection's state, it
// is only ever read from the reactor thread.
func (c *Connection) OutqLen() int { return c.outq.Len() }

func (c *Connection) Authenticated() bool     { return c.authenticated }
func (c *Connection) SetAuthenticated(v bool) { c.authenticated = v }
func (c *Connection) CredentialsChecked() bool     { return c.credChecked }
func (c *Connection) SetCredentialsChecked(v bool) { c.credChecked = v }

// StashCI lets a service keep an opaque identity slot on the connection
// (ais_ci in the original data model).
func (c *Connection) StashCI(v any) { c.ci = v }
func (c *Connection) CI() any       { return c.ci }

// transitionTo advances state monotonically; no-op if s does not move the
// state forward, and always a no-op once Disconnecting.
func (c *Connection) transitionTo(s State) {
	for {
		cur := State(c.state.Load())
		if cur == StateDisconnecting || s <= cur {
			return
		}
		if c.state.CompareAndSwap(int32(cur), int32(s)) {
			return
		}
	}
}

// MarkDisconnectingDelayed requests a disconnect honored on the next time
// the reactor services this fd (queue overflow, protocol violation).
func (c *Connection) MarkDisconnectingDelayed() { c.transitionTo(StateDisconnectingDelayed) }

// Close closes the fd, drains and frees the outq, and frees the receive
// buffer. Idempotent; safe to call multiple times.
func (c *Connection) Close(closer func(fd int) error) {
	c.closeOnce.Do(func() {
		c.transitionTo(StateDisconnecting)
		if closer != nil {
			_ = closer(c.fd)
		}
		for !c.outq.IsEmpty() {
			c.outq.Remove()
		}
		if c.recvBufPool != nil && c.inb != nil {
			c.recvBufPool.Put(c.inb)
		}
		c.inb = nil
	})
}
