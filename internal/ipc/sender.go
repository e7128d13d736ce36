package ipc

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/opencluster/execd/internal/reactor"
)

// ErrNotActive is returned by SendResponse when the connection is no
// longer ACTIVE.
var ErrNotActive = errors.New("ipc: connection not active")

// ErrQueueFull is returned when the outq is at capacity and the
// connection has been marked for delayed disconnect.
var ErrQueueFull = errors.New("ipc: outq full, connection marked for disconnect")

// RawIO is the non-blocking socket write primitive the sender uses. It is
// an interface so tests can substitute a fake without a real fd.
type RawIO interface {
	// Send writes buf starting at fd in non-blocking, SIGPIPE-suppressed
	// mode. It returns the number of bytes actually written.
	Send(fd int, buf []byte) (int, error)
}

// UnixRawIO is the production RawIO backed by send(2).
type UnixRawIO struct{}

func (UnixRawIO) Send(fd int, buf []byte) (int, error) {
	n, err := unix.Send(fd, buf, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
	return n, err
}

// MaskSetter toggles a registered fd's reactor interest mask (§4.F steps
// 3-4: READ|INVAL on drain-complete, WRITE|READ|INVAL while queued).
type MaskSetter interface {
	Modify(fd int, mask reactor.Mask, cb reactor.Callback) error
}

// Sender implements §4.F: send_response and the drain routine.
type Sender struct {
	io     RawIO
	mask   MaskSetter
	logger *slog.Logger
}

// NewSender builds a Sender bound to a reactor for mask toggling.
func NewSender(io RawIO, mask MaskSetter, logger *slog.Logger) *Sender {
	if io == nil {
		io = UnixRawIO{}
	}
	return &Sender{io: io, mask: mask, logger: logger}
}

// drainOutq is the best-effort drain shared by SendResponse step 2 and the
// WRITE-readiness drain path. It returns true if the outq ended up empty.
func (s *Sender) drainOutq(c *Connection) (empty bool) {
	for !c.outq.IsEmpty() {
		rec, _ := c.outq.Get()
		n, err := s.io.Send(c.fd, rec.msg[c.byteStart:rec.mlen])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return false
			}
			// any other socket error: stop draining, let the deliver loop
			// observe the next read failure and disconnect (§7.3).
			return false
		}
		if c.byteStart+n < rec.mlen {
			c.byteStart += n
			return false
		}
		c.outq.Remove()
		c.byteStart = 0
	}
	return true
}

// Drain is invoked when the reactor reports WRITE readiness on conn's fd.
func (s *Sender) Drain(c *Connection) {
	if s.drainOutq(c) {
		if s.mask != nil {
			if err := s.mask.Modify(c.fd, reactor.Read|reactor.Inval, nil); err != nil {
				s.logger.Warn("ipc: drain mask reset failed", "conn_id", c.ID(), "err", err)
			}
		}
	}
}

// SendResponse queues or transmits a response to conn (§4.F public
// operation). msg must not be mutated by the caller afterward if queueing
// occurs without copying on the fast path's partial-write branch; callers
// should treat it as consumed.
func (s *Sender) SendResponse(c *Connection, msg []byte) error {
	if c.State() != StateActive {
		return ErrNotActive
	}

	wasEmpty := s.drainOutq(c)

	if wasEmpty {
		n, err := s.io.Send(c.fd, msg)
		switch {
		case err == nil && n == len(msg):
			if s.mask != nil {
				if merr := s.mask.Modify(c.fd, reactor.Read|reactor.Inval, nil); merr != nil {
					s.logger.Warn("ipc: mask reset failed", "conn_id", c.ID(), "err", merr)
				}
			}
			return nil
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			// fall through to queue path with byteStart==0
		case err == nil:
			// partial write: queue the remainder via byteStart, not a
			// second copy — the original message is queued whole with
			// byteStart preserved so the drain path finishes it. The
			// mask is set to WRITE|READ|INVAL below, once, by the
			// shared queue-path tail.
			c.byteStart = n
		default:
			return fmt.Errorf("ipc: send failed: %w", err)
		}
	}

	if c.outq.IsFull() {
		c.MarkDisconnectingDelayed()
		s.logger.Warn("ipc: outq full, marking connection for disconnect", "conn_id", c.ID())
		return ErrQueueFull
	}

	owned := make([]byte, len(msg))
	copy(owned, msg)
	c.outq.Add(&outboundRecord{msg: owned, mlen: len(owned)})

	if s.mask != nil {
		if err := s.mask.Modify(c.fd, reactor.Write|reactor.Read|reactor.Inval, nil); err != nil {
			s.logger.Warn("ipc: mask set failed", "conn_id", c.ID(), "err", err)
		}
	}
	return nil
}
