package ipc

import (
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/opencluster/execd/internal/reactor"
	"github.com/opencluster/execd/internal/registry"
	"github.com/opencluster/execd/internal/wire"
)

// RecvIO is the non-blocking socket read primitive, optionally requesting
// the kernel's peer-credential ancillary data (§4.E step 2). It is an
// interface so the deliver loop can be exercised without a real socket.
type RecvIO interface {
	// Recv reads into buf. If wantCreds is true the SCM_CREDENTIALS
	// ancillary message is requested on this receive; haveCreds reports
	// whether one was actually attached to this datagram.
	Recv(fd int, buf []byte, wantCreds bool) (n int, uid, gid uint32, haveCreds bool, err error)
}

// UnixRecvIO is the production RecvIO backed by recvmsg(2). It switches
// SO_PASSCRED on before a credentialed receive; switching it off again is
// left to the deliver loop once the peer is accepted.
type UnixRecvIO struct{}

func (UnixRecvIO) Recv(fd int, buf []byte, wantCreds bool) (int, uint32, uint32, bool, error) {
	if wantCreds {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	}

	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))
	n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, unix.MSG_DONTWAIT)
	if err != nil {
		return 0, 0, 0, false, err
	}
	if oobn == 0 {
		return n, 0, 0, false, nil
	}

	cmsgs, perr := unix.ParseSocketControlMessage(oob[:oobn])
	if perr != nil {
		return n, 0, 0, false, nil
	}
	for _, cm := range cmsgs {
		if cm.Header.Level == unix.SOL_SOCKET && cm.Header.Type == unix.SCM_CREDENTIALS {
			if ucred, perr := unix.ParseUnixCredentials(&cm); perr == nil {
				return n, ucred.Uid, ucred.Gid, true, nil
			}
		}
	}
	return n, 0, 0, false, nil
}

// GroupTransport is the slice of the totem group-messaging transport the
// deliver loop consumes for flow control (§6): an admission test gating
// flow-controlled opcodes.
type GroupTransport interface {
	SendOk(size int) bool
}

// SyncState reports whether a configuration-change sync barrier is
// currently in progress (§4.I); flow-controlled opcodes are gated on it.
type SyncState interface {
	InProcess() bool
}

// Deliverer implements §4.E: the per-connection receive/frame/dispatch
// loop, plus the disconnect path shared with the sender's overflow case.
type Deliverer struct {
	table       *registry.Table
	sender      *Sender
	recv        RecvIO
	transport   GroupTransport
	sync        SyncState
	expectedGID uint32
	logger      *slog.Logger
	closer      func(fd int) error
	conns       *ConnRegistry

	// onFlowControlReject, if set, is called every time the flow-control
	// gate synthesizes a TRY_AGAIN instead of running the opcode (§4.E
	// step 6, invariant I6). Kept as a plain callback so ipc has no
	// dependency on any particular metrics library.
	onFlowControlReject func()
}

// SetFlowControlRejectHook installs cb as the TRY_AGAIN observer.
func (d *Deliverer) SetFlowControlRejectHook(cb func()) { d.onFlowControlReject = cb }

// NewDeliverer wires the deliver loop to its collaborators. conns may be
// nil: a deliverer with no registry simply never tracks connections for
// service-local broadcast (fine for tests that don't exercise EVT).
func NewDeliverer(table *registry.Table, sender *Sender, recv RecvIO, transport GroupTransport, sync SyncState, expectedGID uint32, logger *slog.Logger, conns *ConnRegistry) *Deliverer {
	if recv == nil {
		recv = UnixRecvIO{}
	}
	return &Deliverer{
		table:       table,
		sender:      sender,
		recv:        recv,
		transport:   transport,
		sync:        sync,
		expectedGID: expectedGID,
		logger:      logger,
		closer:      unix.Close,
		conns:       conns,
	}
}

// Callback is the reactor.Callback bound to a client fd at accept time.
func (d *Deliverer) Callback(fd int, ready reactor.Mask, userdata any) int32 {
	conn, ok := userdata.(*Connection)
	if !ok {
		return -1
	}

	if ready&reactor.Write != 0 {
		d.sender.Drain(conn)
	}

	if ready&reactor.Read != 0 {
		return d.handleReadable(conn)
	}
	return 0
}

func (d *Deliverer) handleReadable(c *Connection) int32 {
	if c.State() != StateActive {
		return d.disconnect(c)
	}

	wantCreds := !c.CredentialsChecked()
	n, uid, gid, haveCreds, err := d.recv.Recv(c.fd, c.inb[c.inbStart:], wantCreds)
	if err != nil {
		if err == unix.EINTR {
			return 0
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0
		}
		return d.disconnect(c)
	}
	if n == 0 {
		return d.disconnect(c)
	}

	if wantCreds {
		c.SetCredentialsChecked(true)
		if haveCreds {
			if uid == 0 || gid == d.expectedGID {
				c.SetAuthenticated(true)
				_ = unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 0)
			} else {
				d.logger.Warn("SECURITY: rejected peer credentials", "conn_id", c.ID(), "uid", uid, "gid", gid)
			}
		}
	}

	c.inbInUse += n
	c.inbStart += n

	for c.inbInUse >= wire.RequestHeaderSize {
		frameStart := c.inbStart - c.inbInUse
		header := wire.DecodeRequestHeader(c.inb[frameStart:])
		if header.Size < wire.RequestHeaderSize {
			d.logger.Warn("ipc: protocol violation, undersized frame", "conn_id", c.ID(), "size", header.Size)
			return d.disconnect(c)
		}
		if int(header.Size) > c.inbInUse {
			break // partial frame: wait for the remaining bytes
		}

		body := c.inb[frameStart+wire.RequestHeaderSize : frameStart+int(header.Size)]
		if err := d.dispatchFrame(c, header, body); err != nil {
			d.logger.Warn("ipc: dispatch error, disconnecting", "conn_id", c.ID(), "err", err)
			return d.disconnect(c)
		}
		c.inbInUse -= int(header.Size)
	}

	d.compact(c)
	return 0
}

func (d *Deliverer) dispatchFrame(c *Connection, header wire.RequestHeader, body []byte) error {
	if c.Service() == ServiceInit {
		svc, err := d.table.ByIndex(int(header.ID))
		if err != nil {
			return err
		}
		if svc.Init == nil {
			return errNoInit(svc.Name)
		}
		if err := svc.Init(c, header); err != nil {
			return err
		}
		if d.conns != nil {
			d.conns.Track(c)
		}
		return nil
	}

	svc, err := d.table.ByIndex(c.Service())
	if err != nil {
		return err
	}
	h, err := svc.HandlerFor(header.ID)
	if err != nil {
		return err
	}

	allowed := h.Flow == registry.FlowNotRequired
	if !allowed {
		allowed = d.transport.SendOk(1000+int(header.Size)) && !d.sync.InProcess()
	}
	if !allowed {
		if d.onFlowControlReject != nil {
			d.onFlowControlReject()
		}
		bodyLen := 0
		if int(h.ResponseSize) > wire.ResponseHeaderSize {
			bodyLen = int(h.ResponseSize) - wire.ResponseHeaderSize
		}
		return d.sender.SendResponse(c, wire.NewResponse(h.ResponseID, wire.TryAgain, make([]byte, bodyLen)))
	}

	respBody, err := h.Fn(c, header, body)
	if err != nil {
		return err
	}
	if respBody != nil {
		return d.sender.SendResponse(c, wire.NewResponse(h.ResponseID, 0, respBody))
	}
	return nil
}

// compact implements §4.E step 7 recv-buffer compaction.
func (d *Deliverer) compact(c *Connection) {
	if c.inbInUse == 0 {
		c.inbStart = 0
		return
	}
	if c.inbStart == len(c.inb) {
		tailStart := c.inbStart - c.inbInUse
		copy(c.inb, c.inb[tailStart:c.inbStart])
		c.inbStart = c.inbInUse
	}
}

// disconnect implements the shared disconnect path (§4.E "Disconnect
// path"). It always returns -1 so the caller removes the fd from the
// reactor.
func (d *Deliverer) disconnect(c *Connection) int32 {
	retry := registry.ExitRelease
	if c.Service() != ServiceInit {
		if svc, err := d.table.ByIndex(c.Service()); err == nil && svc.Exit != nil {
			retry = svc.Exit(c)
		}
	}
	if d.conns != nil {
		d.conns.Untrack(c)
	}
	c.Close(d.closer)
	// retry == registry.ExitRetry means a service still holds a weak
	// reference to c; in Go there is nothing further to release
	// explicitly (see Design Notes: cyclic reference) — the Connection
	// is simply not reused or pooled until that reference is dropped.
	_ = retry
	return -1
}

type initError string

func errNoInit(svcName string) error { return initError("ipc: service " + svcName + " has no init handler") }
func (e initError) Error() string    { return string(e) }
