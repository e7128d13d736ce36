package ipc

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/opencluster/execd/internal/reactor"
)

// ListenBacklog matches the original daemon's fixed backlog (§4.D, §6).
const ListenBacklog = 5

// Registrar is the slice of the reactor the acceptor needs to register new
// client fds and itself.
type Registrar interface {
	Add(fd int, mask reactor.Mask, userdata any, cb reactor.Callback) error
}

// Acceptor binds a local stream socket in the abstract namespace and hands
// off accepted connections to a Deliverer (§4.D).
type Acceptor struct {
	fd              int
	name            string
	reactor         Registrar
	deliverer       *Deliverer
	recvBufCapacity int
	queueCapacity   int
	recvBufPool     RecvBufPool
	logger          *slog.Logger
}

// abstractSockaddr builds a Linux abstract-namespace unix socket address:
// the first byte of Name is NUL, which the kernel uses to distinguish it
// from a pathname or unnamed socket.
func abstractSockaddr(name string) *unix.SockaddrUnix {
	return &unix.SockaddrUnix{Name: "\x00" + name}
}

// NewAcceptor creates, binds and listens on name (e.g. "libais.socket").
// pool may be nil; passed through to every accepted Connection.
func NewAcceptor(name string, reg Registrar, deliverer *Deliverer, recvBufCapacity, queueCapacity int, pool RecvBufPool, logger *slog.Logger) (*Acceptor, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("ipc: socket: %w", err)
	}

	if err := unix.Bind(fd, abstractSockaddr(name)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ipc: bind(%s): %w", name, err)
	}

	if err := unix.Listen(fd, ListenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ipc: listen: %w", err)
	}

	return &Acceptor{
		fd:              fd,
		name:            name,
		reactor:         reg,
		deliverer:       deliverer,
		recvBufCapacity: recvBufCapacity,
		queueCapacity:   queueCapacity,
		recvBufPool:     pool,
		logger:          logger,
	}, nil
}

// FD returns the listening socket's file descriptor.
func (a *Acceptor) FD() int { return a.fd }

// Register adds the acceptor's own readiness to the reactor.
func (a *Acceptor) Register() error {
	return a.reactor.Add(a.fd, reactor.Read|reactor.Inval, nil, a.onAcceptable)
}

// onAcceptable is the reactor.Callback bound to the listening fd.
func (a *Acceptor) onAcceptable(fd int, ready reactor.Mask, _ any) int32 {
	for {
		clientFD, _, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return 0
			}
			a.logger.Error("ipc: accept failed", "err", err)
			return 0
		}

		if err := unix.SetsockoptInt(clientFD, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
			a.logger.Warn("ipc: SO_PASSCRED failed", "err", err)
		}

		conn, err := NewConnection(clientFD, a.recvBufCapacity, a.queueCapacity, a.recvBufPool)
		if err != nil {
			a.logger.Error("ipc: connection allocation failed, dropping peer", "err", err)
			unix.Close(clientFD)
			continue
		}

		if err := a.reactor.Add(clientFD, reactor.Read|reactor.Inval, conn, a.deliverer.Callback); err != nil {
			a.logger.Error("ipc: reactor registration failed", "err", err)
			conn.Close(unix.Close)
			continue
		}
	}
}
