// Package reactor is the poll façade the executive's single-threaded event
// loop is built on (§4.C). It wraps epoll(7): register/modify/remove
// interest in readiness events on file descriptors, then run a cooperative
// loop where at most one callback executes at a time and callbacks must
// never block.
package reactor

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// Mask is a set over {Read, Write, Inval}.
type Mask uint32

const (
	Read Mask = 1 << iota
	Write
	Inval
)

func (m Mask) toEpoll() uint32 {
	var e uint32
	if m&Read != 0 {
		e |= unix.EPOLLIN
	}
	if m&Write != 0 {
		e |= unix.EPOLLOUT
	}
	// EPOLLERR/EPOLLHUP are always reported by the kernel; Inval only
	// controls whether we *ask* for them explicitly, which epoll ignores,
	// but we keep the bit for symmetry with the mask model in spec.md.
	return e
}

func fromEpoll(events uint32) Mask {
	var m Mask
	if events&unix.EPOLLIN != 0 {
		m |= Read
	}
	if events&unix.EPOLLOUT != 0 {
		m |= Write
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		m |= Inval
	}
	return m
}

// Callback handles readiness on fd. Returning -1 causes the reactor to
// remove fd from interest (and close nothing — ownership of the fd stays
// with the caller).
type Callback func(fd int, ready Mask, userdata any) int32

type entry struct {
	userdata any
	cb       Callback
	mask     Mask
}

// Reactor is a single-threaded, cooperative epoll loop. It is not safe to
// call Add/Modify/Remove concurrently with Run from another goroutine
// without external synchronization beyond what's documented per method —
// see Run.
type Reactor struct {
	epfd   int
	wakeFD int // eventfd used to break out of Run from Stop()

	mu      sync.Mutex
	entries map[int]*entry

	logger  *slog.Logger
	running bool
}

// New creates the epoll instance and the internal wakeup eventfd.
func New(logger *slog.Logger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	r := &Reactor{
		epfd:    epfd,
		wakeFD:  wakeFD,
		entries: make(map[int]*entry),
		logger:  logger,
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFD)
		return nil, fmt.Errorf("reactor: epoll_ctl(wake): %w", err)
	}
	return r, nil
}

// Add registers fd for the given mask. cb is invoked from Run whenever fd
// becomes ready.
func (r *Reactor) Add(fd int, mask Mask, userdata any, cb Callback) error {
	r.mu.Lock()
	r.entries[fd] = &entry{userdata: userdata, cb: cb, mask: mask}
	r.mu.Unlock()

	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: mask.toEpoll(),
		Fd:     int32(fd),
	})
}

// Modify changes the interest mask (and optionally the callback, if cb is
// non-nil) for an already-registered fd.
func (r *Reactor) Modify(fd int, mask Mask, cb Callback) error {
	r.mu.Lock()
	e, ok := r.entries[fd]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("reactor: modify on unregistered fd %d", fd)
	}
	e.mask = mask
	if cb != nil {
		e.cb = cb
	}
	r.mu.Unlock()

	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: mask.toEpoll(),
		Fd:     int32(fd),
	})
}

// Remove drops fd from interest. It does not close fd.
func (r *Reactor) Remove(fd int) error {
	r.mu.Lock()
	delete(r.entries, fd)
	r.mu.Unlock()

	// ENOENT is not an error here — the fd may already have been dropped
	// by the kernel when it was closed out from under us.
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}

const maxEvents = 256

// Run blocks, servicing readiness events until Stop is called. Exactly one
// callback runs at a time; callbacks must not block.
func (r *Reactor) Run() error {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakeFD {
				r.drainWake()
				r.mu.Lock()
				running := r.running
				r.mu.Unlock()
				if !running {
					return nil
				}
				continue
			}

			r.mu.Lock()
			e, ok := r.entries[fd]
			r.mu.Unlock()
			if !ok {
				continue // raced with a Remove; drop silently
			}

			ready := fromEpoll(events[i].Events)
			if e.cb(fd, ready, e.userdata) == -1 {
				if err := r.Remove(fd); err != nil {
					r.logger.Warn("reactor: remove after callback -1 failed", "fd", fd, "err", err)
				}
			}
		}
	}
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(r.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

// Stop unblocks a running Run() and causes it to return nil. Safe to call
// from a signal handler's bottom half or any goroutine.
func (r *Reactor) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	_, _ = unix.Write(r.wakeFD, b[:])
}

// Destroy releases the epoll fd and the wakeup eventfd. Registered client
// fds are the caller's responsibility (Connection.Close owns them).
func (r *Reactor) Destroy() error {
	if err := unix.Close(r.wakeFD); err != nil {
		return err
	}
	return unix.Close(r.epfd)
}
