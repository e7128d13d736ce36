package bootstrap

import (
	"encoding/binary"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/opencluster/execd/internal/reactor"
)

// signalBridge implements §4.J step 3: signals are latched into flags and
// consumed by the reactor, never acted on directly from the signal
// goroutine. It is a self-pipe — here an eventfd registered with the
// reactor — so the only thing the signal-receiving goroutine ever does is
// set a flag and write one word; the actual dump/shutdown work runs on the
// reactor thread like every other callback.
type signalBridge struct {
	fd int
	ch chan os.Signal

	dumpPending     atomic.Bool
	shutdownPending atomic.Bool

	onDump     func()
	onShutdown func()
	logger     *slog.Logger
}

// installSignals wires USR2 (dump all services) and INT/TERM (print stats,
// then initiate shutdown) into the reactor.
func installSignals(r *reactor.Reactor, onDump, onShutdown func(), logger *slog.Logger) (*signalBridge, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}

	ch := make(chan os.Signal, 4)
	b := &signalBridge{fd: fd, ch: ch, onDump: onDump, onShutdown: onShutdown, logger: logger}
	if err := r.Add(fd, reactor.Read, nil, b.callback); err != nil {
		unix.Close(fd)
		return nil, err
	}

	signal.Notify(ch, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)
	go b.watch(ch)

	return b, nil
}

func (b *signalBridge) watch(ch <-chan os.Signal) {
	for sig := range ch {
		switch sig {
		case syscall.SIGUSR2:
			b.dumpPending.Store(true)
		default:
			b.shutdownPending.Store(true)
		}
		b.wake()
	}
}

func (b *signalBridge) wake() {
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], 1)
	_, _ = unix.Write(b.fd, word[:])
}

// callback runs on the reactor thread; it drains the eventfd and then
// services whichever flags were set, in a fixed order so a coincident
// USR2+INT always dumps before shutting down.
func (b *signalBridge) callback(fd int, ready reactor.Mask, _ any) int32 {
	b.drain()

	if b.dumpPending.CompareAndSwap(true, false) {
		b.logger.Info("bootstrap: SIGUSR2 received, dumping all services")
		if b.onDump != nil {
			b.onDump()
		}
	}
	if b.shutdownPending.CompareAndSwap(true, false) {
		b.logger.Info("bootstrap: shutdown signal received")
		if b.onShutdown != nil {
			b.onShutdown()
		}
	}
	return 0
}

func (b *signalBridge) drain() {
	var word [8]byte
	for {
		if _, err := unix.Read(b.fd, word[:]); err != nil {
			return
		}
	}
}

func (b *signalBridge) Close() error {
	signal.Stop(b.ch)
	close(b.ch)
	return unix.Close(b.fd)
}
