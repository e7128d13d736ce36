package bootstrap

import (
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/opencluster/execd/internal/reactor"
)

// tickInterval is how often the executive tick runs. It is what drives the
// sync barrier forward (§4.I) and refreshes the diagnostics snapshot
// (§4.M): short enough that a regular configuration's barrier closes
// promptly, long enough to cost nothing noticeable against epoll_wait's
// normal cadence.
const tickInterval = 100 * time.Millisecond

// ticker is a timerfd registered with the reactor, the same self-pipe shape
// signalBridge uses for signals: a kernel-backed fd the reactor already
// knows how to wait on, rather than a second goroutine racing the reactor
// thread. onTick always runs on the reactor thread, once per firing.
type ticker struct {
	fd     int
	onTick func()
	logger *slog.Logger
}

// installTicker arms a periodic CLOCK_MONOTONIC timer and registers it with
// r. Nothing else in the reactor drives a recurring callback, so this is
// the only place §4.I's barrier and §4.M's snapshot get serviced absent an
// actual wire message on the reserved sync opcode.
func installTicker(r *reactor.Reactor, interval time.Duration, onTick func(), logger *slog.Logger) (*ticker, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, err
	}

	nsec := interval.Nanoseconds()
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(nsec),
		Value:    unix.NsecToTimespec(nsec),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return nil, err
	}

	t := &ticker{fd: fd, onTick: onTick, logger: logger}
	if err := r.Add(fd, reactor.Read, nil, t.callback); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return t, nil
}

// callback drains the timerfd's expiration count and runs onTick exactly
// once, regardless of how many intervals elapsed since the last poll — the
// barrier and snapshot only need "at least one tick happened", not an exact
// count.
func (t *ticker) callback(fd int, ready reactor.Mask, _ any) int32 {
	var buf [8]byte
	if _, err := unix.Read(t.fd, buf[:]); err != nil && err != unix.EAGAIN {
		t.logger.Warn("bootstrap: timerfd read failed", "err", err)
	}
	if t.onTick != nil {
		t.onTick()
	}
	return 0
}

func (t *ticker) Close() error {
	return unix.Close(t.fd)
}
