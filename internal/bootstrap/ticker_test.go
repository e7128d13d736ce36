package bootstrap

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestTicker(t *testing.T) (*ticker, func()) {
	t.Helper()
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	require.NoError(t, err)
	tk := &ticker{fd: fd, logger: slog.Default()}
	return tk, func() { unix.Close(fd) }
}

func TestCallbackInvokesOnTickEveryFiring(t *testing.T) {
	tk, cleanup := newTestTicker(t)
	defer cleanup()

	var fires int
	tk.onTick = func() { fires++ }

	tk.callback(tk.fd, 0, nil)
	tk.callback(tk.fd, 0, nil)

	require.Equal(t, 2, fires)
}

func TestCallbackToleratesNilOnTick(t *testing.T) {
	tk, cleanup := newTestTicker(t)
	defer cleanup()

	require.NotPanics(t, func() { tk.callback(tk.fd, 0, nil) })
}
