package ipc

import (
	"log/slog"
	"testing"

	"github.com/opencluster/execd/internal/wire"
)

func newBoundConnection(t *testing.T, svcIdx int) *Connection {
	t.Helper()
	c := newTestConnection(t)
	c.BindService(svcIdx)
	return c
}

func TestBroadcastDeliversOnlyToConnectionsBoundToServiceIdx(t *testing.T) {
	io := &fakeRawIO{}
	sender := NewSender(io, &fakeMaskSetter{}, slog.Default())
	reg := NewConnRegistry(sender)

	a := newBoundConnection(t, 2)
	b := newBoundConnection(t, 2)
	other := newBoundConnection(t, 3)
	reg.Track(a)
	reg.Track(b)
	reg.Track(other)

	if err := reg.Broadcast(2, []byte("hi")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if !a.outq.IsEmpty() {
		t.Fatal("expected a's message sent inline, not queued, given an empty outq")
	}
	if len(io.sent) == 0 {
		t.Fatal("expected Broadcast to have written to the fake socket")
	}
	if want := 2 * len(wire.NewResponse(0, 0, []byte("hi"))); len(io.sent) != want {
		t.Fatalf("expected exactly two deliveries (%d bytes), got %d bytes", want, len(io.sent))
	}
}

func TestUntrackRemovesConnectionFromFutureBroadcasts(t *testing.T) {
	io := &fakeRawIO{}
	sender := NewSender(io, &fakeMaskSetter{}, slog.Default())
	reg := NewConnRegistry(sender)

	a := newBoundConnection(t, 5)
	reg.Track(a)
	reg.Untrack(a)

	io.sent = nil
	if err := reg.Broadcast(5, []byte("hi")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(io.sent) != 0 {
		t.Fatal("expected no delivery after Untrack")
	}
}

func TestOnCountChangeFiresOnTrackAndUntrack(t *testing.T) {
	sender := NewSender(&fakeRawIO{}, &fakeMaskSetter{}, slog.Default())
	reg := NewConnRegistry(sender)

	var counts []int
	reg.OnCountChange = func(n int) { counts = append(counts, n) }

	a := newBoundConnection(t, 1)
	b := newBoundConnection(t, 1)
	reg.Track(a)
	reg.Track(b)
	reg.Untrack(a)

	if len(counts) != 3 || counts[0] != 1 || counts[1] != 2 || counts[2] != 1 {
		t.Fatalf("expected [1 2 1], got %v", counts)
	}
}

func TestUntrackOfUntrackedConnectionDoesNotFireOnCountChange(t *testing.T) {
	sender := NewSender(&fakeRawIO{}, &fakeMaskSetter{}, slog.Default())
	reg := NewConnRegistry(sender)

	fired := false
	reg.OnCountChange = func(int) { fired = true }

	reg.Untrack(newBoundConnection(t, 1))

	if fired {
		t.Fatal("expected OnCountChange not to fire for an untracked connection")
	}
}
