package evt

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/opencluster/execd/internal/wire"
)

type fakeConn struct{ bound int }

func (c *fakeConn) ID() string        { return "test" }
func (c *fakeConn) Service() int      { return c.bound }
func (c *fakeConn) BindService(i int) { c.bound = i }

type fakeTransport struct {
	published [][]byte
	err       error
}

func (f *fakeTransport) Multicast(body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, body)
	return nil
}

type fakeSubs struct {
	calls []int
	err   error
}

func (f *fakeSubs) Broadcast(serviceIdx int, body []byte) error {
	f.calls = append(f.calls, serviceIdx)
	return f.err
}

func TestPublishMulticastsBody(t *testing.T) {
	transport := &fakeTransport{}
	s := New(3, transport, &fakeSubs{}, slog.Default())
	d := s.Descriptor()

	if _, err := d.Handlers[0].Fn(&fakeConn{}, wire.RequestHeader{}, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(transport.published) != 1 || string(transport.published[0]) != "hello" {
		t.Fatalf("expected body to be multicast, got %v", transport.published)
	}
}

func TestPublishPropagatesTransportError(t *testing.T) {
	transport := &fakeTransport{err: errors.New("broker down")}
	s := New(1, transport, &fakeSubs{}, slog.Default())
	d := s.Descriptor()

	if _, err := d.Handlers[0].Fn(&fakeConn{}, wire.RequestHeader{}, nil); err == nil {
		t.Fatal("expected the transport error to propagate")
	}
}

func TestOnWireEventFansOutToBoundServiceIndex(t *testing.T) {
	subs := &fakeSubs{}
	s := New(7, &fakeTransport{}, subs, slog.Default())
	d := s.Descriptor()

	d.WireHandlers[0](wire.RequestHeader{}, "node-2", false, []byte("evt"))

	if len(subs.calls) != 1 || subs.calls[0] != 7 {
		t.Fatalf("expected broadcast targeted at service index 7, got %v", subs.calls)
	}
}

func TestOnWireEventSwallowsBroadcastErrorsWithoutPanicking(t *testing.T) {
	subs := &fakeSubs{err: errors.New("no local subscribers")}
	s := New(1, &fakeTransport{}, subs, slog.Default())
	d := s.Descriptor()

	d.WireHandlers[0](wire.RequestHeader{}, "node-2", false, []byte("evt"))

	dump := d.ExecDump().(map[string]int)
	if dump["delivered"] != 0 {
		t.Fatalf("expected delivered count unchanged on broadcast error, got %d", dump["delivered"])
	}
}
