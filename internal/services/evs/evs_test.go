package evs

import (
	"testing"

	"github.com/opencluster/execd/internal/registry"
	"github.com/opencluster/execd/internal/wire"
)

func TestDispatcherReassemblesMultiIovecBeforeReachingEVS(t *testing.T) {
	s := New(1)
	table := registry.NewTable(s.Descriptor())
	dispatcher := registry.NewDispatcher(table, func(wire.RequestHeader, string, bool, []byte) {}, nil)

	full := make([]byte, wire.RequestHeaderSize+12)
	for i := range full {
		full[i] = byte(i)
	}
	// Opcode 1 must land on EVS's single wire handler (index 0 reserved
	// for sync, index 1 is EVS's first and only wire handler).
	full[4], full[5], full[6], full[7] = 1, 0, 0, 0

	iovecs := [][]byte{full[:5], full[5:13], full[13:]}
	if err := dispatcher.Deliver("peer-1", iovecs, false); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	dump := s.dump().(map[string]int)
	if dump["received"] != 1 {
		t.Fatalf("expected exactly one reassembled message, got %d", dump["received"])
	}
	if len(s.received[0]) != 12 {
		t.Fatalf("expected a 12-byte body, got %d", len(s.received[0]))
	}
}

func TestInitBindsToServiceIndex(t *testing.T) {
	s := New(5)
	d := s.Descriptor()
	c := &fakeConn{}
	if err := d.Init(c, wire.RequestHeader{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if c.bound != 5 {
		t.Fatalf("expected bound=5, got %d", c.bound)
	}
}

type fakeConn struct{ bound int }

func (c *fakeConn) ID() string        { return "test" }
func (c *fakeConn) Service() int      { return c.bound }
func (c *fakeConn) BindService(i int) { c.bound = i }
