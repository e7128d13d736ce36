package registry

import (
	"log/slog"
	"testing"

	"github.com/opencluster/execd/internal/wire"
)

func TestHandlerForRejectsOnePastEnd(t *testing.T) {
	svc := &Service{
		Name:     "test",
		Handlers: []Handler{{}, {}}, // opcodes 0,1 valid
	}

	if _, err := svc.HandlerFor(1); err != nil {
		t.Fatalf("opcode 1 should be valid: %v", err)
	}
	if _, err := svc.HandlerFor(2); err == nil {
		t.Fatal("opcode == len(Handlers) must be rejected (resolved Open Question)")
	}
}

func TestTableByIndexIsOneIndexed(t *testing.T) {
	a := &Service{Name: "a"}
	b := &Service{Name: "b"}
	tbl := NewTable(a, b)

	if _, err := tbl.ByIndex(0); err == nil {
		t.Fatal("index 0 means uninitialized and must be rejected")
	}
	got, err := tbl.ByIndex(1)
	if err != nil || got != a {
		t.Fatalf("ByIndex(1) = %v,%v want %v,nil", got, err, a)
	}
	got, err = tbl.ByIndex(2)
	if err != nil || got != b {
		t.Fatalf("ByIndex(2) = %v,%v want %v,nil", got, err, b)
	}
	if _, err := tbl.ByIndex(3); err == nil {
		t.Fatal("out of range index must be rejected")
	}
}

func TestDispatcherRoutesToSyncSlotAndServices(t *testing.T) {
	var syncCalls, svcCalls int
	syncHandler := func(h wire.RequestHeader, src string, flipped bool, body []byte) { syncCalls++ }

	svc := &Service{
		Name: "evt",
		WireHandlers: []WireFunc{
			func(h wire.RequestHeader, src string, flipped bool, body []byte) { svcCalls++ },
		},
	}
	tbl := NewTable(svc)
	d := NewDispatcher(tbl, syncHandler, slog.Default())

	frame := make([]byte, wire.RequestHeaderSize)
	frame[0] = wire.RequestHeaderSize // size
	frame[4] = 0                      // opcode 0 -> sync slot

	if err := d.Deliver("peer", [][]byte{frame}, false); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if syncCalls != 1 || svcCalls != 0 {
		t.Fatalf("syncCalls=%d svcCalls=%d", syncCalls, svcCalls)
	}

	frame2 := make([]byte, wire.RequestHeaderSize)
	frame2[0] = wire.RequestHeaderSize
	frame2[4] = 1 // opcode 1 -> first (only) service wire handler

	if err := d.Deliver("peer", [][]byte{frame2}, false); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if svcCalls != 1 {
		t.Fatalf("svcCalls=%d want 1", svcCalls)
	}
}

func TestDispatcherAppliesEndianFlipExactlyOnce(t *testing.T) {
	var gotSize uint32
	syncHandler := func(h wire.RequestHeader, src string, flipped bool, body []byte) { gotSize = h.Size }
	tbl := NewTable()
	d := NewDispatcher(tbl, syncHandler, slog.Default())

	// Big-endian wire bytes for size=0x20, id=0x00 (routes to sync slot).
	frame := []byte{0x00, 0x00, 0x00, 0x20, 0x00, 0x00, 0x00, 0x00}
	if err := d.Deliver("peer", [][]byte{frame}, true); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if gotSize != 0x20 {
		t.Fatalf("gotSize = %#x, want 0x20", gotSize)
	}
}

func TestDispatcherReassemblesMultiIovec(t *testing.T) {
	var gotBody []byte
	svc := &Service{
		Name: "ckpt",
		WireHandlers: []WireFunc{
			func(h wire.RequestHeader, src string, flipped bool, body []byte) { gotBody = body },
		},
	}
	tbl := NewTable(svc)
	d := NewDispatcher(tbl, func(wire.RequestHeader, string, bool, []byte) {}, slog.Default())

	header := make([]byte, wire.RequestHeaderSize)
	header[4] = 1 // opcode 1
	header[0] = byte(wire.RequestHeaderSize + 4)

	if err := d.Deliver("peer", [][]byte{header, []byte("data")}, false); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if string(gotBody) != "data" {
		t.Fatalf("gotBody = %q", gotBody)
	}
}
