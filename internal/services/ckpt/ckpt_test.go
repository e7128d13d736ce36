package ckpt

import (
	"testing"

	"github.com/opencluster/execd/internal/wire"
)

type fakeConn struct{ bound int }

func (c *fakeConn) ID() string        { return "test" }
func (c *fakeConn) Service() int      { return c.bound }
func (c *fakeConn) BindService(i int) { c.bound = i }

func TestSetThenGetRoundTrips(t *testing.T) {
	s := New(1)
	d := s.Descriptor()

	body := append([]byte("key1\x00"), []byte("value1")...)
	if _, err := d.Handlers[opcodeSet].Fn(&fakeConn{}, wire.RequestHeader{}, body); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := d.Handlers[opcodeGet].Fn(&fakeConn{}, wire.RequestHeader{}, []byte("key1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "value1" {
		t.Fatalf("expected value1, got %q", got)
	}
}

func TestSetIncrementsVersion(t *testing.T) {
	s := New(1)
	d := s.Descriptor()

	body := append([]byte("k\x00"), []byte("v1")...)
	d.Handlers[opcodeSet].Fn(&fakeConn{}, wire.RequestHeader{}, body)
	body2 := append([]byte("k\x00"), []byte("v2")...)
	d.Handlers[opcodeSet].Fn(&fakeConn{}, wire.RequestHeader{}, body2)

	dump := d.ExecDump().(map[string]uint64)
	if dump["k"] != 2 {
		t.Fatalf("expected version 2 after two sets, got %d", dump["k"])
	}
}

func TestSyncProcessReplicatesMissingKeysAcrossMultipleTicks(t *testing.T) {
	s := New(1)
	s.SetPeerSnapshot(map[string][]byte{
		"a": []byte("1"), "b": []byte("2"), "c": []byte("3"),
	})
	d := s.Descriptor()

	d.Sync.Init()
	if !d.Sync.Process() {
		// replicateBatchSize (32) comfortably covers 3 keys in one tick
		t.Fatal("expected sync_process to report done within the batch size")
	}

	got, _ := d.Handlers[opcodeGet].Fn(&fakeConn{}, wire.RequestHeader{}, []byte("b"))
	if string(got) != "2" {
		t.Fatalf("expected replicated key b=2, got %q", got)
	}
}

func TestSyncProcessNeedsMultipleTicksPastBatchSize(t *testing.T) {
	s := New(1)
	peer := make(map[string][]byte, replicateBatchSize+5)
	for i := 0; i < replicateBatchSize+5; i++ {
		peer[string(rune('a'+i%26))+string(rune(i))] = []byte("v")
	}
	s.SetPeerSnapshot(peer)
	d := s.Descriptor()

	d.Sync.Init()
	if d.Sync.Process() {
		t.Fatal("expected sync_process to report not-done on the first tick with a backlog")
	}
	if !d.Sync.Process() {
		t.Fatal("expected sync_process to finish the remaining backlog on the second tick")
	}
}

func TestSyncAbortDiscardsPendingReplicationState(t *testing.T) {
	s := New(1)
	s.SetPeerSnapshot(map[string][]byte{"a": []byte("1")})
	d := s.Descriptor()

	d.Sync.Init()
	d.Sync.Abort()

	if !d.Sync.Process() {
		t.Fatal("expected an aborted barrier to leave nothing pending")
	}
}

func TestMalformedSetBodyIsIgnoredNotFatal(t *testing.T) {
	s := New(1)
	d := s.Descriptor()

	if _, err := d.Handlers[opcodeSet].Fn(&fakeConn{}, wire.RequestHeader{}, []byte("no-separator")); err != nil {
		t.Fatalf("expected a malformed body to be silently ignored, got %v", err)
	}
}

func TestStoreEvictsLeastRecentlyUsedPastSectionLimit(t *testing.T) {
	s := New(1)
	d := s.Descriptor()

	for i := 0; i < maxSections+1; i++ {
		key := string(rune('a' + i%26))
		body := append([]byte(key+string(rune(i))+"\x00"), []byte("v")...)
		d.Handlers[opcodeSet].Fn(&fakeConn{}, wire.RequestHeader{}, body)
	}

	if s.store.Len() > maxSections {
		t.Fatalf("expected store to stay within maxSections=%d, got %d", maxSections, s.store.Len())
	}
}
