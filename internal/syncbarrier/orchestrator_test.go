package syncbarrier

import (
	"testing"

	"github.com/opencluster/execd/internal/registry"
)

func svcWithSync(name string, processCalls int) (*registry.Service, *int, *int, *int) {
	var inits, activates, aborts int
	remaining := processCalls
	s := &registry.Service{
		Name: name,
		Sync: registry.SyncQuartet{
			Init:     func() { inits++ },
			Process:  func() bool { remaining--; return remaining <= 0 },
			Activate: func() { activates++ },
			Abort:    func() { aborts++ },
		},
	}
	return s, &inits, &activates, &aborts
}

func TestRegularConfigDrivesInitProcessActivate(t *testing.T) {
	s1, inits1, activates1, _ := svcWithSync("clm", 1)
	s2, inits2, activates2, _ := svcWithSync("ckpt", 2)
	table := registry.NewTable(s1, s2)
	o := New(table, nil)

	o.OnConfChg(registry.ConfChg{RingID: "ring-1", Regular: true})
	if !o.InProcess() {
		t.Fatal("expected InProcess() true after a regular confchg with pending services")
	}
	if *inits1 != 1 || *inits2 != 1 {
		t.Fatalf("expected sync_init exactly once each, got %d,%d", *inits1, *inits2)
	}

	o.Tick() // s1 done after 1 process call, s2 still has one more to go
	if !o.InProcess() {
		t.Fatal("expected still in process, s2 not done")
	}
	if *activates1 != 0 {
		t.Fatal("activate must not run before every service reports done")
	}

	o.Tick() // s2 now done
	if o.InProcess() {
		t.Fatal("expected barrier closed once every service is done")
	}
	if *activates1 != 1 || *activates2 != 1 {
		t.Fatalf("expected activate on every service in order, got %d,%d", *activates1, *activates2)
	}
}

func TestTransitionalConfigAbortsInFlightBarrier(t *testing.T) {
	s1, _, activates1, aborts1 := svcWithSync("clm", 5)
	table := registry.NewTable(s1)
	o := New(table, nil)

	o.OnConfChg(registry.ConfChg{RingID: "ring-1", Regular: true})
	o.Tick() // not done yet (needs 5 process calls)
	if !o.InProcess() {
		t.Fatal("expected in process")
	}

	o.OnConfChg(registry.ConfChg{RingID: "ring-1-transitional", Regular: false})
	if o.InProcess() {
		t.Fatal("expected barrier closed on transitional confchg")
	}
	if *aborts1 != 1 {
		t.Fatalf("expected sync_abort exactly once, got %d", *aborts1)
	}
	if *activates1 != 0 {
		t.Fatal("activate must not run on an aborted barrier")
	}
}

func TestAbortReachesServiceDoneBeforeActivate(t *testing.T) {
	// s1 finishes sync_process on the very first Tick and so is dropped from
	// pending well before s2 (which never finishes) lets activate() run.
	s1, _, activates1, aborts1 := svcWithSync("clm", 1)
	s2, _, activates2, aborts2 := svcWithSync("ckpt", 5)
	table := registry.NewTable(s1, s2)
	o := New(table, nil)

	o.OnConfChg(registry.ConfChg{RingID: "ring-1", Regular: true})
	o.Tick() // s1 done and removed from pending, s2 still pending
	if !o.InProcess() {
		t.Fatal("expected still in process, s2 not done")
	}

	o.OnConfChg(registry.ConfChg{RingID: "ring-1-transitional", Regular: false})
	if *aborts1 != 1 {
		t.Fatalf("expected sync_abort on s1 even though it had already left pending, got %d", *aborts1)
	}
	if *aborts2 != 1 {
		t.Fatalf("expected sync_abort on s2, got %d", *aborts2)
	}
	if *activates1 != 0 || *activates2 != 0 {
		t.Fatal("activate must not run on an aborted barrier")
	}
}

func TestServicesWithoutSyncQuartetAreIgnored(t *testing.T) {
	noSync := &registry.Service{Name: "evt"}
	table := registry.NewTable(noSync)
	o := New(table, nil)

	o.OnConfChg(registry.ConfChg{RingID: "ring-1", Regular: true})
	if o.InProcess() {
		t.Fatal("a barrier with no sync-capable services should close immediately")
	}
}

func TestConfChgHookFiresForEveryServiceRegardlessOfSync(t *testing.T) {
	var fired int
	s := &registry.Service{
		Name:    "amf",
		ConfChg: func(registry.ConfChg) { fired++ },
	}
	table := registry.NewTable(s)
	o := New(table, nil)

	o.OnConfChg(registry.ConfChg{RingID: "ring-1", Regular: true})
	o.OnConfChg(registry.ConfChg{RingID: "ring-1-transitional", Regular: false})

	if fired != 2 {
		t.Fatalf("expected confchg hook invoked for both transitions, got %d", fired)
	}
}
