// Package syncbarrier implements the configuration-change / synchronization
// barrier (§4.I): it collects every registered service's sync quartet and
// drives it across ring transitions, blocking flow-controlled client
// requests for the duration (invariant I6, via ipc.SyncState).
package syncbarrier

import (
	"log/slog"
	"time"

	"github.com/opencluster/execd/internal/registry"
	"github.com/opencluster/execd/internal/wire"
)

// Orchestrator tracks the single in-flight barrier. It is driven from the
// reactor goroutine only — like Connection, it needs no mutex.
type Orchestrator struct {
	table *registry.Table

	// pending is the set Tick still needs sync_process to return true for;
	// InProcess() is keyed off this one. Tick shrinks it as services report
	// done, well before activate() runs.
	pending []*registry.Service

	// initialized is every service sync_init was called on for the
	// in-flight barrier, fixed for the barrier's whole lifetime. abort()
	// iterates this rather than pending, so a service whose sync_process
	// already finished (and so had already been dropped from pending) still
	// gets its sync_abort if a transitional configuration interrupts before
	// activate() runs.
	initialized []*registry.Service

	startedAt time.Time
	logger    *slog.Logger

	// OnActivated, if set, is called with the barrier's wall-clock
	// duration once every service has activated, so a metrics histogram
	// can observe it without this package depending on any metrics
	// library.
	OnActivated func(time.Duration)
}

// New builds an orchestrator over table's services. table is read-only
// after bootstrap (§9 Design Notes: global mutable state).
func New(table *registry.Table, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{table: table, logger: logger}
}

// InProcess implements ipc.SyncState: true from the moment a regular
// configuration begins until Activate has run for every service.
func (o *Orchestrator) InProcess() bool { return o.pending != nil }

// OnConfChg is the transport's configuration-change callback (§3, §4.I). A
// regular configuration starts (or restarts) the barrier; a transitional
// configuration aborts whatever is in flight.
func (o *Orchestrator) OnConfChg(cc registry.ConfChg) {
	for _, s := range o.table.All() {
		if s.ConfChg != nil {
			s.ConfChg(cc)
		}
	}

	if !cc.Regular {
		o.abort()
		return
	}
	o.init(cc.RingID)
}

// init invokes sync_init on every service with a populated quartet, exactly
// once per regular configuration, and arms the pending list Tick drains.
func (o *Orchestrator) init(ringID string) {
	o.abort() // a fresh regular configuration discards any stale barrier

	var pending []*registry.Service
	for _, s := range o.table.All() {
		if !s.Sync.HasSync() {
			continue
		}
		s.Sync.Init()
		pending = append(pending, s)
	}
	o.pending = pending
	o.initialized = append([]*registry.Service(nil), pending...)
	o.startedAt = time.Now()
	if o.logger != nil {
		o.logger.Info("syncbarrier: init", "ring", ringID, "pending", len(o.pending))
	}
	if len(pending) == 0 {
		o.activate() // no sync-capable services: nothing to wait for
	}
}

// Tick drives sync_process on every still-pending service. Call it once per
// executive tick or wire message while InProcess() is true (§4.I). Once
// every service reports done, Activate runs on all services in
// registration order and the barrier closes.
func (o *Orchestrator) Tick() {
	if o.pending == nil {
		return
	}

	remaining := o.pending[:0]
	for _, s := range o.pending {
		if s.Sync.Process() {
			continue
		}
		remaining = append(remaining, s)
	}
	o.pending = remaining

	if len(o.pending) == 0 {
		o.activate()
	}
}

// activate invokes sync_activate on every service, in registration order,
// then closes the barrier.
func (o *Orchestrator) activate() {
	for _, s := range o.table.All() {
		if s.Sync.HasSync() {
			s.Sync.Activate()
		}
	}
	o.pending = nil
	o.initialized = nil
	if o.OnActivated != nil && !o.startedAt.IsZero() {
		o.OnActivated(time.Since(o.startedAt))
	}
	o.startedAt = time.Time{}
	if o.logger != nil {
		o.logger.Info("syncbarrier: activated")
	}
}

// WireHandler is the reserved opcode-0 wire handler (§4.H: "index 0 is
// reserved for the sync orchestrator"). This stand-in transport carries the
// barrier entirely over local ConfChg events rather than a peer-to-peer
// sync protocol, so the handler only logs unexpected traffic and nudges the
// barrier forward in case a peer's sync_process pairs with a wire message.
func (o *Orchestrator) WireHandler() registry.WireFunc {
	return func(header wire.RequestHeader, source string, endianFlipped bool, body []byte) {
		if o.logger != nil {
			o.logger.Debug("syncbarrier: wire message on reserved slot", "source", source, "len", len(body))
		}
		o.Tick()
	}
}

// abort invokes sync_abort on every service that was actually initialized
// for the in-flight barrier, then closes it without activating anything
// (§4.I: ring breaks before completion).
func (o *Orchestrator) abort() {
	if o.initialized == nil {
		return
	}
	for _, s := range o.initialized {
		s.Sync.Abort()
	}
	o.pending = nil
	o.initialized = nil
	if o.logger != nil {
		o.logger.Info("syncbarrier: aborted")
	}
}
