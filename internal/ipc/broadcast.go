package ipc

import (
	"sync"

	"github.com/opencluster/execd/internal/wire"
)

// ConnRegistry tracks every live Connection by the service index it is
// bound to. It exists so a service's wire handler can fan a re-delivered
// group message out to every local client bound to that service (EVT's
// publish/re-deliver pair, §4.O) without the registry package needing to
// know anything about ipc.Connection.
type ConnRegistry struct {
	mu     sync.Mutex
	byIdx  map[int]map[*Connection]struct{}
	total  int
	sender *Sender

	// OnCountChange, if set, is called with the total tracked connection
	// count after every Track/Untrack, so a metrics gauge can mirror it
	// without ConnRegistry depending on any metrics package.
	OnCountChange func(count int)
}

// NewConnRegistry builds a registry that fans out through sender.
func NewConnRegistry(sender *Sender) *ConnRegistry {
	return &ConnRegistry{byIdx: make(map[int]map[*Connection]struct{}), sender: sender}
}

// Track records c under the service index it is currently bound to. Called
// once a connection's Init handshake has bound it to a service.
func (r *ConnRegistry) Track(c *Connection) {
	idx := c.Service()
	r.mu.Lock()
	set, ok := r.byIdx[idx]
	if !ok {
		set = make(map[*Connection]struct{})
		r.byIdx[idx] = set
	}
	set[c] = struct{}{}
	r.total++
	count := r.total
	r.mu.Unlock()

	if r.OnCountChange != nil {
		r.OnCountChange(count)
	}
}

// Untrack removes c from every service bucket. Called at disconnect.
func (r *ConnRegistry) Untrack(c *Connection) {
	r.mu.Lock()
	removed := false
	for idx, set := range r.byIdx {
		if _, ok := set[c]; ok {
			delete(set, c)
			removed = true
		}
		if len(set) == 0 {
			delete(r.byIdx, idx)
		}
	}
	if removed {
		r.total--
	}
	count := r.total
	r.mu.Unlock()

	if removed && r.OnCountChange != nil {
		r.OnCountChange(count)
	}
}

// Count returns the total number of tracked connections, for the
// diagnostics snapshot (§4.M).
func (r *ConnRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// QueueDepths returns the current outq depth of every tracked connection,
// for the diagnostics snapshot (§4.M). Order is unspecified.
func (r *ConnRegistry) QueueDepths() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	depths := make([]int, 0, r.total)
	for _, set := range r.byIdx {
		for c := range set {
			depths = append(depths, c.OutqLen())
		}
	}
	return depths
}

// Broadcast implements evt.Subscribers: send body, framed as an
// unsolicited response, to every connection currently bound to
// serviceIdx. Delivery failures on individual connections don't stop the
// fan-out; the first one is returned once it completes.
func (r *ConnRegistry) Broadcast(serviceIdx int, body []byte) error {
	r.mu.Lock()
	set := r.byIdx[serviceIdx]
	targets := make([]*Connection, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	var firstErr error
	for _, c := range targets {
		msg := wire.NewResponse(0, 0, body)
		if err := r.sender.SendResponse(c, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
