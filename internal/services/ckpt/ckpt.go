// Package ckpt implements the checkpoint service (§4.O): an in-memory
// versioned key/value store. Its sync_process replicates missing keys
// across the barrier one batch per tick, the one service whose sync
// quartet genuinely needs more than one tick to finish (§4.I).
package ckpt

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opencluster/execd/internal/registry"
	"github.com/opencluster/execd/internal/wire"
)

const (
	opcodeGet = iota
	opcodeSet
)

// replicateBatchSize bounds how many keys sync_process copies per tick, so
// a large store doesn't stall the single-threaded reactor in one call.
const replicateBatchSize = 32

// maxSections bounds the checkpoint store's resident key count, mirroring
// a real checkpoint service's configured section limit: once full, the
// least-recently-used section is evicted to make room for a new one rather
// than growing the store without bound.
const maxSections = 4096

type entry struct {
	value   []byte
	version uint64
}

// Service is the checkpoint store. Unlike CLM/EVT, its state is read from
// both the reactor's dispatch path and (indirectly, via ExecDump) the
// diagnostics bridge, so it keeps the sync.RWMutex the spec calls for
// rather than relying on single-goroutine ownership.
type Service struct {
	serviceIdx int

	mu    sync.RWMutex
	store *lru.Cache[string, entry]

	// peerStore is the replication source another ring member's barrier
	// copies from; in this single-process stand-in it models the keys a
	// peer holds that we are missing, queued up by a regular confchg.
	peerStore   map[string]entry
	missingKeys []string
}

// New builds an empty, section-bounded checkpoint store. serviceIdx is this
// service's own registry index, bound on every connection's INIT request.
func New(serviceIdx int) *Service {
	store, err := lru.New[string, entry](maxSections)
	if err != nil {
		// Only returned for a non-positive size, which maxSections never is.
		panic(err)
	}
	return &Service{serviceIdx: serviceIdx, store: store}
}

// Descriptor builds the registry.Service capability for this instance.
func (s *Service) Descriptor() *registry.Service {
	return &registry.Service{
		Name: "ckpt",
		Init: func(conn registry.Conn, h wire.RequestHeader) error {
			conn.BindService(s.serviceIdx)
			return nil
		},
		Exit: func(conn registry.Conn) registry.ExitResult { return registry.ExitRelease },
		Handlers: []registry.Handler{
			opcodeGet: {Flow: registry.FlowRequired, ResponseID: 0, ResponseSize: wire.ResponseHeaderSize, Fn: s.get},
			opcodeSet: {Flow: registry.FlowRequired, ResponseID: 1, ResponseSize: wire.ResponseHeaderSize, Fn: s.set},
		},
		Sync: registry.SyncQuartet{
			Init:     s.syncInit,
			Process:  s.syncProcess,
			Activate: s.syncActivate,
			Abort:    s.syncAbort,
		},
		ExecDump: s.dump,
	}
}

func (s *Service) get(conn registry.Conn, header wire.RequestHeader, body []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.store.Get(string(body))
	if !ok {
		return nil, nil
	}
	return e.value, nil
}

func (s *Service) set(conn registry.Conn, header wire.RequestHeader, body []byte) ([]byte, error) {
	key, value, ok := splitKeyValue(body)
	if !ok {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, _ := s.store.Get(key)
	s.store.Add(key, entry{value: value, version: prev.version + 1})
	return nil, nil
}

// splitKeyValue parses "key\x00value" request bodies. A malformed body is
// silently ignored rather than disconnecting the client, since a checkpoint
// write failure is a benign client error, not a protocol violation.
func splitKeyValue(body []byte) (string, []byte, bool) {
	for i, b := range body {
		if b == 0 {
			return string(body[:i]), body[i+1:], true
		}
	}
	return "", nil, false
}

// SetPeerSnapshot seeds the keys a ring peer holds that the local store is
// missing, driving the multi-tick replication demonstrated by syncProcess.
// A stub substitute for receiving this over the real group transport.
func (s *Service) SetPeerSnapshot(peer map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerStore = make(map[string]entry, len(peer))
	for k, v := range peer {
		s.peerStore[k] = entry{value: v}
	}
}

// syncInit computes the set of keys present in the peer snapshot but
// missing locally; sync_process drains this list.
func (s *Service) syncInit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missingKeys = s.missingKeys[:0]
	for k := range s.peerStore {
		if !s.store.Contains(k) {
			s.missingKeys = append(s.missingKeys, k)
		}
	}
}

// syncProcess replicates up to replicateBatchSize missing keys per call and
// reports done once the backlog is empty (§4.I "process -> done?").
func (s *Service) syncProcess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := min(replicateBatchSize, len(s.missingKeys))
	for _, k := range s.missingKeys[:n] {
		s.store.Add(k, s.peerStore[k])
	}
	s.missingKeys = s.missingKeys[n:]
	return len(s.missingKeys) == 0
}

func (s *Service) syncActivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerStore = nil
}

func (s *Service) syncAbort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missingKeys = nil
	s.peerStore = nil
}

func (s *Service) dump() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.store.Keys()
	out := make(map[string]uint64, len(keys))
	for _, k := range keys {
		if e, ok := s.store.Peek(k); ok {
			out[k] = e.version
		}
	}
	return out
}
