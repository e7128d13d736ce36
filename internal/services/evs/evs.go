// Package evs implements a stub virtual-synchrony passthrough service
// (§4.O): a wire handler with no opcode handlers of its own, exercising the
// iovec reassembly path of §4.H, which copies a message split across more
// than one iovec into a single scratch buffer.
package evs

import (
	"bytes"

	"github.com/opencluster/execd/internal/registry"
	"github.com/opencluster/execd/internal/wire"
)

// Service records every wire message it sees, concatenated from its
// iovecs, for the dump surface to report.
type Service struct {
	serviceIdx int
	received   [][]byte
}

// New builds the EVS passthrough service.
func New(serviceIdx int) *Service {
	return &Service{serviceIdx: serviceIdx}
}

// Descriptor builds the registry.Service capability for this instance.
func (s *Service) Descriptor() *registry.Service {
	return &registry.Service{
		Name: "evs",
		Init: func(conn registry.Conn, h wire.RequestHeader) error {
			conn.BindService(s.serviceIdx)
			return nil
		},
		Exit:         func(conn registry.Conn) registry.ExitResult { return registry.ExitRelease },
		WireHandlers: []registry.WireFunc{s.onWire},
		ExecDump:     s.dump,
	}
}

// onWire is registered as the single wire handler; registry.Dispatcher
// hands it the already-reassembled body, so the iovec boundary itself is
// invisible here — this passthrough exists to give §4.H's multi-iovec
// reassembly a real consumer to verify against.
func (s *Service) onWire(header wire.RequestHeader, source string, endianFlipped bool, body []byte) {
	s.received = append(s.received, bytes.Clone(body))
}

func (s *Service) dump() any {
	return map[string]int{"received": len(s.received)}
}
