// Package evt implements the event service (§4.O): a client-facing opcode
// that multicasts a user event through the group transport, and a wire
// handler that re-delivers it to local subscribers via the sender.
package evt

import (
	"log/slog"

	"github.com/opencluster/execd/internal/registry"
	"github.com/opencluster/execd/internal/wire"
)

// Multicaster is the slice of transport.GroupTransport EVT needs to
// publish a user event.
type Multicaster interface {
	Multicast(body []byte) error
}

// Subscribers delivers a re-entrant wire message to every connection bound
// to the EVT service, the local fan-out half of "publish then re-deliver."
type Subscribers interface {
	Broadcast(serviceIdx int, body []byte) error
}

// Service implements the publish/re-deliver pair.
type Service struct {
	serviceIdx int
	transport  Multicaster
	subs       Subscribers
	logger     *slog.Logger

	published int
	delivered int
}

// New builds the EVT service. serviceIdx is this service's own registry
// index, needed to target Broadcast at exactly its bound connections.
func New(serviceIdx int, transport Multicaster, subs Subscribers, logger *slog.Logger) *Service {
	return &Service{serviceIdx: serviceIdx, transport: transport, subs: subs, logger: logger}
}

// Descriptor builds the registry.Service capability for this instance.
func (s *Service) Descriptor() *registry.Service {
	return &registry.Service{
		Name: "evt",
		Init: func(conn registry.Conn, h wire.RequestHeader) error {
			conn.BindService(s.serviceIdx)
			return nil
		},
		Exit: func(conn registry.Conn) registry.ExitResult { return registry.ExitRelease },
		Handlers: []registry.Handler{
			{Fn: s.publish},
		},
		WireHandlers: []registry.WireFunc{s.onWireEvent},
		ExecDump:     s.dump,
	}
}

// publish is the client-facing opcode 0: multicast body to the ring.
func (s *Service) publish(conn registry.Conn, header wire.RequestHeader, body []byte) ([]byte, error) {
	if err := s.transport.Multicast(body); err != nil {
		return nil, err
	}
	s.published++
	return nil, nil
}

// onWireEvent is invoked when the group transport re-delivers a published
// event (possibly to the same node that sent it, per "one ring, one
// order"); it fans the message out to every locally bound connection.
func (s *Service) onWireEvent(header wire.RequestHeader, source string, endianFlipped bool, body []byte) {
	if err := s.subs.Broadcast(s.serviceIdx, body); err != nil {
		s.logger.Warn("evt: local re-delivery failed", "err", err, "source", source)
		return
	}
	s.delivered++
}

func (s *Service) dump() any {
	return map[string]int{"published": s.published, "delivered": s.delivered}
}
