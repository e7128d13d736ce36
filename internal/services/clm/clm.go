// Package clm implements the cluster membership service (§4.O). Its Init
// checks the first request's service-selector id against a known set and
// binds the connection to that id; the deliver loop only routes a bare
// connection's first request here when that id names CLM itself, since
// every service's own Init handles the requests that select it. CLM also
// tracks the current ring's member/left/joined lists via the confchg hook.
package clm

import (
	"fmt"

	"github.com/opencluster/execd/internal/registry"
	"github.com/opencluster/execd/internal/wire"
)

// Dump is the JSON-able shape ExecDump returns.
type Dump struct {
	RingID  string   `json:"ring_id"`
	Members []string `json:"members"`
	Left    []string `json:"left"`
	Joined  []string `json:"joined"`
}

// Service holds membership state. It is written only from OnConfChg and
// read only from the registry handler/dump paths, both of which the
// reactor serializes onto a single goroutine — no mutex needed, matching
// the Connection ownership model.
type Service struct {
	byName map[uint32]string

	ringID  string
	members []string
	left    []string
	joined  []string
}

// New builds the CLM service. byName maps a bare connection's requested
// service-selector id (its first request's header.ID) to the name of the
// service that id selects; init accepts only ids present in it.
func New(byName map[uint32]string) *Service {
	return &Service{byName: byName}
}

// Descriptor builds the registry.Service capability for this instance.
func (s *Service) Descriptor() *registry.Service {
	return &registry.Service{
		Name: "clm",
		Init: s.init,
		Exit: func(conn registry.Conn) registry.ExitResult { return registry.ExitRelease },
		Handlers: []registry.Handler{
			{Fn: s.getMembers},
		},
		ConfChg:  s.onConfChg,
		ExecDump: s.dump,
	}
}

// init resolves the bare connection's requested service by the id carried
// in its first request header, binding it by registry index (§4.D, §9
// Design Notes: libais_init_fn).
func (s *Service) init(conn registry.Conn, header wire.RequestHeader) error {
	if _, ok := s.byName[header.ID]; !ok {
		return fmt.Errorf("clm: unknown service selector %d", header.ID)
	}
	conn.BindService(int(header.ID))
	return nil
}

// getMembers is CLM's own opcode 0: return the current ring membership as
// a newline-joined byte string.
func (s *Service) getMembers(conn registry.Conn, header wire.RequestHeader, body []byte) ([]byte, error) {
	out := make([]byte, 0, 64)
	for i, m := range s.members {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, m...)
	}
	return out, nil
}

func (s *Service) onConfChg(cc registry.ConfChg) {
	s.ringID = cc.RingID
	s.members = append([]string(nil), cc.Members...)
	s.left = append([]string(nil), cc.Left...)
	s.joined = append([]string(nil), cc.Joined...)
}

func (s *Service) dump() any {
	return Dump{RingID: s.ringID, Members: s.members, Left: s.left, Joined: s.joined}
}
