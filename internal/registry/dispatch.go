package registry

import (
	"fmt"
	"log/slog"

	"github.com/opencluster/execd/internal/wire"
)

// MessageSizeMax bounds the scratch buffer used to reassemble a
// multi-iovec delivery (§4.H).
const MessageSizeMax = 1 << 20

// syncHandlerIndex is the reserved slot for the sync orchestrator's own
// protocol messages (§4.H: "index 0 is reserved for the sync orchestrator").
const syncHandlerIndex = 0

// Dispatcher owns the flat, dense wire opcode table built by concatenating
// one reserved sync slot followed by each service's wire handlers in
// registration order. It is built once and is read-only afterward.
type Dispatcher struct {
	table  []WireFunc
	logger *slog.Logger
}

// NewDispatcher builds the global handler table from the service registry
// and the sync orchestrator's own wire handler.
func NewDispatcher(t *Table, syncHandler WireFunc, logger *slog.Logger) *Dispatcher {
	flat := make([]WireFunc, 0, 1+countWireHandlers(t))
	flat = append(flat, syncHandler)
	for _, svc := range t.All() {
		flat = append(flat, svc.WireHandlers...)
	}
	return &Dispatcher{table: flat, logger: logger}
}

func countWireHandlers(t *Table) int {
	n := 0
	for _, svc := range t.All() {
		n += len(svc.WireHandlers)
	}
	return n
}

// IovecReader supplies the raw fragments the group transport delivered for
// one message; len(iovecs) > 1 triggers the reassembly path.
type IovecReader = [][]byte

// Deliver is the group-messaging deliver callback (§4.H). It reassembles
// multi-iovec deliveries, applies the endian flip to the header exactly
// once, and routes to the dense opcode table.
func (d *Dispatcher) Deliver(sourceAddr string, iovecs IovecReader, endianFlipped bool) error {
	var frame []byte
	if len(iovecs) > 1 {
		total := 0
		for _, v := range iovecs {
			total += len(v)
		}
		if total > MessageSizeMax {
			return fmt.Errorf("registry: reassembled message %d exceeds MessageSizeMax", total)
		}
		frame = make([]byte, 0, total)
		for _, v := range iovecs {
			frame = append(frame, v...)
		}
	} else if len(iovecs) == 1 {
		frame = iovecs[0]
	} else {
		return fmt.Errorf("registry: empty delivery from %s", sourceAddr)
	}

	if len(frame) < wire.RequestHeaderSize {
		return fmt.Errorf("registry: short frame (%d bytes) from %s", len(frame), sourceAddr)
	}

	header := wire.DecodeRequestHeader(frame)
	if endianFlipped {
		// Applied exactly once; service wire handlers own any further
		// in-body normalization (§4.H, invariant I8).
		header = wire.SwapRequestHeader(header)
	}

	if int(header.ID) >= len(d.table) || d.table[header.ID] == nil {
		return fmt.Errorf("registry: no wire handler for opcode %d", header.ID)
	}

	d.table[header.ID](header, sourceAddr, endianFlipped, frame[wire.RequestHeaderSize:])
	return nil
}
