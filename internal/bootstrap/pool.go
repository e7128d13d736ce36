package bootstrap

import (
	"sync"

	"github.com/opencluster/execd/internal/ipc"
)

// newRecvBufPool implements §4.J step 11: a pool of reusable receive
// buffers sized to the configured recv_buf_capacity, so steady-state
// connection churn doesn't allocate a fresh buffer per accept.
func newRecvBufPool(recvBufCap int) ipc.RecvBufPool {
	return &sync.Pool{
		New: func() any {
			return make([]byte, recvBufCap)
		},
	}
}
