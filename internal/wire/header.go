// Package wire implements the client<->executive frame headers described
// in the executive's IPC and group-messaging wire format: little-endian
// host encoding, size-prefixed frames, no inter-frame padding.
package wire

import "encoding/binary"

// RequestHeaderSize is the on-wire size of a RequestHeader in bytes.
const RequestHeaderSize = 8

// ResponseHeaderSize is the on-wire size of a ResponseHeader in bytes.
const ResponseHeaderSize = 12

// TryAgain is the response error code synthesized by the flow-control gate.
const TryAgain uint32 = 1

// RequestHeader is the first 8 bytes of every client request frame.
type RequestHeader struct {
	Size uint32 // total frame length, header included
	ID   uint32 // per-service opcode (or service-selector id on INIT)
}

// ResponseHeader is the first 12 bytes of every response frame.
type ResponseHeader struct {
	Size  uint32
	ID    uint32
	Error uint32
}

// DecodeRequestHeader parses a RequestHeader from the first
// RequestHeaderSize bytes of buf. Callers must ensure len(buf) >= RequestHeaderSize.
func DecodeRequestHeader(buf []byte) RequestHeader {
	return RequestHeader{
		Size: binary.LittleEndian.Uint32(buf[0:4]),
		ID:   binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// EncodeResponseHeader serializes h into the first ResponseHeaderSize bytes
// of dst, which must have length >= ResponseHeaderSize.
func EncodeResponseHeader(dst []byte, h ResponseHeader) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Size)
	binary.LittleEndian.PutUint32(dst[4:8], h.ID)
	binary.LittleEndian.PutUint32(dst[8:12], h.Error)
}

// NewResponse allocates a full response frame: header followed by body.
func NewResponse(id, errCode uint32, body []byte) []byte {
	frame := make([]byte, ResponseHeaderSize+len(body))
	EncodeResponseHeader(frame, ResponseHeader{
		Size:  uint32(ResponseHeaderSize + len(body)),
		ID:    id,
		Error: errCode,
	})
	copy(frame[ResponseHeaderSize:], body)
	return frame
}

// SwapRequestHeader returns h with both header fields byte-swapped, used on the
// wire-dispatch path (§4.H) when the group transport reports endian_flipped.
// It is applied exactly once, before any further body normalization by a
// service's wire handler.
func SwapRequestHeader(h RequestHeader) RequestHeader {
	return RequestHeader{
		Size: swap32(h.Size),
		ID:   swap32(h.ID),
	}
}

func swap32(v uint32) uint32 {
	return (v>>24)&0xff | (v>>8)&0xff00 | (v<<8)&0xff0000 | (v<<24)&0xff000000
}
