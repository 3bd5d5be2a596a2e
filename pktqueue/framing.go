package pktqueue

import "encoding/binary"

// Magic precedes every frame header on the wire. A receiver whose first 8
// bytes don't match treats the entire read as opaque, unframed payload with
// zero injected delay — this is how an instrumented process stays
// interoperable with an uninstrumented peer.
const Magic uint64 = 0xabcdeffedcba

// HeaderSize is the encoded size of Magic plus FrameHeader: 8 magic bytes
// followed by three little-endian uint32 fields.
const HeaderSize = 8 + 4 + 4 + 4

// FrameHeader is the wire metadata that precedes one packet's payload.
type FrameHeader struct {
	NumberServerCalls uint32
	TotalVirtualDelay uint32
	DataSize          uint32
}

// PutFrame encodes magic + hdr into dst, which must have length >= HeaderSize.
// Returns HeaderSize.
func PutFrame(dst []byte, hdr FrameHeader) int {
	binary.LittleEndian.PutUint64(dst[0:8], Magic)
	binary.LittleEndian.PutUint32(dst[8:12], hdr.NumberServerCalls)
	binary.LittleEndian.PutUint32(dst[12:16], hdr.TotalVirtualDelay)
	binary.LittleEndian.PutUint32(dst[16:20], hdr.DataSize)
	return HeaderSize
}

// ParseFrame reports whether src begins with Magic and, if so, decodes the
// FrameHeader that follows it. src must have length >= HeaderSize to be
// considered a candidate; shorter reads are treated as unframed, matching
// spec.md's "first 8 bytes" check extended to cover the full header.
func ParseFrame(src []byte) (hdr FrameHeader, ok bool) {
	if len(src) < HeaderSize {
		return FrameHeader{}, false
	}
	if binary.LittleEndian.Uint64(src[0:8]) != Magic {
		return FrameHeader{}, false
	}
	hdr.NumberServerCalls = binary.LittleEndian.Uint32(src[8:12])
	hdr.TotalVirtualDelay = binary.LittleEndian.Uint32(src[12:16])
	hdr.DataSize = binary.LittleEndian.Uint32(src[16:20])
	return hdr, true
}
