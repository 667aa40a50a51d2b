// Package chunk implements the fixed-layout ChunkHeader, the
// reference-counted ChunkManagement descriptor, the process-local
// SharedChunk RAII handle, the 64-bit torn-write-safe
// ShmSafeUnmanagedChunk encoding, and the UsedChunkList leak-recovery
// list (spec.md §3/§4.C-E).
package chunk

import (
	"encoding/binary"
	"fmt"

	"github.com/AlephTX/iceoryx-sub003/mempool"
)

// headerMagic and headerVersion together form the ABI check described
// in spec.md §3/§7: "layout is part of the ABI between processes of
// different builds only if the format identifier and version match. A
// pop that observes a mismatch is fatal for the popping endpoint."
var headerMagic = [4]byte{'I', 'C', 'H', 'K'}

const headerVersion uint8 = 1

// Header is the fixed-layout prefix of every chunk (spec.md §3).
// Fields are stored in a fixed byte order rather than as native Go
// struct fields reinterpreted via unsafe, so that the size is exact
// and portable across builds that embed this package differently —
// the spec's "format identifier and version match" ABI contract is
// meaningless if Go struct padding is allowed to vary the layout.
//
// Byte layout (little-endian), HeaderSize bytes total:
//
//	[0:4)   magic              [4]byte
//	[4:5)   version            uint8
//	[5:8)   reserved
//	[8:16)  chunkSize          uint64
//	[16:24) userPayloadSize    uint64
//	[24:28) userPayloadAlign   uint32
//	[28:32) userHeaderSize     uint32
//	[32:34) userHeaderID       uint16
//	[34:40) reserved
//	[40:48) originID           uint64
//	[48:56) sequenceNumber     uint64
//	[56:64) offsetToUserPayload int64
type Header struct {
	buf []byte // HeaderSize bytes, aliasing the owning chunk's memory
}

const (
	fMagic        = 0
	fVersion      = 4
	fChunkSize    = 8
	fPayloadSize  = 16
	fPayloadAlign = 24
	fHeaderSize   = 28
	fHeaderID     = 32
	fOriginID     = 40
	fSeqNum       = 48
	fOffsetToUser = 56
)

// HeaderSize is sizeof(ChunkHeader) as laid out by this package.
const HeaderSize = 64

func init() {
	if HeaderSize%mempool.ChunkMemoryAlignment != 0 {
		panic("chunk: header size must be a multiple of the chunk memory alignment")
	}
}

// NewHeader formats a ChunkHeader in place at the start of buf, which
// must be at least HeaderSize bytes (spec.md §4.A: "the header-
// payload layout is laid out once at construction and is never
// modified after a chunk is handed out of the sender").
func NewHeader(buf []byte, chunkSize uint64, userPayloadSize uint64, userPayloadAlignment uint32,
	userHeaderSize uint32, userHeaderID uint16, originID uint64, sequenceNumber uint64, offsetToUserPayload int64) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("chunk: buffer too small for header: %d < %d", len(buf), HeaderSize)
	}
	h := &Header{buf: buf[:HeaderSize]}
	copy(h.buf[fMagic:fMagic+4], headerMagic[:])
	h.buf[fVersion] = headerVersion
	binary.LittleEndian.PutUint64(h.buf[fChunkSize:], chunkSize)
	binary.LittleEndian.PutUint64(h.buf[fPayloadSize:], userPayloadSize)
	binary.LittleEndian.PutUint32(h.buf[fPayloadAlign:], userPayloadAlignment)
	binary.LittleEndian.PutUint32(h.buf[fHeaderSize:], userHeaderSize)
	binary.LittleEndian.PutUint16(h.buf[fHeaderID:], userHeaderID)
	binary.LittleEndian.PutUint64(h.buf[fOriginID:], originID)
	binary.LittleEndian.PutUint64(h.buf[fSeqNum:], sequenceNumber)
	binary.LittleEndian.PutUint64(h.buf[fOffsetToUser:], uint64(offsetToUserPayload))
	return h, nil
}

// Wrap reinterprets an existing chunk's bytes as a Header without
// reformatting it, used on the receive path and by the popper.
func Wrap(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("chunk: buffer too small for header: %d < %d", len(buf), HeaderSize)
	}
	return &Header{buf: buf[:HeaderSize]}, nil
}

// IsCompatible reports whether the header's format identifier and
// version match what this build expects (spec.md §3/§7).
func (h *Header) IsCompatible() bool {
	return [4]byte(h.buf[fMagic:fMagic+4]) == headerMagic && h.buf[fVersion] == headerVersion
}

func (h *Header) ChunkSize() uint64    { return binary.LittleEndian.Uint64(h.buf[fChunkSize:]) }
func (h *Header) UserPayloadSize() uint64 {
	return binary.LittleEndian.Uint64(h.buf[fPayloadSize:])
}
func (h *Header) UserPayloadAlignment() uint32 {
	return binary.LittleEndian.Uint32(h.buf[fPayloadAlign:])
}
func (h *Header) UserHeaderSize() uint32 { return binary.LittleEndian.Uint32(h.buf[fHeaderSize:]) }
func (h *Header) UserHeaderID() uint16   { return binary.LittleEndian.Uint16(h.buf[fHeaderID:]) }
func (h *Header) OriginID() uint64       { return binary.LittleEndian.Uint64(h.buf[fOriginID:]) }
func (h *Header) SequenceNumber() uint64 { return binary.LittleEndian.Uint64(h.buf[fSeqNum:]) }
func (h *Header) OffsetToUserPayload() int64 {
	return int64(binary.LittleEndian.Uint64(h.buf[fOffsetToUser:]))
}

// SetOriginAndSequence stamps the publisher id and sequence number;
// called by ChunkSender.TryAllocate when it reuses the last sent chunk
// (a fresh chunk gets both values through NewHeader) (spec.md §4.H).
func (h *Header) SetOriginAndSequence(originID, sequenceNumber uint64) {
	binary.LittleEndian.PutUint64(h.buf[fOriginID:], originID)
	binary.LittleEndian.PutUint64(h.buf[fSeqNum:], sequenceNumber)
}

// UserHeader returns the raw bytes backing the optional user header,
// or nil if UserHeaderSize() == 0. RequiredChunkSize places the user
// header immediately after the ChunkHeader, at
// alignUp(HeaderSize, userHeaderAlignment). The alignment is not stored
// in the header, so the start is taken as HeaderSize, which is that
// position for every power-of-two user-header alignment up to
// HeaderSize; larger user-header alignments are not recovered.
func (h *Header) UserHeader() []byte {
	size := h.UserHeaderSize()
	if size == 0 {
		return nil
	}
	start := int64(HeaderSize)
	full := h.fullChunk()
	return full[start : start+int64(size)]
}

// UserPayload returns the raw bytes backing the user payload, located
// at &header + OffsetToUserPayload() (spec.md §3).
func (h *Header) UserPayload() []byte {
	start := h.OffsetToUserPayload()
	size := h.UserPayloadSize()
	full := h.fullChunk()
	return full[start : int64(start)+int64(size)]
}

// fullChunk returns the entire chunk (header + padding + user header +
// payload) this Header was constructed over. It relies on h.buf having
// been sliced from the full chunk with its original capacity intact
// (three-index slicing is never used for h.buf itself, only for
// returned sub-views), so cap(h.buf) reaches the chunk's end.
func (h *Header) fullChunk() []byte {
	return h.buf[:cap(h.buf)]
}

// Bytes returns the header's own HeaderSize-byte region.
func (h *Header) Bytes() []byte { return h.buf }

// RequiredChunkSize computes the total chunk size needed to hold a
// header, an optional user header, and a user payload, given the
// adopted layout convention recorded in DESIGN.md's Open Question
// decision: the user header (if any) immediately follows the
// ChunkHeader aligned to userHeaderAlignment, and the user payload
// follows that, aligned to userPayloadAlignment.
func RequiredChunkSize(userPayloadSize uint64, userPayloadAlignment uint32, userHeaderSize uint32, userHeaderAlignment uint32) (total uint64, offsetToUserPayload int64) {
	cursor := uint64(HeaderSize)
	if userHeaderSize > 0 {
		cursor = alignUp(cursor, uint64(userHeaderAlignment))
		cursor += uint64(userHeaderSize)
	}
	cursor = alignUp(cursor, uint64(userPayloadAlignment))
	offsetToUserPayload = int64(cursor)
	cursor += userPayloadSize
	return cursor, offsetToUserPayload
}

func alignUp(v uint64, align uint64) uint64 {
	if align == 0 {
		align = 1
	}
	return (v + align - 1) &^ (align - 1)
}
