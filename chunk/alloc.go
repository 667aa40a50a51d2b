package chunk

import (
	"fmt"

	"github.com/AlephTX/iceoryx-sub003/mempool"
	"github.com/AlephTX/iceoryx-sub003/shmseg"
)

// Settings describes the byte layout a single Allocate call must
// satisfy (spec.md §4.B).
type Settings struct {
	UserPayloadSize      uint64
	UserPayloadAlignment uint32
	UserHeaderSize       uint32
	UserHeaderAlignment  uint32
}

// Allocate performs the full sender-side allocation sequence from
// spec.md's data-flow description in §2: pick a payload pool, get a
// raw slot, construct a ChunkHeader in place, get a slot from the
// management pool, and wire up a Management record around both.
func Allocate(segmentID shmseg.ID, mm *mempool.MemoryManager, s Settings, originID, sequenceNumber uint64) (*Management, error) {
	required, offsetToPayload := RequiredChunkSize(s.UserPayloadSize, s.UserPayloadAlignment, s.UserHeaderSize, s.UserHeaderAlignment)

	raw, pool, err := mm.GetChunk(required)
	if err != nil {
		return nil, err
	}

	header, err := NewHeader(raw, pool.ChunkSize(), s.UserPayloadSize, s.UserPayloadAlignment,
		s.UserHeaderSize, 0, originID, sequenceNumber, offsetToPayload)
	if err != nil {
		_ = pool.FreeChunk(raw)
		return nil, fmt.Errorf("chunk: constructing header: %w", err)
	}

	mgmtPool := mm.ManagementPool()
	mgmtSlot := mgmtPool.GetChunk()
	if mgmtSlot == nil {
		_ = pool.FreeChunk(raw)
		return nil, mempool.ErrMemPoolOutOfChunks
	}

	offset, err := mgmtPool.ChunkOffset(mgmtSlot)
	if err != nil {
		_ = pool.FreeChunk(raw)
		_ = mgmtPool.FreeChunk(mgmtSlot)
		return nil, err
	}

	return NewManagement(segmentID, offset, mgmtSlot, header, pool, mgmtPool), nil
}
