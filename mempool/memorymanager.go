package mempool

import (
	"errors"
	"fmt"

	"github.com/AlephTX/iceoryx-sub003/shmseg"
)

// Sentinel errors for MemoryManager.GetChunk, matching the resource-
// exhaustion and configuration error kinds in spec.md §7.
var (
	ErrNoMemPoolsAvailable       = errors.New("mempool: no mempools configured")
	ErrNoMemPoolForChunkSize     = errors.New("mempool: no mempool large enough for requested chunk size")
	ErrMemPoolOutOfChunks        = errors.New("mempool: chosen mempool is out of chunks")
)

// PoolConfig describes one payload size-class: its chunk size and how
// many chunks it holds.
type PoolConfig struct {
	ChunkSize   uint64
	NumChunks   uint32
}

// MemoryManager is an ordered collection of MemPools by ascending
// chunk size, plus one dedicated pool for ChunkManagement records
// (spec.md §3/§4.B).
type MemoryManager struct {
	segmentID  shmseg.ID
	chunkAlloc *shmseg.BumpAllocator
	mgmtAlloc  *shmseg.BumpAllocator

	pools      []*MemPool
	configured bool

	mgmtPool        *MemPool
	mgmtRecordSize  uint64
}

// NewMemoryManager returns a MemoryManager that carves its pools out of
// the given segment's bump allocators.
func NewMemoryManager(segmentID shmseg.ID, mgmtAlloc, chunkAlloc *shmseg.BumpAllocator, mgmtRecordSize uint64) *MemoryManager {
	return &MemoryManager{
		segmentID:      segmentID,
		chunkAlloc:     chunkAlloc,
		mgmtAlloc:      mgmtAlloc,
		mgmtRecordSize: mgmtRecordSize,
	}
}

// Configure appends MemPools in the given order, then generates the
// management pool. Calling Configure a second time, or with pools not
// in strictly ascending chunkSize order, is a fatal configuration
// error per spec.md §4.B — both are reported as an error here (rather
// than via the fatal package) since configuration happens before the
// data plane starts and the caller is expected to treat it as fatal
// itself.
func (m *MemoryManager) Configure(configs []PoolConfig) error {
	if m.configured {
		return fmt.Errorf("mempool: MemoryManager already configured")
	}
	if len(configs) == 0 {
		return fmt.Errorf("mempool: at least one pool config is required")
	}

	totalChunks := uint32(0)
	var prevSize uint64
	for i, c := range configs {
		if c.NumChunks == 0 {
			return fmt.Errorf("mempool: pool %d: chunk count of zero is a configuration error", i)
		}
		if i > 0 && c.ChunkSize <= prevSize {
			return fmt.Errorf("mempool: MEMPOOL_CONFIG_MUST_BE_ORDERED_BY_INCREASING_SIZE: pool %d chunkSize %d <= previous %d", i, c.ChunkSize, prevSize)
		}
		pool, err := New(m.segmentID, c.ChunkSize, c.NumChunks, m.mgmtAlloc, m.chunkAlloc)
		if err != nil {
			return fmt.Errorf("mempool: configuring pool %d: %w", i, err)
		}
		m.pools = append(m.pools, pool)
		prevSize = c.ChunkSize
		totalChunks += c.NumChunks
	}

	mgmtPool, err := New(m.segmentID, m.mgmtRecordSize, totalChunks, m.mgmtAlloc, m.mgmtAlloc)
	if err != nil {
		return fmt.Errorf("mempool: configuring management pool: %w", err)
	}
	m.mgmtPool = mgmtPool
	m.configured = true
	return nil
}

// GetChunk picks the smallest payload pool whose chunkSize is >=
// requiredSize and pops a raw chunk from it (spec.md §4.B). requiredSize
// is computed by the chunk package from a ChunkHeader layout plus any
// user-header padding; MemoryManager itself is layout-agnostic, it
// only routes by size. The caller is responsible for writing the
// ChunkHeader into the returned bytes.
func (m *MemoryManager) GetChunk(requiredSize uint64) ([]byte, *MemPool, error) {
	if len(m.pools) == 0 {
		return nil, nil, ErrNoMemPoolsAvailable
	}
	required := requiredSize
	for _, pool := range m.pools {
		if pool.ChunkSize() >= required {
			chunk := pool.GetChunk()
			if chunk == nil {
				return nil, nil, ErrMemPoolOutOfChunks
			}
			return chunk, pool, nil
		}
	}
	return nil, nil, ErrNoMemPoolForChunkSize
}

// ManagementPool returns the pool used for ChunkManagement records.
func (m *MemoryManager) ManagementPool() *MemPool { return m.mgmtPool }

// Pools returns the configured payload pools, ascending by chunk size.
func (m *MemoryManager) Pools() []*MemPool { return m.pools }
