package chunk_test

import (
	"fmt"
	"testing"

	"github.com/AlephTX/iceoryx-sub003/chunk"
	"github.com/AlephTX/iceoryx-sub003/mempool"
	"github.com/AlephTX/iceoryx-sub003/shmseg"
)

const testMgmtRecordSize = 64

func newTestManager(t *testing.T, name string) (*mempool.MemoryManager, shmseg.ID, func()) {
	t.Helper()
	seg, err := shmseg.Create(1, name, 4<<20)
	if err != nil {
		t.Fatalf("creating segment: %v", err)
	}

	reg := shmseg.NewRegistry()
	reg.Register(seg)
	mempool.SetSegmentResolver(func(id shmseg.ID) ([]byte, bool) {
		s, ok := reg.Segment(id)
		if !ok {
			return nil, false
		}
		return s.Base(), true
	})

	chunkAlloc := shmseg.NewBumpAllocator(seg)
	mgmtAlloc := shmseg.NewBumpAllocator(seg)
	mm := mempool.NewMemoryManager(seg.ID(), mgmtAlloc, chunkAlloc, testMgmtRecordSize)
	if err := mm.Configure([]mempool.PoolConfig{
		{ChunkSize: 128, NumChunks: 100},
	}); err != nil {
		t.Fatalf("configuring memory manager: %v", err)
	}

	cleanup := func() {
		seg.Close()
		seg.Remove()
	}
	return mm, seg.ID(), cleanup
}

func allocateChunk(t *testing.T, segmentID shmseg.ID, mm *mempool.MemoryManager) chunk.SharedChunk {
	t.Helper()
	mgmt, err := chunk.Allocate(segmentID, mm, chunk.Settings{
		UserPayloadSize:      32,
		UserPayloadAlignment: 8,
	}, 1, 1)
	if err != nil {
		t.Fatalf("allocating chunk: %v", err)
	}
	return chunk.NewSharedChunk(mgmt)
}

func TestAllocateProducesValidHeader(t *testing.T) {
	mm, segmentID, cleanup := newTestManager(t, fmt.Sprintf("iox-test-%s-a", t.Name()))
	defer cleanup()

	c := allocateChunk(t, segmentID, mm)
	if !c.IsValid() {
		t.Fatal("expected a valid chunk")
	}
	if !c.Header().IsCompatible() {
		t.Fatal("expected a compatible header")
	}
	if got := c.Header().UserPayloadSize(); got != 32 {
		t.Fatalf("UserPayloadSize() = %d, want 32", got)
	}
	if len(c.UserPayload()) != 32 {
		t.Fatalf("len(UserPayload()) = %d, want 32", len(c.UserPayload()))
	}
}

func TestSharedChunkCloneIncrementsRefCount(t *testing.T) {
	mm, segmentID, cleanup := newTestManager(t, fmt.Sprintf("iox-test-%s-b", t.Name()))
	defer cleanup()

	c := allocateChunk(t, segmentID, mm)
	clone := c.Clone()
	if !c.Equal(clone) {
		t.Fatal("clone should refer to the same chunk")
	}

	if err := clone.Release(); err != nil {
		t.Fatalf("releasing clone: %v", err)
	}
	// original reference is still live
	if c.UserPayload() == nil {
		t.Fatal("expected original handle to still be valid after releasing the clone")
	}
	if err := c.Release(); err != nil {
		t.Fatalf("releasing last reference: %v", err)
	}
}

func TestUnmanagedChunkRoundTrip(t *testing.T) {
	mm, segmentID, cleanup := newTestManager(t, fmt.Sprintf("iox-test-%s-c", t.Name()))
	defer cleanup()

	c := allocateChunk(t, segmentID, mm)
	unmanaged := chunk.FromSharedChunk(c)
	if unmanaged.IsLogicalNullptr() {
		t.Fatal("expected a non-null encoding")
	}

	roundTripped, ok := unmanaged.ReleaseToSharedChunk()
	if !ok {
		t.Fatal("expected ReleaseToSharedChunk to resolve")
	}
	if err := roundTripped.Release(); err != nil {
		t.Fatalf("releasing round-tripped chunk: %v", err)
	}
}

func TestUnmanagedChunkClonePreservesOriginal(t *testing.T) {
	mm, segmentID, cleanup := newTestManager(t, fmt.Sprintf("iox-test-%s-d", t.Name()))
	defer cleanup()

	c := allocateChunk(t, segmentID, mm)
	unmanaged := chunk.FromSharedChunk(c)

	cloned, ok := unmanaged.CloneToSharedChunk()
	if !ok {
		t.Fatal("expected CloneToSharedChunk to resolve")
	}
	if err := cloned.Release(); err != nil {
		t.Fatalf("releasing clone: %v", err)
	}

	original, ok := unmanaged.ReleaseToSharedChunk()
	if !ok {
		t.Fatal("expected the original reference to still resolve after releasing only the clone")
	}
	if err := original.Release(); err != nil {
		t.Fatalf("releasing original: %v", err)
	}
}

func TestUsedChunkListInsertAndRemove(t *testing.T) {
	mm, segmentID, cleanup := newTestManager(t, fmt.Sprintf("iox-test-%s-e", t.Name()))
	defer cleanup()

	list := chunk.NewUsedChunkList(10)
	c := allocateChunk(t, segmentID, mm)
	header := c.Header()

	if !list.Insert(c) {
		t.Fatal("expected insert to succeed")
	}

	removed, ok := list.Remove(header)
	if !ok {
		t.Fatal("expected remove to find the inserted chunk")
	}
	if err := removed.Release(); err != nil {
		t.Fatalf("releasing removed chunk: %v", err)
	}
	if err := c.Release(); err != nil {
		t.Fatalf("releasing original handle: %v", err)
	}
}

func TestUsedChunkListInsertSameChunkTwice(t *testing.T) {
	mm, segmentID, cleanup := newTestManager(t, fmt.Sprintf("iox-test-%s-f", t.Name()))
	defer cleanup()

	list := chunk.NewUsedChunkList(10)
	c := allocateChunk(t, segmentID, mm)
	header := c.Header()

	if !list.Insert(c) {
		t.Fatal("first insert should succeed")
	}
	if !list.Insert(c) {
		t.Fatal("second insert of the same chunk should succeed")
	}

	for i := 0; i < 2; i++ {
		removed, ok := list.Remove(header)
		if !ok {
			t.Fatalf("remove #%d: expected to find the chunk", i)
		}
		if err := removed.Release(); err != nil {
			t.Fatalf("releasing removed chunk #%d: %v", i, err)
		}
	}
	if err := c.Release(); err != nil {
		t.Fatalf("releasing original handle: %v", err)
	}
}

func TestUsedChunkListOverflowIsGraceful(t *testing.T) {
	mm, segmentID, cleanup := newTestManager(t, fmt.Sprintf("iox-test-%s-g", t.Name()))
	defer cleanup()

	list := chunk.NewUsedChunkList(2)
	var handles []chunk.SharedChunk
	for i := 0; i < 2; i++ {
		c := allocateChunk(t, segmentID, mm)
		if !list.Insert(c) {
			t.Fatalf("insert #%d should succeed within capacity", i)
		}
		handles = append(handles, c)
	}

	overflow := allocateChunk(t, segmentID, mm)
	if list.Insert(overflow) {
		t.Fatal("insert beyond capacity should fail")
	}
	if err := overflow.Release(); err != nil {
		t.Fatalf("releasing overflow chunk: %v", err)
	}

	for _, h := range handles {
		removed, ok := list.Remove(h.Header())
		if !ok {
			t.Fatal("expected to find inserted chunk")
		}
		if err := removed.Release(); err != nil {
			t.Fatalf("releasing: %v", err)
		}
		if err := h.Release(); err != nil {
			t.Fatalf("releasing original handle: %v", err)
		}
	}
}

func TestUsedChunkListCleanupReleasesAll(t *testing.T) {
	mm, segmentID, cleanup := newTestManager(t, fmt.Sprintf("iox-test-%s-h", t.Name()))
	defer cleanup()

	list := chunk.NewUsedChunkList(5)
	for i := 0; i < 5; i++ {
		c := allocateChunk(t, segmentID, mm)
		if !list.Insert(c) {
			t.Fatalf("insert #%d should succeed", i)
		}
		if err := c.Release(); err != nil {
			t.Fatalf("releasing original handle #%d: %v", i, err)
		}
	}

	list.Cleanup()

	// after cleanup, the pool should have every chunk back.
	if got := mm.Pools()[0].UsedChunks(); got != 0 {
		t.Fatalf("used chunks after cleanup = %d, want 0", got)
	}
	// and the list's full capacity can be allocated again.
	for i := 0; i < 5; i++ {
		c := allocateChunk(t, segmentID, mm)
		if err := c.Release(); err != nil {
			t.Fatalf("releasing post-cleanup chunk #%d: %v", i, err)
		}
	}
}
