package chunk

// SharedChunk is a process-local, reference-counted handle to a chunk,
// grounded on original_source/iceoryx_posh's mepoo::SharedChunk. It
// behaves like a restricted shared_ptr: copying it increments the
// underlying Management's reference count, and releasing the last copy
// frees the chunk back to its pools (spec.md §4.C).
//
// The zero value is a valid "no chunk" handle, mirroring the original's
// default-constructed (nullptr) SharedChunk.
type SharedChunk struct {
	mgmt *Management
}

// NewSharedChunk wraps a freshly allocated Management record. The
// record's reference count is already 1 (see NewManagement), so this
// does not itself increment anything.
func NewSharedChunk(mgmt *Management) SharedChunk {
	return SharedChunk{mgmt: mgmt}
}

// IsValid reports whether this handle refers to a chunk at all.
func (c SharedChunk) IsValid() bool {
	return c.mgmt != nil
}

// Clone returns a new handle to the same chunk, incrementing the
// reference count (spec.md §4.C: "copying a SharedChunk increments the
// count").
func (c SharedChunk) Clone() SharedChunk {
	if c.mgmt == nil {
		return SharedChunk{}
	}
	c.mgmt.incrementReferenceCounter()
	return SharedChunk{mgmt: c.mgmt}
}

// Release drops this handle's reference. If this was the last
// reference, the chunk (and its management record slot) is returned to
// its pools. Release must be called at most once per handle; calling
// it on an already-released handle is a caller bug, mirrored by the
// zero-value receiver being a no-op so accidental double-release of an
// already-zeroed handle is harmless.
func (c *SharedChunk) Release() error {
	if c.mgmt == nil {
		return nil
	}
	mgmt := c.mgmt
	c.mgmt = nil
	if mgmt.decrementReferenceCounter() {
		return mgmt.free()
	}
	return nil
}

// Header returns the chunk's header, or nil for an invalid handle.
func (c SharedChunk) Header() *Header {
	if c.mgmt == nil {
		return nil
	}
	return c.mgmt.Header()
}

// UserPayload returns the chunk's user payload bytes, or nil for an
// invalid handle.
func (c SharedChunk) UserPayload() []byte {
	if c.mgmt == nil {
		return nil
	}
	return c.mgmt.Header().UserPayload()
}

// UserHeader returns the chunk's optional user header bytes, or nil.
func (c SharedChunk) UserHeader() []byte {
	if c.mgmt == nil {
		return nil
	}
	return c.mgmt.Header().UserHeader()
}

// RefCount reports the chunk's current reference count, used by
// ChunkSender to decide whether the previously sent "last chunk" is
// still exclusively held by the sender and therefore reusable in
// place (spec.md §4.H). An invalid handle reports 0.
func (c SharedChunk) RefCount() uint64 {
	if c.mgmt == nil {
		return 0
	}
	return c.mgmt.RefCount()
}

// management exposes the underlying Management record inside this
// package, used by FromSharedChunk to build a ShmSafeUnmanagedChunk
// descriptor. Other packages read the reference count through RefCount.
func (c SharedChunk) management() *Management {
	return c.mgmt
}

// Equal reports whether two handles refer to the same underlying
// chunk, by Management identity rather than by value — mirrored on the
// original's SharedChunk::operator==, which compares the underlying
// ChunkManagement pointer.
func (c SharedChunk) Equal(other SharedChunk) bool {
	return c.mgmt == other.mgmt
}
