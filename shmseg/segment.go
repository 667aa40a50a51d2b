// Package shmseg owns the shared-memory segments that the rest of the
// core addresses only as (segment id, offset) pairs. It plays the role
// the daemon plays in the full iceoryx system: creating the mmap'd
// region and handing out a bump allocator over it. Every other package
// in this module (mempool, chunk, distpubsub) only ever sees an ID and
// an offset, never a raw pointer that would be meaningless in another
// process.
package shmseg

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ID identifies a shared-memory segment within a process. It is the
// "segment_id" half of every (segment_id, offset) pair exchanged
// between processes (spec.md §6).
type ID uint16

// NullID is never assigned to a real segment; a zero value signals
// "no segment" wherever an ID is stored alongside an offset.
const NullID ID = 0

// Segment is a single mmap'd shared-memory region backed by a file
// under /dev/shm, following the same POSIX shared-memory mechanism the
// teacher's shm.NewRingBuffer/shm.NewMatrix use, generalized to one of
// potentially many named, independently sized segments (spec.md §6:
// "SegmentConfig is a sequence of ... per segment, bounded by
// MAX_SHM_SEGMENTS").
type Segment struct {
	id       ID
	name     string
	file     *os.File
	data     []byte
	baseAddr uintptr
}

func (s *Segment) computeBaseAddr() {
	if len(s.data) > 0 {
		s.baseAddr = uintptr(unsafe.Pointer(&s.data[0]))
	}
}

// BaseAddr returns the process-local address of offset 0 in this
// segment. Only the relative-pointer machinery (Registry.Offset, and
// the mempool/chunk packages) should need this; ordinary callers stay
// within the (segment id, offset) domain.
func (s *Segment) BaseAddr() uintptr { return s.baseAddr }

// Create creates (or truncates and reopens) a POSIX shared-memory
// backed segment of the given size under /dev/shm/<name>.
func Create(id ID, name string, size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmseg: invalid segment size %d for %q", size, name)
	}
	path := "/dev/shm/" + name
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("shmseg: open %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shmseg: truncate %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmseg: mmap %s: %w", path, err)
	}
	seg := &Segment{id: id, name: name, file: f, data: data}
	seg.computeBaseAddr()
	return seg, nil
}

// Attach opens an existing segment previously created by Create,
// without truncating it. A subscriber or daemon recovery path uses
// this to map a segment a publisher already populated.
func Attach(id ID, name string, size int) (*Segment, error) {
	path := "/dev/shm/" + name
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("shmseg: attach open %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmseg: attach mmap %s: %w", path, err)
	}
	seg := &Segment{id: id, name: name, file: f, data: data}
	seg.computeBaseAddr()
	return seg, nil
}

// ID returns the segment's process-assigned identifier.
func (s *Segment) ID() ID { return s.id }

// Base returns the segment's base address as an offset-addressable
// byte slice; offset 0 is always the start of the bump allocator's
// management region (spec.md §3).
func (s *Segment) Base() []byte { return s.data }

// Size returns the segment's total mapped size in bytes.
func (s *Segment) Size() int { return len(s.data) }

// Close unmaps the segment and closes its backing file.
func (s *Segment) Close() error {
	err := unix.Munmap(s.data)
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Remove unlinks the backing /dev/shm file; only the daemon that
// created a segment should do this, and only after every attaching
// process has detached.
func (s *Segment) Remove() error {
	return os.Remove("/dev/shm/" + s.name)
}

// Registry maps segment ids to their mapped base address within this
// process. It is the Go stand-in for iceoryx's RelativePointer<T>
// registry: every "pointer" stored in shared memory is really a
// (segment_id, offset) pair, resolved against this table to get a
// process-local address (spec.md §6, §9).
type Registry struct {
	mu       sync.RWMutex
	segments map[ID]*Segment
}

// NewRegistry returns an empty segment registry. One Registry is
// typically a process-wide singleton, owned by the process's runtime
// façade (spec.md §9 "Global state").
func NewRegistry() *Registry {
	return &Registry{segments: make(map[ID]*Segment)}
}

// Register attaches a segment to the registry so that Resolve can
// later translate (id, offset) pairs originating from this segment.
func (r *Registry) Register(seg *Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments[seg.ID()] = seg
}

// Unregister removes a segment, e.g. after it has been detached.
func (r *Registry) Unregister(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.segments, id)
}

// Resolve converts a (segment id, offset) pair into a process-local
// pointer-free byte slice view starting at that offset. The chunk and
// mempool packages do not call it; they work on []byte views handed
// out by MemPool.
func (r *Registry) Resolve(id ID, offset uint64) ([]byte, error) {
	r.mu.RLock()
	seg, ok := r.segments[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("shmseg: unknown segment id %d", id)
	}
	base := seg.Base()
	if offset > uint64(len(base)) {
		return nil, fmt.Errorf("shmseg: offset %d out of range for segment %d (size %d)", offset, id, len(base))
	}
	return base[offset:], nil
}

// Segment returns the registered segment for id, or false if absent.
func (r *Registry) Segment(id ID) (*Segment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seg, ok := r.segments[id]
	return seg, ok
}

// Offset computes the byte offset of ptr within the segment registered
// under id, turning a process-local address back into the
// (segment_id, offset) form that is safe to store in shared memory.
// MemPool and chunk.Management do not call it; they compute offsets
// with MemPool.ChunkOffset.
func (r *Registry) Offset(id ID, ptr uintptr) (uint64, error) {
	r.mu.RLock()
	seg, ok := r.segments[id]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("shmseg: unknown segment id %d", id)
	}
	base := seg.BaseAddr()
	if ptr < base {
		return 0, fmt.Errorf("shmseg: pointer below segment %d base", id)
	}
	off := uint64(ptr - base)
	if off > uint64(len(seg.Base())) {
		return 0, fmt.Errorf("shmseg: pointer above segment %d end", id)
	}
	return off, nil
}
