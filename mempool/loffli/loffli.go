// Package loffli implements the lock-free free-list (LoFFLi) used by
// MemPool to hand out and reclaim 32-bit chunk indices without a lock.
//
// The free-list head is a single 64-bit word: the high 32 bits hold
// "index+1" (0 meaning "list empty"), the low 32 bits hold an ABA
// counter that is bumped on every push so that a CAS can't succeed
// against a head value that coincidentally cycled back to the same
// index after a concurrent pop-push-pop. This is the same technique as
// a tagged-pointer free-list; here the "pointer" is just an index into
// a fixed array, which is an ordinary process-local Go slice.
package loffli

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

const invalidHead = 0

// List is a multi-producer/multi-consumer lock-free free-list over a
// fixed number of 32-bit indices, grounded on the CAS-with-ABA-counter
// technique in class.Push/class.Pop (blastbao/slab's AtomPool), here
// specialized from a []byte slab free-list to a plain index free-list
// per spec.md §3 ("a multi-producer/multi-consumer lock-free index
// free-list (LoFFLi) of 32-bit chunk indices").
type List struct {
	head uint64
	next []uint64 // next[i] holds the packed (index+1)<<32|aba head that follows i in the list (the head at the time i was pushed)
	size uint32
}

// New initializes a free-list holding every index in [0, size) as
// free, in ascending order.
func New(size uint32) (*List, error) {
	if size == 0 {
		return nil, fmt.Errorf("loffli: size must be >= 1")
	}
	l := &List{
		next: make([]uint64, size),
		size: size,
	}
	for i := uint32(0); i < size; i++ {
		if i+1 < size {
			l.next[i] = pack(i+1, 0)
		} else {
			l.next[i] = invalidHead
		}
	}
	l.head = pack(0, 0)
	return l, nil
}

func pack(index uint32, aba uint32) uint64 {
	return uint64(index+1)<<32 | uint64(aba)
}

func unpack(v uint64) (index uint32, aba uint32, empty bool) {
	if v == invalidHead {
		return 0, 0, true
	}
	return uint32(v>>32) - 1, uint32(v), false
}

// Pop removes and returns an index from the free-list. ok is false iff
// the free-list was empty.
func (l *List) Pop() (index uint32, ok bool) {
	for {
		old := atomic.LoadUint64(&l.head)
		idx, _, empty := unpack(old)
		if empty {
			return 0, false
		}
		nxt := atomic.LoadUint64(&l.next[idx])
		if atomic.CompareAndSwapUint64(&l.head, old, nxt) {
			return idx, true
		}
		runtime.Gosched()
	}
}

// Push returns index to the free-list. Pushing an index that is
// already free, or outside [0, size), is a caller bug; MemPool is
// responsible for only ever pushing indices it itself popped.
func (l *List) Push(index uint32) {
	for {
		old := atomic.LoadUint64(&l.head)
		_, aba, _ := unpack(old)
		atomic.StoreUint64(&l.next[index], old)
		new := pack(index, aba+1)
		if atomic.CompareAndSwapUint64(&l.head, old, new) {
			return
		}
		runtime.Gosched()
	}
}

// Size returns the total capacity of the free-list.
func (l *List) Size() uint32 { return l.size }
