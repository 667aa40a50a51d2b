package mempool

import "unsafe"

// addrOf returns the process-local address of a byte slice's backing
// array. It never escapes the mempool package: every caller outside
// it deals only in []byte chunk views or (segment id, offset) pairs.
func addrOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
