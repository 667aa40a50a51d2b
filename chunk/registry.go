package chunk

import (
	"sync"

	"github.com/AlephTX/iceoryx-sub003/shmseg"
)

// managementRegistry resolves a (segmentID, offset) pair back to the
// in-process Management record it identifies. ShmSafeUnmanagedChunk
// only ever carries the pair across the wire (a queue slot, a history
// ring entry); the receiving endpoint, which lives in the same
// process as the record it points to here (see DESIGN.md), uses this
// registry to turn the pair back into a live handle.
var (
	managementRegistryMu sync.RWMutex
	managementRegistry   = make(map[uint64]*Management)
)

func registryKey(segmentID shmseg.ID, offset uint64) uint64 {
	return uint64(segmentID)<<48 | (offset & 0xFFFFFFFFFFFF)
}

func registerManagement(segmentID shmseg.ID, offset uint64, m *Management) {
	managementRegistryMu.Lock()
	managementRegistry[registryKey(segmentID, offset)] = m
	managementRegistryMu.Unlock()
}

func unregisterManagement(segmentID shmseg.ID, offset uint64) {
	managementRegistryMu.Lock()
	delete(managementRegistry, registryKey(segmentID, offset))
	managementRegistryMu.Unlock()
}

func lookupManagement(segmentID shmseg.ID, offset uint64) (*Management, bool) {
	managementRegistryMu.RLock()
	m, ok := managementRegistry[registryKey(segmentID, offset)]
	managementRegistryMu.RUnlock()
	return m, ok
}
