// Package storage implements the write-through page cache that sits between
// the log filesystem and a non-volatile store.
//
// EDUCATIONAL NOTES:
// ------------------
// Flash is slow to read over some transports and cannot be rewritten in
// place, so the cache keeps a small number of fixed-size logical blocks in
// RAM. The cache never holds the only copy of any data: every write goes
// straight through to the store. That makes eviction free (no dirty pages
// to flush) and makes a power cut lose nothing the store has not already
// acknowledged.
//
// Blocks are cached in a fixed arena of CacheEntry slots. A slot index is
// the only handle callers ever get, so eviction can never leave a dangling
// reference behind.

package storage

const (
	// FlagPinned marks an entry that must not be evicted.
	FlagPinned uint16 = 0x01

	// DefaultMaxEntries is the default number of slots in the arena.
	DefaultMaxEntries = 4
)

// CacheEntry is one slot of the arena: a RAM copy of one block-aligned
// region of the store.
//
// Entry Layout:
// +---------------------+
// | address  (u32)      |  block-aligned whenever page != nil
// | lastUsed (u16)      |  logical clock value of the last access
// | flags    (u16)      |  FlagPinned
// | page     []byte     |  blockSize bytes, nil while the slot is unused
// +---------------------+
type CacheEntry struct {
	address  uint32
	lastUsed uint16
	flags    uint16
	page     []byte
}

// Address returns the block address this entry caches.
func (e *CacheEntry) Address() uint32 {
	return e.address
}

// LastUsed returns the clock value of the last access.
func (e *CacheEntry) LastUsed() uint16 {
	return e.lastUsed
}

// IsPinned reports whether the entry is protected from eviction.
func (e *CacheEntry) IsPinned() bool {
	return e.flags&FlagPinned != 0
}

// InUse reports whether the slot holds a block.
func (e *CacheEntry) InUse() bool {
	return e.page != nil
}

// Data returns a copy of the cached block.
func (e *CacheEntry) Data() []byte {
	if e.page == nil {
		return nil
	}
	out := make([]byte, len(e.page))
	copy(out, e.page)
	return out
}

// age returns how many clock ticks ago the entry was used. Unsigned
// subtraction keeps the comparison correct across clock wrap.
func (e *CacheEntry) age(clock uint16) uint16 {
	return clock - e.lastUsed
}

// reset returns the slot to the unused state, releasing its buffer.
func (e *CacheEntry) reset() {
	*e = CacheEntry{}
}
