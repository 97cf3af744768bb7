// Package storage - PageCache component
//
// EDUCATIONAL NOTES:
// ------------------
// The PageCache serves reads and writes of arbitrary byte ranges by
// splitting them at block boundaries and resolving each block to a slot.
//
// Key responsibilities:
// 1. Loading blocks from the store on a miss
// 2. Evicting the least recently used unpinned block when the arena is full
// 3. Rejecting writes that would need an erase (setting a cleared bit)
// 4. Writing every accepted change through to the store, word aligned
//
// The cache has no lock of its own. Its single caller (the log filesystem)
// serialises all access.

package storage

import (
	"fmt"
	"log/slog"

	"github.com/cabewaldrop/logfs/internal/flash"
	"github.com/cabewaldrop/logfs/internal/fserr"
	"github.com/cabewaldrop/logfs/internal/logging"
)

// PageCache caches fixed-size logical blocks of a flash.Store.
type PageCache struct {
	store     flash.Store
	blockSize uint32

	// entries is the slot arena. Its length is the maximum cache size.
	entries []CacheEntry

	// clock is the logical clock used for LRU replacement.
	clock uint16

	logger *slog.Logger
}

// Option configures a PageCache.
type Option func(*PageCache)

// WithMaxEntries sets the number of slots in the arena.
func WithMaxEntries(n int) Option {
	return func(c *PageCache) {
		if n > 0 {
			c.entries = make([]CacheEntry, n)
		}
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *PageCache) { c.logger = l }
}

// NewPageCache creates a cache of blockSize-byte blocks over store.
// blockSize may be smaller than the physical page size but must divide it.
func NewPageCache(store flash.Store, blockSize uint32, opts ...Option) (*PageCache, error) {
	if blockSize == 0 || blockSize%flash.WordSize != 0 || store.PageSize()%blockSize != 0 {
		return nil, fmt.Errorf("block size %d must be a word multiple dividing page size %d: %w",
			blockSize, store.PageSize(), fserr.ErrInvalidParameter)
	}

	c := &PageCache{
		store:     store,
		blockSize: blockSize,
		entries:   make([]CacheEntry, DefaultMaxEntries),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger).With("component", "page-cache")

	return c, nil
}

// BlockSize returns the logical block size.
func (c *PageCache) BlockSize() uint32 {
	return c.blockSize
}

// MaxEntries returns the number of slots in the arena.
func (c *PageCache) MaxEntries() int {
	return len(c.entries)
}

// CacheSize returns the number of slots currently holding a block.
func (c *PageCache) CacheSize() int {
	n := 0
	for i := range c.entries {
		if c.entries[i].InUse() {
			n++
		}
	}
	return n
}

// Entry returns the slot at index i.
func (c *PageCache) Entry(i int) *CacheEntry {
	return &c.entries[i]
}

// Store returns the backing store.
func (c *PageCache) Store() flash.Store {
	return c.store
}

// Clear releases every slot and resets the logical clock.
func (c *PageCache) Clear() {
	for i := range c.entries {
		c.entries[i].reset()
	}
	c.clock = 0
}

// Read copies len(buf) bytes starting at address into buf, paging blocks
// in from the store as needed.
func (c *PageCache) Read(address uint32, buf []byte) error {
	if err := c.checkRange("read", address, len(buf)); err != nil {
		return err
	}

	copied := 0
	for copied < len(buf) {
		a := address + uint32(copied)
		block, offset, l := c.span(a, len(buf)-copied)

		slot, err := c.CachePage(block)
		if err != nil {
			return err
		}
		copy(buf[copied:copied+l], c.entries[slot].page[offset:])
		copied += l
	}

	return nil
}

// Write stores data at address. The write is first validated against every
// affected block: if any byte would need a bit set that is currently clear,
// nothing is written and the error matches fserr.ErrNotSupported. Otherwise
// each block is updated in RAM and the word-aligned superset of the changed
// range is written through to the store.
func (c *PageCache) Write(address uint32, data []byte) error {
	if err := c.checkRange("write", address, len(data)); err != nil {
		return err
	}

	// Validation pass.
	copied := 0
	for copied < len(data) {
		a := address + uint32(copied)
		block, offset, l := c.span(a, len(data)-copied)

		slot, err := c.CachePage(block)
		if err != nil {
			return err
		}
		page := c.entries[slot].page
		for i := 0; i < l; i++ {
			old, nw := page[int(offset)+i], data[copied+i]
			if (old^nw)&nw != 0 {
				c.logger.Debug("illegal write attempted", "address", address, "length", len(data))
				return &fserr.IllegalWriteError{
					Address: address, Length: len(data),
					Offset: a + uint32(i), Old: old, New: nw,
				}
			}
		}
		copied += l
	}

	// Update and write-through pass.
	copied = 0
	for copied < len(data) {
		a := address + uint32(copied)
		block, offset, l := c.span(a, len(data)-copied)

		slot, err := c.CachePage(block)
		if err != nil {
			return err
		}
		page := c.entries[slot].page
		copy(page[offset:], data[copied:copied+l])

		alignedStart := a &^ (flash.WordSize - 1)
		alignedEnd := (a + uint32(l) + flash.WordSize - 1) &^ (flash.WordSize - 1)
		if err := c.store.Write(alignedStart, page[alignedStart-block:alignedEnd-block]); err != nil {
			c.resync(slot)
			return fmt.Errorf("write-through at 0x%08X: %w", alignedStart, err)
		}
		copied += l
	}

	return nil
}

// resync reloads a slot whose write-through failed, so the cache never
// holds bytes the store does not. If the reload fails too the slot is
// dropped.
func (c *PageCache) resync(slot int) {
	e := &c.entries[slot]
	if err := c.store.Read(e.page, e.address); err != nil {
		c.logger.Warn("dropping cache entry after failed write-through", "address", e.address, "error", err)
		e.reset()
	}
}

// Erase sets the cached copy of the block containing address to the erased
// value without touching the store. It is used after the caller has erased
// the physical page itself. Blocks that are not cached are left alone.
func (c *PageCache) Erase(address uint32) {
	slot, ok := c.Lookup(c.blockOf(address))
	if !ok {
		return
	}
	page := c.entries[slot].page
	for i := range page {
		page[i] = flash.ErasedByte
	}
}

// Pin loads the block containing address (if needed) and protects it from
// eviction.
func (c *PageCache) Pin(address uint32) error {
	slot, err := c.CachePage(c.blockOf(address))
	if err != nil {
		return err
	}
	c.entries[slot].flags |= FlagPinned
	return nil
}

// Unpin makes the block containing address evictable again.
func (c *PageCache) Unpin(address uint32) {
	if slot, ok := c.Lookup(c.blockOf(address)); ok {
		c.entries[slot].flags &^= FlagPinned
	}
}

// Lookup returns the slot caching the block at address, if present. A hit
// counts as an access for LRU purposes.
func (c *PageCache) Lookup(address uint32) (int, bool) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.InUse() && e.address == address {
			c.clock++
			e.lastUsed = c.clock
			return i, true
		}
	}
	return -1, false
}

// CachePage returns the slot holding the block at address, loading it from
// the store on a miss. An unused slot is preferred; otherwise the unpinned
// entry with the greatest age on the logical clock is replaced.
func (c *PageCache) CachePage(address uint32) (int, error) {
	if slot, ok := c.Lookup(address); ok {
		return slot, nil
	}

	victim := -1
	for i := range c.entries {
		e := &c.entries[i]
		if !e.InUse() {
			victim = i
			break
		}
		if e.IsPinned() {
			continue
		}
		if victim == -1 || e.age(c.clock) > c.entries[victim].age(c.clock) {
			victim = i
		}
	}
	if victim == -1 {
		return -1, fmt.Errorf("all %d cache entries are pinned: %w", len(c.entries), fserr.ErrNoResources)
	}

	e := &c.entries[victim]
	if e.page == nil {
		e.page = make([]byte, c.blockSize)
	}
	c.clock++
	e.address = address
	e.flags = 0
	e.lastUsed = c.clock

	// We are write-through, so whatever the slot held before is soft state.
	if err := c.store.Read(e.page, address); err != nil {
		e.reset()
		return -1, fmt.Errorf("load block 0x%08X: %w", address, err)
	}

	return victim, nil
}

// checkRange rejects any access outside the store.
func (c *PageCache) checkRange(op string, address uint32, n int) error {
	start, end := c.store.FlashStart(), c.store.FlashEnd()
	if address < start || uint64(address)+uint64(n) > uint64(end) {
		return &fserr.RangeError{Op: op, Address: address, Length: n, Start: start, End: end}
	}
	return nil
}

// span splits an access at a into the block address, offset within the
// block and the number of bytes (at most remaining) inside that block.
func (c *PageCache) span(a uint32, remaining int) (block, offset uint32, l int) {
	block = c.blockOf(a)
	offset = a - block
	l = int(c.blockSize - offset)
	if remaining < l {
		l = remaining
	}
	return block, offset, l
}

func (c *PageCache) blockOf(address uint32) uint32 {
	return (address / c.blockSize) * c.blockSize
}
