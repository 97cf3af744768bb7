// Package flash defines the non-volatile store contract consumed by the
// page cache, together with the concrete backings used by this project.
//
// The store models NOR flash: memory is addressed in bytes but read and
// written in 32-bit words, a write can only clear bits, and restoring a
// cleared bit requires erasing the whole physical page it lives in (which
// sets every bit of the page).
//
// Backings:
//   - MemStore:    RAM simulation with power-loss injection, used by tests.
//   - FileStore:   a flash image persisted in a regular file.
//   - RemoteStore: a store reached over a retrying request/response transport.
package flash

import (
	"fmt"

	"github.com/cabewaldrop/logfs/internal/fserr"
)

const (
	// WordSize is the access granularity of every store, in bytes.
	WordSize = 4

	// ErasedByte is the value of every byte of a freshly erased page.
	ErasedByte = 0xFF
)

// Store is a byte-addressable, page-erasable non-volatile memory.
//
// All addresses are absolute logical addresses in [FlashStart, FlashEnd).
// Read and Write require word-aligned addresses and lengths. Write must only
// clear bits: a store ANDs the new data into the existing contents.
type Store interface {
	// Read fills dst with the contents starting at address.
	Read(dst []byte, address uint32) error
	// Write programs src at address.
	Write(address uint32, src []byte) error
	// Erase resets the physical page containing pageAddress to all ones.
	Erase(pageAddress uint32) error

	FlashStart() uint32
	FlashEnd() uint32
	PageSize() uint32
	FlashSize() uint32
}

// Geometry describes the address space of a store. It implements the
// geometry half of the Store interface and is embedded by the backings.
type Geometry struct {
	Start uint32 // first valid address
	End   uint32 // first address past the end
	Page  uint32 // physical erase unit, in bytes
}

// NewGeometry returns a geometry of size bytes starting at start.
func NewGeometry(start, size, pageSize uint32) (Geometry, error) {
	g := Geometry{Start: start, End: start + size, Page: pageSize}
	if err := g.Validate(); err != nil {
		return Geometry{}, err
	}
	return g, nil
}

// Validate checks the invariants every store geometry must hold.
func (g Geometry) Validate() error {
	if g.Start >= g.End {
		return fmt.Errorf("geometry: start 0x%08X not below end 0x%08X: %w", g.Start, g.End, fserr.ErrInvalidParameter)
	}
	if g.Page == 0 || g.Page%WordSize != 0 {
		return fmt.Errorf("geometry: page size %d is not a positive word multiple: %w", g.Page, fserr.ErrInvalidParameter)
	}
	if g.Start%g.Page != 0 || (g.End-g.Start)%g.Page != 0 {
		return fmt.Errorf("geometry: region is not page aligned: %w", fserr.ErrInvalidParameter)
	}
	return nil
}

func (g Geometry) FlashStart() uint32 { return g.Start }
func (g Geometry) FlashEnd() uint32   { return g.End }
func (g Geometry) PageSize() uint32   { return g.Page }
func (g Geometry) FlashSize() uint32  { return g.End - g.Start }

// PageOf returns the address of the page containing address.
func (g Geometry) PageOf(address uint32) uint32 {
	return g.Start + ((address-g.Start)/g.Page)*g.Page
}

// Contains reports whether [address, address+n) lies inside the store.
func (g Geometry) Contains(address uint32, n int) bool {
	return address >= g.Start && uint64(address)+uint64(n) <= uint64(g.End)
}

// checkWordAccess validates a word-granular read or write.
func (g Geometry) checkWordAccess(op string, address uint32, n int) error {
	if !g.Contains(address, n) {
		return &fserr.RangeError{Op: op, Address: address, Length: n, Start: g.Start, End: g.End}
	}
	if address%WordSize != 0 || n%WordSize != 0 {
		return fmt.Errorf("%s at 0x%08X (+%d) is not word aligned: %w", op, address, n, fserr.ErrInvalidParameter)
	}
	return nil
}

// checkErase validates an erase request.
func (g Geometry) checkErase(address uint32) error {
	if !g.Contains(address, 1) {
		return &fserr.RangeError{Op: "erase", Address: address, Length: int(g.Page), Start: g.Start, End: g.End}
	}
	return nil
}

// GeometryOf captures the geometry of any store.
func GeometryOf(s Store) Geometry {
	return Geometry{Start: s.FlashStart(), End: s.FlashEnd(), Page: s.PageSize()}
}
