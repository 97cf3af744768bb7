package flash

import (
	"fmt"
	"sync"

	"github.com/cabewaldrop/logfs/internal/fserr"
)

// ErrPowerLoss is returned by a MemStore once its power budget is exhausted.
var ErrPowerLoss = fmt.Errorf("simulated power loss: %w", fserr.ErrIO)

// Stats counts the operations a store has served.
type Stats struct {
	Reads  int
	Writes int
	Erases int
}

// MemStore is a RAM simulation of a NOR flash device.
//
// Writes AND new data into the existing contents, exactly as programming a
// NOR cell does. A power budget can be set to make every mutating operation
// after the Nth fail, which is how crash recovery is exercised in tests.
type MemStore struct {
	Geometry

	mu     sync.Mutex
	data   []byte
	stats  Stats
	budget int // remaining mutating operations; negative means unlimited
}

// NewMemStore creates an erased store of size bytes starting at start.
func NewMemStore(start, size, pageSize uint32) (*MemStore, error) {
	g, err := NewGeometry(start, size, pageSize)
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = ErasedByte
	}
	return &MemStore{Geometry: g, data: data, budget: -1}, nil
}

// Read fills dst with the contents starting at address.
func (m *MemStore) Read(dst []byte, address uint32) error {
	if err := m.checkWordAccess("read", address, len(dst)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	copy(dst, m.data[address-m.Start:])
	m.stats.Reads++
	return nil
}

// Write programs src at address.
func (m *MemStore) Write(address uint32, src []byte) error {
	if err := m.checkWordAccess("write", address, len(src)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.spend(); err != nil {
		return err
	}
	off := address - m.Start
	for i, b := range src {
		m.data[off+uint32(i)] &= b
	}
	m.stats.Writes++
	return nil
}

// Erase resets the page containing pageAddress to all ones.
func (m *MemStore) Erase(pageAddress uint32) error {
	if err := m.checkErase(pageAddress); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.spend(); err != nil {
		return err
	}
	off := m.PageOf(pageAddress) - m.Start
	for i := uint32(0); i < m.Page; i++ {
		m.data[off+i] = ErasedByte
	}
	m.stats.Erases++
	return nil
}

// PowerLossAfter lets n more mutating operations succeed; every one after
// that fails with ErrPowerLoss and leaves the contents untouched.
func (m *MemStore) PowerLossAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budget = n
}

// Restore removes any power budget.
func (m *MemStore) Restore() {
	m.PowerLossAfter(-1)
}

// Snapshot returns a copy of the whole device.
func (m *MemStore) Snapshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Stats returns the operation counters.
func (m *MemStore) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// spend consumes one unit of power budget. Caller must hold the lock.
func (m *MemStore) spend() error {
	if m.budget == 0 {
		return ErrPowerLoss
	}
	if m.budget > 0 {
		m.budget--
	}
	return nil
}
