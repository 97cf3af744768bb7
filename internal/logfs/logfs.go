// Package logfs implements an append-only, journaled log filesystem on top
// of a NOR-like flash store.
//
// EDUCATIONAL NOTES:
// ------------------
// Flash can only clear bits; setting them again needs a page erase. The
// filesystem is laid out so that every normal update is a bit-clearing
// write:
//
//	+------------------+  flashStart
//	| header blob      |  fixed HTML viewer ending in "<!--FS_START"
//	+------------------+  startAddress
//	| metadata record  |  version, logEnd, dataStart (ASCII hex)
//	| 0x00 ...         |  previous heading lines, zeroed in place
//	| a,b,c\n          |  current heading line
//	| 0xFF ...         |
//	+------------------+  journalStart
//	| journal pages    |  8 hex digit checkpoints of the data length
//	+------------------+  dataStart
//	| CSV text         |
//	| 0xFF ...         |
//	+------------------+  logEnd = flashEnd - 4
//	| FULL marker word |
//	+------------------+  flashEnd
//
// Recovery after power loss reads the last valid checkpoint and then scans
// forward to the first erased byte, so at most one cache block of data is
// ever scanned and nothing committed to flash is lost.
package logfs

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cabewaldrop/logfs/internal/flash"
	"github.com/cabewaldrop/logfs/internal/fserr"
	"github.com/cabewaldrop/logfs/internal/logging"
	"github.com/cabewaldrop/logfs/internal/storage"
)

const (
	statusInitialised uint32 = 1 << iota
	statusFull
	statusMirror
)

// fullMarker is written at logEnd+1 when the log fills.
var fullMarker = []byte("FUL")

// column is one key of the schema with the value of the current row.
type column struct {
	key   string
	value string
}

// LogFS is a single-file log filesystem. All exported methods are safe for
// concurrent use; they are serialised by one lock.
type LogFS struct {
	mu sync.Mutex

	store  flash.Store
	cache  *storage.PageCache
	cfg    Config
	logger *slog.Logger

	status uint32
	state  rowState

	startAddress uint32
	journalStart uint32
	journalHead  uint32
	dataStart    uint32
	dataEnd      uint32
	logEnd       uint32

	headingStart    uint32
	headingLength   uint32
	headingsChanged bool
	columns         []column

	meta metadata

	timeStamp        TimeStampFormat
	timeStampHeading string
	timeStampChanged bool

	pending []Event
}

// New creates a LogFS over store. Nothing is read from the store until the
// first call that needs it.
func New(store flash.Store, cfg Config) (*LogFS, error) {
	if err := cfg.Validate(flash.GeometryOf(store)); err != nil {
		return nil, fmt.Errorf("invalid log filesystem config: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = DefaultConfig().Clock
	}
	logger := logging.OrDefault(cfg.Logger).With("component", "logfs")

	cache, err := storage.NewPageCache(store, cfg.CacheBlockSize,
		storage.WithMaxEntries(cfg.CacheEntries),
		storage.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	l := &LogFS{
		store:        store,
		cache:        cache,
		cfg:          cfg,
		logger:       logger,
		startAddress: store.FlashStart() + uint32(len(cfg.Header)),
	}
	l.journalStart = l.startAddress + cfg.MetadataSize
	return l, nil
}

// lock and unlock bracket every exported method. Events raised during the
// call are delivered after the lock is released.
func (l *LogFS) lock() {
	l.mu.Lock()
}

func (l *LogFS) unlock() {
	events := l.pending
	l.pending = nil
	l.mu.Unlock()

	if l.cfg.OnEvent == nil {
		return
	}
	for _, e := range events {
		l.cfg.OnEvent(e)
	}
}

func (l *LogFS) emit(e Event) {
	l.pending = append(l.pending, e)
}

// IsPresent reports whether the store holds a recognisable log.
func (l *LogFS) IsPresent() (bool, error) {
	l.lock()
	defer l.unlock()

	if l.status&statusInitialised != 0 {
		return true, nil
	}
	_, ok, err := l.detect()
	return ok, err
}

// detect reads the metadata record straight from the store, bypassing the
// cache, and checks that it describes a sane layout.
func (l *LogFS) detect() (metadata, bool, error) {
	buf := make([]byte, MetadataRecordSize)
	if err := l.store.Read(buf, l.startAddress); err != nil {
		return metadata{}, false, fmt.Errorf("read metadata: %w", err)
	}

	m, ok := parseMetadata(buf)
	if !ok {
		return metadata{}, false, nil
	}

	page := l.store.PageSize()
	valid := m.dataStart >= l.journalStart+page &&
		(m.dataStart-l.journalStart)%page == 0 &&
		m.dataStart < m.logEnd &&
		m.logEnd < l.store.FlashEnd()
	return m, valid, nil
}

// init loads an existing log, or formats a new one if none is present.
func (l *LogFS) init() error {
	if l.status&statusInitialised != 0 {
		return nil
	}

	m, ok, err := l.detect()
	if err != nil {
		return err
	}
	if !ok {
		l.logger.Info("no log filesystem found, formatting")
		return l.clear(false)
	}
	return l.recover(m)
}

// recover rebuilds the in-RAM state of an existing log.
func (l *LogFS) recover(m metadata) error {
	l.meta = m
	l.dataStart = m.dataStart
	l.logEnd = m.logEnd
	l.journalHead = l.journalStart
	l.dataEnd = l.dataStart
	l.status &= statusMirror
	l.state = stateIdle
	l.columns = nil
	l.headingsChanged = false

	// Last valid checkpoint. A valid entry followed by a free one ends the
	// scan early; otherwise the whole journal is read.
	entry := make([]byte, JournalEntrySize)
	valid := false
	for a := l.journalStart; a < l.dataStart; a += JournalEntrySize {
		if err := l.cache.Read(a, entry); err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
		length, state := decodeJournalEntry(entry)
		if state == journalFree && valid {
			break
		}
		if state == journalValid {
			l.journalHead = a
			l.dataEnd = l.dataStart + length
			valid = true
		}
	}
	if l.dataEnd > l.logEnd {
		l.dataEnd = l.logEnd
	}

	// Data written after the checkpoint runs up to the first erased byte.
	end, err := l.scanTo(l.dataEnd, l.logEnd, func(b byte) bool { return b == flash.ErasedByte })
	if err != nil {
		return err
	}
	l.dataEnd = end

	if err := l.loadHeadings(); err != nil {
		return err
	}

	marker := make([]byte, flash.WordSize)
	if err := l.cache.Read(l.logEnd, marker); err != nil {
		return fmt.Errorf("read full marker: %w", err)
	}
	if bytes.Equal(marker[1:], fullMarker) {
		l.status |= statusFull
	}

	l.status |= statusInitialised
	l.logger.Debug("log filesystem recovered",
		"journal_head", l.journalHead, "data_end", l.dataEnd, "columns", len(l.columns), "full", l.status&statusFull != 0)
	return nil
}

// loadHeadings parses the heading block: old headings zeroed in place,
// then the current line, then erased space.
func (l *LogFS) loadHeadings() error {
	start, err := l.scanTo(l.startAddress+MetadataRecordSize, l.journalStart, func(b byte) bool { return b != 0 })
	if err != nil {
		return err
	}
	end, err := l.scanTo(start, l.journalStart, func(b byte) bool { return b == flash.ErasedByte })
	if err != nil {
		return err
	}

	l.headingStart = start
	l.headingLength = end - start
	if l.headingLength == 0 {
		return nil
	}

	block := make([]byte, l.headingLength)
	if err := l.cache.Read(start, block); err != nil {
		return fmt.Errorf("read headings: %w", err)
	}

	// An unterminated line was torn by power loss: no columns are known.
	if block[len(block)-1] != '\n' {
		l.logger.Warn("heading block is not terminated, ignoring headings", "length", l.headingLength)
		return nil
	}
	for _, key := range bytes.Split(block[:len(block)-1], []byte{','}) {
		l.columns = append(l.columns, column{key: string(key)})
	}
	return nil
}

// scanTo returns the first address in [from, to) whose byte satisfies
// stop, or to if there is none.
func (l *LogFS) scanTo(from, to uint32, stop func(byte) bool) (uint32, error) {
	bs := l.cache.BlockSize()
	buf := make([]byte, bs)

	for a := from; a < to; {
		n := bs - a%bs
		if to-a < n {
			n = to - a
		}
		chunk := buf[:n]
		if err := l.cache.Read(a, chunk); err != nil {
			return 0, fmt.Errorf("scan at 0x%08X: %w", a, err)
		}
		for i, b := range chunk {
			if stop(b) {
				return a + uint32(i), nil
			}
		}
		a += n
	}
	return to, nil
}

// Clear formats the log. With fullErase every data page is erased as
// well, which takes much longer and wears the flash.
func (l *LogFS) Clear(fullErase bool) error {
	l.lock()
	defer l.unlock()
	return l.clear(fullErase)
}

func (l *LogFS) clear(fullErase bool) error {
	page := l.store.PageSize()

	l.dataStart = l.journalStart + uint32(l.cfg.JournalPages)*page
	l.journalHead = l.journalStart
	l.dataEnd = l.dataStart
	l.logEnd = l.store.FlashEnd() - flash.WordSize
	l.status &= statusMirror
	l.state = stateIdle

	l.headingsChanged = false
	l.timeStampChanged = false
	l.headingStart = l.startAddress + MetadataRecordSize
	l.headingLength = 0
	l.columns = nil

	// Header, metadata, journal and the first data page; optionally all
	// data pages.
	l.cache.Clear()
	last := l.dataStart
	if fullErase {
		last = l.logEnd
	}
	for p := l.store.FlashStart(); p <= last; p += page {
		if err := l.store.Erase(p); err != nil {
			return fmt.Errorf("format: %w", err)
		}
	}

	// The page holding the FULL marker.
	if markerPage := l.logEnd - l.logEnd%page; markerPage > last {
		if err := l.store.Erase(markerPage); err != nil {
			return fmt.Errorf("format: %w", err)
		}
	}

	// Written directly so the cache is not filled with the header.
	if err := l.store.Write(l.store.FlashStart(), l.cfg.Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	l.meta = metadata{logEnd: l.logEnd, dataStart: l.dataStart, buildVersion: l.cfg.BuildVersion}
	if err := l.cache.Write(l.startAddress, l.meta.encode()); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := l.cache.Write(l.journalHead, encodeJournalEntry(0)); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}

	l.status |= statusInitialised
	l.logger.Info("log filesystem formatted",
		"full_erase", fullErase, "data_start", l.dataStart, "log_end", l.logEnd)

	return l.setTimeStamp(l.timeStamp)
}

// Invalidate marks the log for reformatting on next use. The metadata
// record and the FULL marker are zeroed in place, which needs no erase.
// It has no effect on the store if no log is present.
func (l *LogFS) Invalidate() error {
	l.lock()
	defer l.unlock()

	if l.status&statusInitialised == 0 {
		_, ok, err := l.detect()
		if err != nil || !ok {
			return err
		}
		if err := l.init(); err != nil {
			return err
		}
	}

	if l.cfg.FullEraseByDefault {
		if err := l.clear(true); err != nil {
			return err
		}
	}
	if err := l.store.Write(l.startAddress, make([]byte, MetadataRecordSize)); err != nil {
		return fmt.Errorf("invalidate metadata: %w", err)
	}
	if err := l.store.Write(l.logEnd, make([]byte, flash.WordSize)); err != nil {
		return fmt.Errorf("invalidate full marker: %w", err)
	}
	l.cache.Clear()
	l.status &^= statusInitialised
	l.logger.Info("log filesystem invalidated")
	return nil
}

// SetSerialMirroring turns copying of appended lines to Config.Mirror on
// or off.
func (l *LogFS) SetSerialMirroring(enable bool) {
	l.lock()
	defer l.unlock()

	if enable {
		l.status |= statusMirror
	} else {
		l.status &^= statusMirror
	}
}

// IsFull reports whether the log has run out of space. A log that cannot
// be loaded is reported as not full.
func (l *LogFS) IsFull() bool {
	l.lock()
	defer l.unlock()

	if err := l.init(); err != nil {
		l.logger.Debug("could not load log", "error", err)
		return false
	}
	return l.status&statusFull != 0
}

// Headings returns the current column keys in order.
func (l *LogFS) Headings() ([]string, error) {
	l.lock()
	defer l.unlock()

	if err := l.init(); err != nil {
		return nil, err
	}
	keys := make([]string, len(l.columns))
	for i, c := range l.columns {
		keys[i] = c.key
	}
	return keys, nil
}

// Status is a snapshot of the layout cursors, for diagnostics.
type Status struct {
	Full          bool            `json:"full"`
	RowStarted    bool            `json:"row_started"`
	Mirroring     bool            `json:"mirroring"`
	TimeStamp     TimeStampFormat `json:"timestamp"`
	StartAddress  uint32          `json:"start_address"`
	JournalStart  uint32          `json:"journal_start"`
	JournalHead   uint32          `json:"journal_head"`
	DataStart     uint32          `json:"data_start"`
	DataEnd       uint32          `json:"data_end"`
	LogEnd        uint32          `json:"log_end"`
	HeadingStart  uint32          `json:"heading_start"`
	HeadingLength uint32          `json:"heading_length"`
	Columns       int             `json:"columns"`
	CachedBlocks  int             `json:"cached_blocks"`
}

// Used returns the number of data bytes written.
func (s Status) Used() uint32 {
	return s.DataEnd - s.DataStart
}

// Capacity returns the size of the data region.
func (s Status) Capacity() uint32 {
	return s.LogEnd - s.DataStart
}

// Status returns the current layout cursors.
func (l *LogFS) Status() (Status, error) {
	l.lock()
	defer l.unlock()

	if err := l.init(); err != nil {
		return Status{}, err
	}
	return Status{
		Full:          l.status&statusFull != 0,
		RowStarted:    l.state == stateRowStarted,
		Mirroring:     l.status&statusMirror != 0,
		TimeStamp:     l.timeStamp,
		StartAddress:  l.startAddress,
		JournalStart:  l.journalStart,
		JournalHead:   l.journalHead,
		DataStart:     l.dataStart,
		DataEnd:       l.dataEnd,
		LogEnd:        l.logEnd,
		HeadingStart:  l.headingStart,
		HeadingLength: l.headingLength,
		Columns:       len(l.columns),
		CachedBlocks:  l.cache.CacheSize(),
	}, nil
}

// markFull records that the log is full. The marker is written and the
// event raised only on the first call after a format.
func (l *LogFS) markFull() error {
	if l.status&statusFull == 0 {
		l.status |= statusFull
		if err := l.cache.Write(l.logEnd+1, fullMarker); err != nil {
			l.logger.Debug("could not write full marker", "error", err)
		}
		l.logger.Warn("log is full", "data_end", l.dataEnd, "log_end", l.logEnd)
		l.emit(EventLogFull)
	}
	return fmt.Errorf("log is full: %w", fserr.ErrNoResources)
}

// erasePage erases the physical page at address and the cached copies of
// its blocks.
func (l *LogFS) erasePage(address uint32) error {
	page := l.store.PageSize()
	address -= address % page
	if err := l.store.Erase(address); err != nil {
		return fmt.Errorf("erase page 0x%08X: %w", address, err)
	}
	for b := address; b < address+page; b += l.cache.BlockSize() {
		l.cache.Erase(b)
	}
	return nil
}
