package logfs

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cabewaldrop/logfs/internal/flash"
	"github.com/cabewaldrop/logfs/internal/fserr"
)

// Defaults for Config.
const (
	DefaultJournalPages   = 4
	DefaultCacheBlockSize = 256
	DefaultCacheEntries   = 4
	DefaultMetadataSize   = 2048
	DefaultHeaderSize     = 2048
	DefaultInvalidChar    = '_'
)

// headerMarker ends every header blob; the metadata record follows it.
const headerMarker = "<!--FS_START"

//go:embed header.html
var defaultHeader []byte

// Event is raised through Config.OnEvent.
type Event int

const (
	// EventLogFull is raised once each time the log fills.
	EventLogFull Event = 1
)

func (e Event) String() string {
	switch e {
	case EventLogFull:
		return "log-full"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Config holds everything a LogFS needs besides its store.
type Config struct {
	// JournalPages is the number of physical pages holding checkpoints.
	JournalPages int

	// CacheBlockSize is the PageCache block size. Journal checkpoints are
	// written each time the end of data crosses a block boundary.
	CacheBlockSize uint32

	// CacheEntries is the number of PageCache slots.
	CacheEntries int

	// MetadataSize is the space reserved after the header for the metadata
	// record and the heading block. Header plus metadata must fill whole
	// pages.
	MetadataSize uint32

	// FullEraseByDefault makes Invalidate erase the whole log.
	FullEraseByDefault bool

	// InvalidChar replaces characters that would break the CSV framing or
	// the HTML export.
	InvalidChar byte

	// Header is the fixed blob written at the start of the region. It
	// must end with "<!--FS_START" and be a whole number of words long.
	Header []byte

	// BuildVersion is stored in the metadata record (0-9999).
	BuildVersion int

	// Clock returns the time since boot used for timestamps.
	Clock func() time.Duration

	// Mirror receives a copy of every appended line when mirroring is on.
	Mirror io.Writer

	// OnEvent is called, outside the filesystem lock, for each event.
	OnEvent func(Event)

	Logger *slog.Logger
}

// DefaultConfig returns a Config with the standard layout and the embedded
// HTML viewer as header.
func DefaultConfig() Config {
	boot := time.Now()
	return Config{
		JournalPages:   DefaultJournalPages,
		CacheBlockSize: DefaultCacheBlockSize,
		CacheEntries:   DefaultCacheEntries,
		MetadataSize:   DefaultMetadataSize,
		InvalidChar:    DefaultInvalidChar,
		Header:         PadHeader(defaultHeader, DefaultHeaderSize),
		Clock:          func() time.Duration { return time.Since(boot) },
	}
}

// PadHeader pads blob with spaces, inserted before the trailing
// "<!--FS_START" marker, to exactly size bytes. A blob that is already
// longer than size is padded to the next word boundary instead.
func PadHeader(blob []byte, size int) []byte {
	body := bytes.TrimSuffix(blob, []byte(headerMarker))
	n := len(body) + len(headerMarker)
	if n > size {
		size = (n + flash.WordSize - 1) &^ (flash.WordSize - 1)
	}

	out := make([]byte, 0, size)
	out = append(out, body...)
	out = append(out, bytes.Repeat([]byte{' '}, size-n)...)
	return append(out, headerMarker...)
}

// Validate checks the configuration against the store geometry.
func (c Config) Validate(g flash.Geometry) error {
	page := g.PageSize()

	switch {
	case c.JournalPages < 1:
		return fmt.Errorf("journal needs at least one page: %w", fserr.ErrInvalidParameter)
	case c.CacheEntries < 1:
		return fmt.Errorf("cache needs at least one entry: %w", fserr.ErrInvalidParameter)
	case c.CacheBlockSize == 0 || c.CacheBlockSize%flash.WordSize != 0 || page%c.CacheBlockSize != 0:
		return fmt.Errorf("cache block size %d must be a word multiple dividing page size %d: %w",
			c.CacheBlockSize, page, fserr.ErrInvalidParameter)
	case len(c.Header)%flash.WordSize != 0 || !bytes.HasSuffix(c.Header, []byte(headerMarker)):
		return fmt.Errorf("header must be word aligned and end with %q: %w", headerMarker, fserr.ErrInvalidParameter)
	case c.MetadataSize < MetadataRecordSize || c.MetadataSize%flash.WordSize != 0:
		return fmt.Errorf("metadata size %d too small or unaligned: %w", c.MetadataSize, fserr.ErrInvalidParameter)
	case (uint32(len(c.Header))+c.MetadataSize)%page != 0:
		return fmt.Errorf("header (%d) plus metadata (%d) must fill whole pages of %d: %w",
			len(c.Header), c.MetadataSize, page, fserr.ErrInvalidParameter)
	case c.InvalidChar == flash.ErasedByte || c.InvalidChar == 0 || c.InvalidChar == ',' || c.InvalidChar == '\n':
		return fmt.Errorf("invalid character 0x%02X cannot stand in for a sanitised byte: %w", c.InvalidChar, fserr.ErrInvalidParameter)
	case c.BuildVersion < 0 || c.BuildVersion > 9999:
		return fmt.Errorf("build version %d out of range: %w", c.BuildVersion, fserr.ErrInvalidParameter)
	}

	dataStart := uint64(g.FlashStart()) + uint64(len(c.Header)) + uint64(c.MetadataSize) + uint64(c.JournalPages)*uint64(page)
	if dataStart+2*uint64(page) > uint64(g.FlashEnd()) {
		return fmt.Errorf("region of %d bytes leaves fewer than two data pages: %w", g.FlashSize(), fserr.ErrInvalidParameter)
	}

	return nil
}
