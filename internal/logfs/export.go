package logfs

import (
	"fmt"
	"io"
	"strings"

	"github.com/cabewaldrop/logfs/internal/fserr"
)

// Format selects the virtual file served by ReadData.
type Format int

const (
	// FormatHTMLHeader is the header blob, metadata and terminator only,
	// for clients that append the data themselves.
	FormatHTMLHeader Format = iota
	// FormatHTML is the self-contained viewer: header, metadata, data and
	// terminator.
	FormatHTML
	// FormatCSV is the raw data region.
	FormatCSV
)

// exportTerminator ends the HTML formats.
var exportTerminator = []byte{0xFF}

func (f Format) String() string {
	switch f {
	case FormatHTMLHeader:
		return "html-header"
	case FormatHTML:
		return "html"
	case FormatCSV:
		return "csv"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat accepts "csv", "html" or "html-header".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "csv":
		return FormatCSV, nil
	case "html", "htm":
		return FormatHTML, nil
	case "html-header", "header":
		return FormatHTMLHeader, nil
	default:
		return 0, fmt.Errorf("unknown export format %q: %w", s, fserr.ErrInvalidParameter)
	}
}

// GetDataLength returns the size of the virtual file for format.
func (l *LogFS) GetDataLength(format Format) (uint32, error) {
	l.lock()
	defer l.unlock()

	if err := l.init(); err != nil {
		return 0, err
	}
	return l.dataLength(format)
}

func (l *LogFS) dataLength(format Format) (uint32, error) {
	hdr := uint32(len(l.cfg.Header))
	csv := l.dataEnd - l.dataStart

	switch format {
	case FormatHTMLHeader:
		return hdr + MetadataRecordSize + 1, nil
	case FormatHTML:
		return hdr + MetadataRecordSize + csv + 1, nil
	case FormatCSV:
		return csv, nil
	default:
		return 0, fmt.Errorf("unknown export format %d: %w", int(format), fserr.ErrInvalidParameter)
	}
}

// ReadData copies the part of the virtual file for format starting at
// index into p and returns the number of bytes copied. length is the file
// size the caller obtained from GetDataLength; it pins the amount of data
// served, so a reader sees a consistent file while the log grows. A length
// describing more data than the log holds is rejected.
func (l *LogFS) ReadData(p []byte, index uint32, format Format, length uint32) (int, error) {
	l.lock()
	defer l.unlock()

	if err := l.init(); err != nil {
		return 0, err
	}

	hdr := uint32(len(l.cfg.Header))
	dataMax := l.dataEnd - l.dataStart
	dataLen := dataMax

	switch format {
	case FormatHTML:
		dataLen = length - hdr - MetadataRecordSize - 1
	case FormatCSV:
		dataLen = length
	case FormatHTMLHeader:
	default:
		return 0, fmt.Errorf("unknown export format %d: %w", int(format), fserr.ErrInvalidParameter)
	}
	if dataLen > dataMax {
		return 0, fmt.Errorf("requested %d data bytes, log holds %d: %w", dataLen, dataMax, fserr.ErrInvalidParameter)
	}

	// The exported metadata describes the data as if the journal were
	// absent, with the data directly after the record.
	meta := l.meta
	meta.dataStart = hdr + MetadataRecordSize
	meta.logEnd = l.logEnd - (l.dataStart - hdr - MetadataRecordSize)
	record := meta.encode()

	c := &composer{dst: p, index: index}
	readFlash := func(dst []byte, off uint32) error {
		return l.cache.Read(l.dataStart+off, dst)
	}

	var err error
	switch format {
	case FormatHTMLHeader:
		c.blob(l.cfg.Header)
		c.blob(record)
		c.blob(exportTerminator)
	case FormatHTML:
		c.blob(l.cfg.Header)
		c.blob(record)
		if err = c.source(dataLen, readFlash); err == nil {
			c.blob(exportTerminator)
		}
	case FormatCSV:
		err = c.source(dataLen, readFlash)
	}
	return c.n, err
}

// composer fills dst from a window [index, index+len(dst)) of a virtual
// file made of consecutive segments. pos is the virtual offset of the
// next segment.
type composer struct {
	dst   []byte
	index uint32
	pos   uint32
	n     int
}

func (c *composer) blob(b []byte) {
	c.source(uint32(len(b)), func(dst []byte, off uint32) error {
		copy(dst, b[off:])
		return nil
	})
}

// source appends a segment of size bytes, calling read for the part that
// overlaps the window.
func (c *composer) source(size uint32, read func(dst []byte, off uint32) error) error {
	next := c.pos + size
	var length uint32
	if c.index < next {
		length = next - c.index
	}
	if length > uint32(len(c.dst)) {
		length = uint32(len(c.dst))
	}

	if length > 0 {
		if err := read(c.dst[:length], c.index-c.pos); err != nil {
			return err
		}
	}

	c.dst = c.dst[length:]
	c.index += length
	c.n += int(length)
	c.pos = next
	return nil
}

// Snapshot is a fixed-size view of one export format. It implements
// io.ReaderAt, so it can be served with Range support.
type Snapshot struct {
	fs     *LogFS
	format Format
	size   int64
}

// Export returns a snapshot of the virtual file for format at its current
// size.
func (l *LogFS) Export(format Format) (*Snapshot, error) {
	n, err := l.GetDataLength(format)
	if err != nil {
		return nil, err
	}
	return &Snapshot{fs: l, format: format, size: int64(n)}, nil
}

// Size returns the snapshot size in bytes.
func (s *Snapshot) Size() int64 {
	return s.size
}

// Format returns the export format.
func (s *Snapshot) Format() Format {
	return s.format
}

// ReadAt implements io.ReaderAt.
func (s *Snapshot) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset: %w", fserr.ErrInvalidParameter)
	}
	if off >= s.size {
		return 0, io.EOF
	}

	short := false
	if int64(len(p)) > s.size-off {
		p = p[:s.size-off]
		short = true
	}

	n, err := s.fs.ReadData(p, uint32(off), s.format, uint32(s.size))
	if err == nil && short {
		err = io.EOF
	}
	return n, err
}

// Reader returns a seekable reader over the snapshot.
func (s *Snapshot) Reader() *io.SectionReader {
	return io.NewSectionReader(s, 0, s.size)
}
