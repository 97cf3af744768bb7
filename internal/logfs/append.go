package logfs

import (
	"fmt"

	"github.com/cabewaldrop/logfs/internal/flash"
)

// LogString appends s to the log as free text, outside the key/value
// model. It returns an error matching fserr.ErrNoResources if s does not
// fit in the remaining space; nothing is written in that case.
func (l *LogFS) LogString(s string) error {
	l.lock()
	defer l.unlock()
	return l.logString(s)
}

func (l *LogFS) logString(s string) error {
	if err := l.init(); err != nil {
		return err
	}

	data := []byte(s)
	if l.status&statusFull != 0 || uint32(len(data)) > l.logEnd-l.dataEnd {
		return l.markFull()
	}

	data = []byte(sanitize(s, l.cfg.InvalidChar, false))
	l.mirror(data)

	page := l.store.PageSize()
	oldDataEnd := l.dataEnd

	for len(data) > 0 {
		spaceOnPage := page - l.dataEnd%page
		n := uint32(len(data))
		if n > spaceOnPage {
			n = spaceOnPage
		}

		// Erase the next page before this one fills, so a write never has
		// to wait for an erase.
		if spaceOnPage <= uint32(len(data)) && l.dataEnd+spaceOnPage < l.logEnd {
			if err := l.erasePage(l.dataEnd + spaceOnPage); err != nil {
				return err
			}
		}

		if err := l.cache.Write(l.dataEnd, data[:n]); err != nil {
			return fmt.Errorf("append at 0x%08X: %w", l.dataEnd, err)
		}
		l.dataEnd += n
		data = data[n:]
	}

	bs := l.cache.BlockSize()
	if l.dataEnd/bs != oldDataEnd/bs {
		return l.checkpoint()
	}
	return nil
}

// checkpoint records the committed length, rounded down to a cache block,
// in the next journal slot and then invalidates the previous slot. In that
// order a power cut always leaves at least one valid entry.
func (l *LogFS) checkpoint() error {
	page := l.store.PageSize()
	bs := l.cache.BlockSize()
	old := l.journalHead

	l.journalHead += JournalEntrySize
	if l.journalHead%page == 0 {
		if l.journalHead == l.dataStart {
			l.journalHead = l.journalStart
		}
		if err := l.erasePage(l.journalHead); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}

	length := ((l.dataEnd - l.dataStart) / bs) * bs
	if err := l.cache.Write(l.journalHead, encodeJournalEntry(length)); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if err := l.cache.Write(old, make([]byte, JournalEntrySize)); err != nil {
		return fmt.Errorf("invalidate journal entry: %w", err)
	}
	return nil
}

// mirror copies a line to Config.Mirror, with a CRLF line ending in place
// of its last byte.
func (l *LogFS) mirror(data []byte) {
	if l.status&statusMirror == 0 || l.cfg.Mirror == nil || len(data) == 0 {
		return
	}
	line := make([]byte, 0, len(data)+1)
	line = append(line, data[:len(data)-1]...)
	line = append(line, '\r', '\n')
	if _, err := l.cfg.Mirror.Write(line); err != nil {
		l.logger.Debug("mirror write failed", "error", err)
	}
}

// sanitize replaces "-->" (which would end the HTML comment holding the
// data), tabs and erased bytes with invalid. An erased byte would end the
// recovery scan early. With separators set, commas, newlines and NULs are
// replaced too; a NUL in a key reads back as a zeroed heading block.
func sanitize(s string, invalid byte, separators bool) string {
	var out []byte
	mark := func(i int) {
		if out == nil {
			out = []byte(s)
		}
		out[i] = invalid
	}

	for i := 0; i < len(s); i++ {
		if i+2 < len(s) && s[i] == '-' && s[i+1] == '-' && s[i+2] == '>' {
			mark(i)
			mark(i + 1)
			mark(i + 2)
		}
		if s[i] == '\t' || s[i] == flash.ErasedByte ||
			(separators && (s[i] == ',' || s[i] == '\n' || s[i] == 0)) {
			mark(i)
		}
	}

	if out == nil {
		return s
	}
	return string(out)
}
