package logfs

import (
	"bytes"
	"fmt"
	"strconv"
)

// On-flash records.
//
// Metadata record (immediately after the header blob):
//
//	+---------------------------------------------+
//	| version      [18]  "UBIT_LOG_FS_V_002\n"    |  offset 0
//	| logEnd       [11]  "0x%08X\0"               |  offset 18
//	| dataStart    [11]  "0x%08X\0"               |  offset 29
//	| buildVersion [5]   "%04d\0"                 |  offset 40
//	| padding      [3]   0x00                     |  offset 45
//	+---------------------------------------------+
//
// Journal entry: 8 upper case hex digits holding the committed data length.
// All zero bytes marks an invalidated entry, all 0xFF a free one.
//
// Integers are stored as ASCII hex so that clearing every bit of a field
// (invalidation) needs no erase, and a torn write still parses or fails
// cleanly.

const (
	// Version identifies the on-flash format.
	Version = "UBIT_LOG_FS_V_002\n"

	// versionPreamble is the part of Version checked on detection, so logs
	// written by older format revisions are still recognised.
	versionPreamble = "UBIT_LOG_FS_V_"

	// MetadataRecordSize is the size of the metadata record.
	MetadataRecordSize = 48

	// JournalEntrySize is the stride of journal entries.
	JournalEntrySize = 8

	versionLen   = 18
	hexFieldLen  = 11
	buildLen     = 5
	logEndOff    = versionLen
	dataStartOff = logEndOff + hexFieldLen
	buildOff     = dataStartOff + hexFieldLen
)

type metadata struct {
	logEnd       uint32
	dataStart    uint32
	buildVersion int
}

func (m metadata) encode() []byte {
	buf := make([]byte, MetadataRecordSize)
	copy(buf, Version)
	copy(buf[logEndOff:], fmt.Sprintf("0x%08X", m.logEnd))
	copy(buf[dataStartOff:], fmt.Sprintf("0x%08X", m.dataStart))
	copy(buf[buildOff:], fmt.Sprintf("%04d", m.buildVersion))
	return buf
}

// parseMetadata decodes a metadata record. ok is false when the record
// does not carry a recognised version or a field is unreadable.
func parseMetadata(buf []byte) (m metadata, ok bool) {
	if len(buf) < MetadataRecordSize || !bytes.HasPrefix(buf, []byte(versionPreamble)) {
		return metadata{}, false
	}

	var err error
	if m.logEnd, err = parseHexField(buf[logEndOff : logEndOff+hexFieldLen]); err != nil {
		return metadata{}, false
	}
	if m.dataStart, err = parseHexField(buf[dataStartOff : dataStartOff+hexFieldLen]); err != nil {
		return metadata{}, false
	}
	if v, err := strconv.Atoi(string(cstring(buf[buildOff : buildOff+buildLen]))); err == nil {
		m.buildVersion = v
	}

	return m, true
}

func parseHexField(field []byte) (uint32, error) {
	s := string(cstring(field))
	if len(s) != 10 || s[:2] != "0x" {
		return 0, fmt.Errorf("malformed hex field %q", s)
	}
	v, err := strconv.ParseUint(s[2:], 16, 32)
	return uint32(v), err
}

// cstring returns b up to its first NUL.
func cstring(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}

type journalState int

const (
	journalFree journalState = iota
	journalInvalid
	journalValid
)

func encodeJournalEntry(length uint32) []byte {
	return []byte(fmt.Sprintf("%08X", length))
}

// decodeJournalEntry classifies an entry. An entry that is neither free
// nor invalidated but fails to parse is treated as invalidated.
func decodeJournalEntry(buf []byte) (uint32, journalState) {
	switch {
	case allBytes(buf, 0xFF):
		return 0, journalFree
	case allBytes(buf, 0x00):
		return 0, journalInvalid
	}
	v, err := strconv.ParseUint(string(buf), 16, 32)
	if err != nil {
		return 0, journalInvalid
	}
	return uint32(v), journalValid
}

func allBytes(buf []byte, v byte) bool {
	for _, b := range buf {
		if b != v {
			return false
		}
	}
	return true
}
