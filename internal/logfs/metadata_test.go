package logfs

import (
	"bytes"
	"testing"
)

func TestMetadataLayout(t *testing.T) {
	m := metadata{logEnd: 0x342C, dataStart: 0x830, buildVersion: 254}
	buf := m.encode()

	if len(buf) != MetadataRecordSize {
		t.Fatalf("expected %d bytes, got %d", MetadataRecordSize, len(buf))
	}
	// The HTML viewer reads these fields at fixed offsets.
	if got := string(buf[18:28]); got != "0x0000342C" {
		t.Errorf("logEnd field = %q", got)
	}
	if got := string(buf[29:39]); got != "0x00000830" {
		t.Errorf("dataStart field = %q", got)
	}
	if got := string(buf[40:44]); got != "0254" {
		t.Errorf("build version field = %q", got)
	}

	parsed, ok := parseMetadata(buf)
	if !ok {
		t.Fatalf("expected record to parse")
	}
	if parsed != m {
		t.Errorf("expected %+v, got %+v", m, parsed)
	}
}

func TestMetadataAcceptsOlderRevision(t *testing.T) {
	buf := metadata{logEnd: 0x1000, dataStart: 0x800}.encode()
	copy(buf, "UBIT_LOG_FS_V_001\n")

	if _, ok := parseMetadata(buf); !ok {
		t.Errorf("expected an older format revision to be recognised")
	}
}

func TestMetadataRejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"erased":  bytes.Repeat([]byte{0xFF}, MetadataRecordSize),
		"zeroed":  make([]byte, MetadataRecordSize),
		"short":   []byte(Version),
		"bad hex": append([]byte(Version+"0xZZZZZZZZ\x00"), make([]byte, 19)...),
	}
	for name, buf := range cases {
		if _, ok := parseMetadata(buf); ok {
			t.Errorf("%s: expected record to be rejected", name)
		}
	}
}

func TestJournalEntryStates(t *testing.T) {
	if string(encodeJournalEntry(0x1F0)) != "000001F0" {
		t.Errorf("unexpected encoding %q", encodeJournalEntry(0x1F0))
	}

	if v, s := decodeJournalEntry([]byte("000001F0")); s != journalValid || v != 0x1F0 {
		t.Errorf("expected valid 0x1F0, got %d/%d", v, s)
	}
	if _, s := decodeJournalEntry(bytes.Repeat([]byte{0xFF}, JournalEntrySize)); s != journalFree {
		t.Errorf("expected free entry")
	}
	if _, s := decodeJournalEntry(make([]byte, JournalEntrySize)); s != journalInvalid {
		t.Errorf("expected invalidated entry")
	}
	if _, s := decodeJournalEntry([]byte("0000\x00\x00\x00\x00")); s != journalInvalid {
		t.Errorf("expected torn entry to be treated as invalid")
	}
}
