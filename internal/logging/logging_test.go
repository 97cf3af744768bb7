package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	InitLogger(&buf, LevelDebug, FormatJSON)
	defer InitLogger(&bytes.Buffer{}, LevelInfo, FormatText)

	Component("cache").Debug("evict", "slot", 2)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "cache" {
		t.Errorf("expected component=cache, got %v", entry["component"])
	}
	if entry["msg"] != "evict" {
		t.Errorf("expected msg=evict, got %v", entry["msg"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitLogger(&buf, LevelWarn, FormatText)
	defer InitLogger(&bytes.Buffer{}, LevelInfo, FormatText)

	GetLogger().Info("hidden")
	GetLogger().Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message should be filtered at warn level")
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn message missing from %q", out)
	}
}

func TestOrDefault(t *testing.T) {
	l := Discard()
	if OrDefault(l) != l {
		t.Errorf("expected explicit logger to be returned")
	}
	if OrDefault(nil) != GetLogger() {
		t.Errorf("expected global logger for nil")
	}
}
