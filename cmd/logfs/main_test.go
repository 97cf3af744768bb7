package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ulikunitz/xz"
)

// run executes the CLI against image and returns its standard output.
func run(t *testing.T, image string, args ...string) (string, error) {
	t.Helper()

	var cli CLI
	var out bytes.Buffer
	parser, err := newParser(&cli, &out)
	if err != nil {
		t.Fatalf("newParser failed: %v", err)
	}

	base := []string{"--image", image, "--size", "16384", "--journal-pages", "1", "--log-level", "error"}
	ctx, err := parser.Parse(append(base, args...))
	if err != nil {
		t.Fatalf("parse %v failed: %v", args, err)
	}
	cli.setup()
	err = ctx.Run()
	return out.String(), err
}

func mustRun(t *testing.T, image string, args ...string) string {
	t.Helper()
	out, err := run(t, image, args...)
	if err != nil {
		t.Fatalf("%v failed: %v", args, err)
	}
	return out
}

func TestAppendAndExport(t *testing.T) {
	image := filepath.Join(t.TempDir(), "flash.img")

	mustRun(t, image, "format")
	mustRun(t, image, "append", "hello", "world")
	mustRun(t, image, "row", "a=1", "b=2")

	out := mustRun(t, image, "export", "--format", "csv")
	if out != "hello world\na,b\n1,2\n" {
		t.Errorf("unexpected export %q", out)
	}

	if st, err := os.Stat(image); err != nil || st.Size() != 16384 {
		t.Errorf("expected a 16384 byte image, got %v, %v", st, err)
	}
}

func TestExportXZ(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "flash.img")
	archive := filepath.Join(dir, "data.csv.xz")

	mustRun(t, image, "row", "temp=21.5")
	mustRun(t, image, "export", "--xz", "-o", archive)

	f, err := os.Open(archive)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	zr, err := xz.NewReader(f)
	if err != nil {
		t.Fatalf("xz.NewReader failed: %v", err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress failed: %v", err)
	}
	if string(data) != "temp\n21.5\n" {
		t.Errorf("unexpected archive contents %q", data)
	}
}

func TestExportSQLite(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "flash.img")
	dbPath := filepath.Join(dir, "log.db")

	mustRun(t, image, "row", "a=1")
	mustRun(t, image, "row", "a=2", "b=3")

	if _, err := run(t, image, "export", "--format", "sqlite"); err == nil {
		t.Errorf("expected sqlite export without --output to fail")
	}
	mustRun(t, image, "export", "--format", "sqlite", "-o", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer db.Close()

	var b sql.NullString
	if err := db.QueryRow(`SELECT "b" FROM "log" WHERE "_row" = 1`).Scan(&b); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if b.String != "" {
		t.Errorf("expected the first row to have an empty b, got %q", b.String)
	}
}

func TestInfoJSON(t *testing.T) {
	image := filepath.Join(t.TempDir(), "flash.img")
	mustRun(t, image, "row", "x=1")

	var in struct {
		Used     uint32   `json:"used"`
		Headings []string `json:"headings"`
		Digest   string   `json:"digest"`
	}
	if err := json.Unmarshal([]byte(mustRun(t, image, "info", "--json")), &in); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if in.Used != 4 || len(in.Headings) != 1 || in.Headings[0] != "x" || len(in.Digest) != 64 {
		t.Errorf("unexpected info %+v", in)
	}

	text := mustRun(t, image, "info")
	if !strings.Contains(text, "blake3") || !strings.Contains(text, "4 of") {
		t.Errorf("unexpected info output %q", text)
	}
}

func TestInvalidate(t *testing.T) {
	image := filepath.Join(t.TempDir(), "flash.img")
	mustRun(t, image, "append", "keep")
	mustRun(t, image, "invalidate")

	if out := mustRun(t, image, "export"); out != "" {
		t.Errorf("expected an empty log after invalidate, got %q", out)
	}
}

func TestRowRejectsBadLiteral(t *testing.T) {
	image := filepath.Join(t.TempDir(), "flash.img")
	if _, err := run(t, image, "row", "novalue"); err == nil {
		t.Errorf("expected a parse error")
	}
	if _, err := run(t, image, "row", "--timestamp", "weeks", "a=1"); err == nil {
		t.Errorf("expected an unknown timestamp format to be rejected")
	}
}
