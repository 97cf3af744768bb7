// Package export turns the raw data region of a log into structured rows.
//
// EDUCATIONAL NOTES:
// ------------------
// The data region is a stream of text lines. Every time the schema grows
// the log writes a fresh heading line, so a region looks like:
//
//	a
//	1
//	a,b
//	1,2
//
// Rows always follow the most recent heading line. Decode tracks the
// current heading and maps each row onto the final column order, so rows
// written before a column existed simply leave it empty.
//
// Fields never contain commas or newlines (the log sanitises them away)
// and are never quoted, so lines are split directly.
package export

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/cabewaldrop/logfs/internal/fserr"
)

// Table is a decoded data region.
type Table struct {
	// Columns is the final schema, in heading order.
	Columns []string
	// Rows holds one value per column for every data line.
	Rows [][]string
	// Headings records every heading line seen, oldest first.
	Headings [][]string
	// Free holds lines before the first heading that cannot be read as one.
	Free []string
}

// Decode reads a CSV data region. Bytes from the first 0xFF on are
// ignored, so an HTML export's data section can be passed as is.
//
// A line is taken as a new heading when its fields are distinct,
// non-empty and include every key of the current heading. Directly after
// a heading, a line sharing at least one key with it also counts, which
// covers a replaced timestamp column. A row whose values happen to repeat
// the current keys is therefore read as a heading.
func Decode(r io.Reader) (*Table, error) {
	t := &Table{}
	var current []string
	fresh := false

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if i := bytes.IndexByte(line, 0xFF); i >= 0 {
			line = line[:i]
			if len(line) == 0 {
				break
			}
		}
		// Zeroed heading blocks and padding.
		line = bytes.TrimLeft(line, "\x00")
		text := strings.TrimSuffix(string(line), "\r")
		if text == "" {
			continue
		}

		fields := strings.Split(text, ",")
		if isHeading(fields, current, fresh) {
			current = fields
			fresh = true
			t.Headings = append(t.Headings, fields)
			t.addColumns(fields)
			continue
		}
		if current == nil {
			t.Free = append(t.Free, text)
			continue
		}
		if len(fields) > len(current) {
			return nil, fmt.Errorf("row %q has %d fields, heading has %d: %w",
				text, len(fields), len(current), fserr.ErrInvalidParameter)
		}
		t.Rows = append(t.Rows, t.place(current, fields))
		fresh = false
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan data region: %w", err)
	}

	t.reorder(current)
	return t, nil
}

func isHeading(fields, current []string, fresh bool) bool {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f == "" || seen[f] {
			return false
		}
		seen[f] = true
	}
	shared := 0
	for _, k := range current {
		if seen[k] {
			shared++
		}
	}
	if shared == len(current) {
		return true
	}
	return fresh && shared > 0 && len(fields) >= len(current)
}

func (t *Table) addColumns(keys []string) {
	for _, k := range keys {
		if t.index(k) < 0 {
			t.Columns = append(t.Columns, k)
			for i := range t.Rows {
				t.Rows[i] = append(t.Rows[i], "")
			}
		}
	}
}

func (t *Table) index(key string) int {
	for i, c := range t.Columns {
		if c == key {
			return i
		}
	}
	return -1
}

func (t *Table) place(heading, fields []string) []string {
	row := make([]string, len(t.Columns))
	for i, v := range fields {
		row[t.index(heading[i])] = v
	}
	return row
}

// reorder puts the columns in the order of the last heading. Keys that
// were dropped from it (a replaced timestamp column) go last.
func (t *Table) reorder(last []string) {
	if len(last) == 0 {
		return
	}
	order := make([]int, 0, len(t.Columns))
	used := make(map[int]bool, len(t.Columns))
	for _, k := range last {
		i := t.index(k)
		order = append(order, i)
		used[i] = true
	}
	for i := range t.Columns {
		if !used[i] {
			order = append(order, i)
		}
	}

	cols := make([]string, len(order))
	for j, i := range order {
		cols[j] = t.Columns[i]
	}
	for r, row := range t.Rows {
		out := make([]string, len(order))
		for j, i := range order {
			out[j] = row[i]
		}
		t.Rows[r] = out
	}
	t.Columns = cols
}

// Value returns the value of column key in row r, or "" if the column does
// not exist.
func (t *Table) Value(r int, key string) string {
	i := t.index(key)
	if i < 0 || r < 0 || r >= len(t.Rows) {
		return ""
	}
	return t.Rows[r][i]
}
