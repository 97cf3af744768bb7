// Package web - Input validation for web handlers
//
// EDUCATIONAL NOTES:
// ------------------
// The log sanitises what it stores, but the HTTP layer still rejects
// requests that could never be logged sensibly:
//
// 1. Keys must be non-empty text; every new key grows the heading line,
//    which lives in a small fixed block.
// 2. Values and free text are bounded so a single request cannot fill
//    the log in one call by accident.

package web

import (
	"fmt"
	"unicode/utf8"

	"github.com/cabewaldrop/logfs/internal/fserr"
	"github.com/cabewaldrop/logfs/internal/rowspec"
)

const (
	// MaxKeyLength bounds a column key in bytes.
	MaxKeyLength = 128
	// MaxValueLength bounds a column value in bytes.
	MaxValueLength = 1024
	// MaxTextLength bounds a free-text append in bytes.
	MaxTextLength = 4096
)

// IsValidKey reports whether s can name a column.
//
// Examples:
//
//	IsValidKey("temp")        // true
//	IsValidKey("Time (ms)")   // true
//	IsValidKey("")            // false (empty)
//	IsValidKey("\xff")        // false (not UTF-8)
func IsValidKey(s string) bool {
	return s != "" && len(s) <= MaxKeyLength && utf8.ValidString(s)
}

// validateRow checks every pair of a row request.
func validateRow(pairs []rowspec.Pair) error {
	if len(pairs) == 0 {
		return fmt.Errorf("row has no values: %w", fserr.ErrInvalidParameter)
	}
	for _, p := range pairs {
		if !IsValidKey(p.Key) {
			return fmt.Errorf("invalid key %q: %w", p.Key, fserr.ErrInvalidParameter)
		}
		if len(p.Value) > MaxValueLength {
			return fmt.Errorf("value for %q exceeds %d bytes: %w", p.Key, MaxValueLength, fserr.ErrInvalidParameter)
		}
	}
	return nil
}

// validateText checks a free-text append.
func validateText(s string) error {
	if s == "" {
		return fmt.Errorf("text is empty: %w", fserr.ErrInvalidParameter)
	}
	if len(s) > MaxTextLength {
		return fmt.Errorf("text exceeds %d bytes: %w", MaxTextLength, fserr.ErrInvalidParameter)
	}
	return nil
}
