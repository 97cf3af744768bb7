// Package fserr defines the error taxonomy shared by the flash, cache and
// log filesystem layers.
//
// Every error returned by those layers matches exactly one of the sentinels
// below via errors.Is. Typed errors carry the context needed for logging and
// unwrap to their sentinel.
package fserr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy.
var (
	// ErrInvalidParameter indicates an address or length outside the valid
	// range, or an export request the filesystem cannot currently satisfy.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrNotSupported indicates a write that would need a physical erase first.
	ErrNotSupported = errors.New("not supported")
	// ErrNoResources indicates the data region is exhausted.
	ErrNoResources = errors.New("no resources")
	// ErrInvalidState indicates API misuse, such as ending a row never begun.
	ErrInvalidState = errors.New("invalid state")
	// ErrIO indicates the backing store or its transport failed.
	ErrIO = errors.New("i/o error")
)

// RangeError reports an access outside the bounds of a store or region.
type RangeError struct {
	Op      string // "read", "write", "erase"
	Address uint32
	Length  int
	Start   uint32 // first valid address
	End     uint32 // first invalid address
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s [0x%08X, +%d) outside [0x%08X, 0x%08X)", e.Op, e.Address, e.Length, e.Start, e.End)
}

func (e *RangeError) Unwrap() error {
	return ErrInvalidParameter
}

// IllegalWriteError reports a write that would set a bit that is currently
// clear in the stored copy.
type IllegalWriteError struct {
	Address uint32 // address of the whole write
	Length  int
	Offset  uint32 // address of the first offending byte
	Old     byte
	New     byte
}

func (e *IllegalWriteError) Error() string {
	return fmt.Sprintf("illegal write at 0x%08X (+%d): byte 0x%08X would change 0x%02X to 0x%02X without erase",
		e.Address, e.Length, e.Offset, e.Old, e.New)
}

func (e *IllegalWriteError) Unwrap() error {
	return ErrNotSupported
}

// TransportError reports a failed request/response exchange with a remote
// store after all retries were used.
type TransportError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed after %d attempt(s)", e.Op, e.Attempts)
}

// Is lets a TransportError match ErrIO while still unwrapping to its cause.
func (e *TransportError) Is(target error) bool {
	return target == ErrIO
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsIllegalWrite reports whether err was caused by an attempt to set bits
// without an erase.
func IsIllegalWrite(err error) bool {
	var iw *IllegalWriteError
	return errors.As(err, &iw)
}
