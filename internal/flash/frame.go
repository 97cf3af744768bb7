package flash

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cabewaldrop/logfs/internal/fserr"
)

// Transport framing for RemoteStore.
//
// Request frame (big-endian):
//
//	+-----------------------------+
//	| cmd (8 bits) | addr (24)    |  word 0
//	+-----------------------------+
//	| length                      |  word 1
//	+-----------------------------+
//	| payload (write only)        |
//	+-----------------------------+
//
// Response frame: one status byte followed by the payload (read data, or
// the 12-byte geometry for CmdGeometry).

// Command codes carried in the top byte of the first request word.
const (
	CmdGeometry byte = 0x06
	CmdRead     byte = 0x0A
	CmdWrite    byte = 0x0B
	CmdErase    byte = 0x0C
)

// Response status codes.
const (
	StatusOK               byte = 0x00
	StatusInvalidParameter byte = 0x01
	StatusNotSupported     byte = 0x02
	StatusIO               byte = 0x03
)

const (
	requestHeaderSize = 8
	maxFrameAddress   = 1<<24 - 1
	geometrySize      = 12
)

// ErrMalformedFrame is returned when a frame cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// Request is a decoded request frame.
type Request struct {
	Cmd     byte
	Address uint32
	Length  uint32
	Payload []byte
}

// EncodeRequest serialises r.
func EncodeRequest(r Request) ([]byte, error) {
	if r.Address > maxFrameAddress {
		return nil, fmt.Errorf("address 0x%08X does not fit a frame: %w", r.Address, fserr.ErrInvalidParameter)
	}
	buf := make([]byte, requestHeaderSize+len(r.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.Cmd)<<24|r.Address)
	binary.BigEndian.PutUint32(buf[4:8], r.Length)
	copy(buf[requestHeaderSize:], r.Payload)
	return buf, nil
}

// DecodeRequest parses a request frame.
func DecodeRequest(buf []byte) (Request, error) {
	if len(buf) < requestHeaderSize {
		return Request{}, fmt.Errorf("request of %d bytes: %w", len(buf), ErrMalformedFrame)
	}
	w0 := binary.BigEndian.Uint32(buf[0:4])
	r := Request{
		Cmd:     byte(w0 >> 24),
		Address: w0 & maxFrameAddress,
		Length:  binary.BigEndian.Uint32(buf[4:8]),
		Payload: buf[requestHeaderSize:],
	}
	if r.Cmd == CmdWrite && uint32(len(r.Payload)) != r.Length {
		return Request{}, fmt.Errorf("write payload %d bytes, header says %d: %w", len(r.Payload), r.Length, ErrMalformedFrame)
	}
	return r, nil
}

// EncodeResponse serialises a status byte and payload.
func EncodeResponse(status byte, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = status
	copy(buf[1:], payload)
	return buf
}

// DecodeResponse splits a response frame, converting a failure status
// into the matching taxonomy error.
func DecodeResponse(buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty response: %w", ErrMalformedFrame)
	}
	if err := errorForStatus(buf[0]); err != nil {
		return nil, err
	}
	return buf[1:], nil
}

// StatusFor maps an error to a response status.
func StatusFor(err error) byte {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, fserr.ErrInvalidParameter), errors.Is(err, ErrMalformedFrame):
		return StatusInvalidParameter
	case errors.Is(err, fserr.ErrNotSupported):
		return StatusNotSupported
	default:
		return StatusIO
	}
}

func errorForStatus(status byte) error {
	switch status {
	case StatusOK:
		return nil
	case StatusInvalidParameter:
		return fmt.Errorf("remote store rejected request: %w", fserr.ErrInvalidParameter)
	case StatusNotSupported:
		return fmt.Errorf("remote store rejected request: %w", fserr.ErrNotSupported)
	default:
		return fmt.Errorf("remote store failed (status 0x%02X): %w", status, fserr.ErrIO)
	}
}

// Dispatch executes a decoded request against s and returns the response
// frame. It is the server half of the transport.
func Dispatch(s Store, r Request) []byte {
	switch r.Cmd {
	case CmdGeometry:
		g := make([]byte, geometrySize)
		binary.BigEndian.PutUint32(g[0:4], s.FlashStart())
		binary.BigEndian.PutUint32(g[4:8], s.FlashEnd())
		binary.BigEndian.PutUint32(g[8:12], s.PageSize())
		return EncodeResponse(StatusOK, g)

	case CmdRead:
		if r.Length > s.FlashSize() {
			return EncodeResponse(StatusInvalidParameter, nil)
		}
		dst := make([]byte, r.Length)
		if err := s.Read(dst, r.Address); err != nil {
			return EncodeResponse(StatusFor(err), nil)
		}
		return EncodeResponse(StatusOK, dst)

	case CmdWrite:
		return EncodeResponse(StatusFor(s.Write(r.Address, r.Payload)), nil)

	case CmdErase:
		return EncodeResponse(StatusFor(s.Erase(r.Address)), nil)

	default:
		return EncodeResponse(StatusInvalidParameter, nil)
	}
}

func decodeGeometry(payload []byte) (Geometry, error) {
	if len(payload) != geometrySize {
		return Geometry{}, fmt.Errorf("geometry payload of %d bytes: %w", len(payload), ErrMalformedFrame)
	}
	g := Geometry{
		Start: binary.BigEndian.Uint32(payload[0:4]),
		End:   binary.BigEndian.Uint32(payload[4:8]),
		Page:  binary.BigEndian.Uint32(payload[8:12]),
	}
	return g, g.Validate()
}
