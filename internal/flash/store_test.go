package flash

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cabewaldrop/logfs/internal/fserr"
	"github.com/cabewaldrop/logfs/internal/logging"
)

func newTestMemStore(t *testing.T) *MemStore {
	t.Helper()
	m, err := NewMemStore(0, 4096, 1024)
	if err != nil {
		t.Fatalf("NewMemStore failed: %v", err)
	}
	return m
}

func TestGeometryValidate(t *testing.T) {
	if _, err := NewGeometry(0, 4096, 1024); err != nil {
		t.Errorf("expected valid geometry, got %v", err)
	}
	if _, err := NewGeometry(0, 0, 1024); !errors.Is(err, fserr.ErrInvalidParameter) {
		t.Errorf("expected empty region to be rejected, got %v", err)
	}
	if _, err := NewGeometry(0, 4096, 1000); !errors.Is(err, fserr.ErrInvalidParameter) {
		t.Errorf("expected unaligned page size to be rejected, got %v", err)
	}
	if _, err := NewGeometry(512, 4096, 1024); !errors.Is(err, fserr.ErrInvalidParameter) {
		t.Errorf("expected unaligned start to be rejected, got %v", err)
	}
}

func TestMemStoreStartsErased(t *testing.T) {
	m := newTestMemStore(t)
	buf := make([]byte, 16)
	if err := m.Read(buf, 1024); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	for i, b := range buf {
		if b != ErasedByte {
			t.Fatalf("byte %d = 0x%02X, expected erased", i, b)
		}
	}
}

func TestMemStoreWriteOnlyClearsBits(t *testing.T) {
	m := newTestMemStore(t)

	if err := m.Write(8, []byte{0xF0, 0x0F, 0xAA, 0x55}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// Programming again can only clear more bits.
	if err := m.Write(8, []byte{0xFF, 0xFF, 0x0F, 0xF0}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buf := make([]byte, 4)
	m.Read(buf, 8)
	want := []byte{0xF0, 0x0F, 0x0A, 0x50}
	if !bytes.Equal(buf, want) {
		t.Errorf("expected %X, got %X", want, buf)
	}
}

func TestMemStoreEraseResetsPage(t *testing.T) {
	m := newTestMemStore(t)
	m.Write(1024, []byte{0, 0, 0, 0})
	m.Write(2048, []byte{0, 0, 0, 0})

	// Erase accepts any address inside the page.
	if err := m.Erase(1030); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}

	buf := make([]byte, 4)
	m.Read(buf, 1024)
	if !bytes.Equal(buf, []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Errorf("expected erased page, got %X", buf)
	}
	m.Read(buf, 2048)
	if !bytes.Equal(buf, []byte{0, 0, 0, 0}) {
		t.Errorf("neighbouring page must be untouched, got %X", buf)
	}
	if s := m.Stats(); s.Erases != 1 || s.Writes != 2 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestMemStoreRejectsBadAccess(t *testing.T) {
	m := newTestMemStore(t)

	if err := m.Read(make([]byte, 8), 4092); !errors.Is(err, fserr.ErrInvalidParameter) {
		t.Errorf("expected out of range read to fail, got %v", err)
	}
	if err := m.Write(2, []byte{0, 0, 0, 0}); !errors.Is(err, fserr.ErrInvalidParameter) {
		t.Errorf("expected unaligned write to fail, got %v", err)
	}
	if err := m.Erase(4096); !errors.Is(err, fserr.ErrInvalidParameter) {
		t.Errorf("expected out of range erase to fail, got %v", err)
	}
}

func TestMemStorePowerLoss(t *testing.T) {
	m := newTestMemStore(t)
	m.PowerLossAfter(1)

	if err := m.Write(0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("first write should succeed: %v", err)
	}
	err := m.Write(4, []byte{1, 2, 3, 4})
	if !errors.Is(err, ErrPowerLoss) || !errors.Is(err, fserr.ErrIO) {
		t.Fatalf("expected power loss, got %v", err)
	}

	snap := m.Snapshot()
	if snap[4] != ErasedByte {
		t.Errorf("failed write must not reach the medium")
	}

	m.Restore()
	if err := m.Write(4, []byte{1, 2, 3, 4}); err != nil {
		t.Errorf("write after restore failed: %v", err)
	}
}

func TestFileStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")

	fs, err := OpenFileStore(path, 0, 8192, 4096)
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}
	if err := fs.Write(4100, []byte("abcd")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	fs2, err := OpenFileStore(path, 0, 8192, 4096)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer fs2.Close()

	buf := make([]byte, 8)
	if err := fs2.Read(buf, 4096); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	want := []byte{0xFF, 0xFF, 0xFF, 0xFF, 'a', 'b', 'c', 'd'}
	if !bytes.Equal(buf, want) {
		t.Errorf("expected %X, got %X", want, buf)
	}

	if err := fs2.Erase(4096); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}
	fs2.Read(buf, 4096)
	if !bytes.Equal(buf, erasedPage(8)) {
		t.Errorf("expected erased bytes, got %X", buf)
	}
}

func TestFileStoreSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	fs, err := OpenFileStore(path, 0, 4096, 1024)
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}
	fs.Close()

	if _, err := OpenFileStore(path, 0, 8192, 1024); err == nil {
		t.Errorf("expected size mismatch to be rejected")
	}
	if err := DeleteImage(path); err != nil {
		t.Errorf("DeleteImage failed: %v", err)
	}
	if err := DeleteImage(path); err != nil {
		t.Errorf("DeleteImage of missing file should succeed: %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	frame, err := EncodeRequest(Request{Cmd: CmdWrite, Address: 0x1234, Length: 4, Payload: []byte("wxyz")})
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	if frame[0] != CmdWrite {
		t.Errorf("expected command in top byte, got 0x%02X", frame[0])
	}

	req, err := DecodeRequest(frame)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if req.Address != 0x1234 || req.Length != 4 || string(req.Payload) != "wxyz" {
		t.Errorf("unexpected request %+v", req)
	}

	if _, err := EncodeRequest(Request{Cmd: CmdRead, Address: 1 << 24}); !errors.Is(err, fserr.ErrInvalidParameter) {
		t.Errorf("expected oversize address to be rejected, got %v", err)
	}
	if _, err := DecodeRequest([]byte{1, 2}); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected short frame to be rejected, got %v", err)
	}
}

// flashServer serves Dispatch over HTTP. Storing n into the returned
// failNext counter makes the next n requests fail with a 503.
func flashServer(t *testing.T, s Store) (ts *httptest.Server, calls *int32, failNext *int32) {
	t.Helper()
	calls, failNext = new(int32), new(int32)
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if atomic.AddInt32(failNext, -1) >= 0 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		atomic.StoreInt32(failNext, 0)

		body, _ := io.ReadAll(r.Body)
		w.Header().Set(RequestIDHeader, r.Header.Get(RequestIDHeader))
		req, err := DecodeRequest(body)
		if err != nil {
			w.Write(EncodeResponse(StatusFor(err), nil))
			return
		}
		w.Write(Dispatch(s, req))
	}))
	t.Cleanup(ts.Close)
	return ts, calls, failNext
}

func TestRemoteStoreRoundTrip(t *testing.T) {
	backing := newTestMemStore(t)
	ts, _, _ := flashServer(t, backing)

	r, err := DialRemote(ts.URL, WithRemoteLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("DialRemote failed: %v", err)
	}
	if r.FlashSize() != 4096 || r.PageSize() != 1024 {
		t.Errorf("unexpected remote geometry %+v", r.Geometry)
	}

	if err := r.Write(16, []byte("data")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, 4)
	if err := r.Read(buf, 16); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf) != "data" {
		t.Errorf("expected data, got %q", buf)
	}
	if err := r.Erase(16); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}
	r.Read(buf, 16)
	if !bytes.Equal(buf, erasedPage(4)) {
		t.Errorf("expected erased, got %X", buf)
	}
}

func TestRemoteStoreRetries(t *testing.T) {
	backing := newTestMemStore(t)
	ts, _, failNext := flashServer(t, backing)

	r, err := DialRemote(ts.URL, WithRetries(2, time.Millisecond), WithRemoteLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("DialRemote failed: %v", err)
	}

	// One transient failure is absorbed by the retry.
	atomic.StoreInt32(failNext, 1)
	if err := r.Write(0, []byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}

	// Two consecutive failures exhaust the attempts.
	atomic.StoreInt32(failNext, 2)
	err = r.Write(4, []byte{0, 0, 0, 0})
	var te *fserr.TransportError
	if !errors.As(err, &te) || te.Attempts != 2 {
		t.Fatalf("expected TransportError after 2 attempts, got %v", err)
	}
	if !errors.Is(err, fserr.ErrIO) {
		t.Errorf("expected ErrIO, got %v", err)
	}
}

func TestRemoteStoreRejectionIsNotRetried(t *testing.T) {
	backing := newTestMemStore(t)
	ts, calls, _ := flashServer(t, backing)

	r, err := DialRemote(ts.URL, WithRemoteLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("DialRemote failed: %v", err)
	}
	before := atomic.LoadInt32(calls)

	// Valid locally, but the read length exceeds the device: the server
	// rejects it and the client must not retry.
	_, err = r.transact("read", Request{Cmd: CmdRead, Address: 0, Length: 8192})
	if !errors.Is(err, fserr.ErrInvalidParameter) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
	if got := atomic.LoadInt32(calls) - before; got != 1 {
		t.Errorf("expected exactly one request, got %d", got)
	}
}
