package flash

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cabewaldrop/logfs/internal/fserr"
	"github.com/cabewaldrop/logfs/internal/logging"
)

const (
	// DefaultMaxRetries is the number of attempts made per transaction.
	DefaultMaxRetries = 2

	// DefaultRetryDelay is the pause between attempts.
	DefaultRetryDelay = 5 * time.Millisecond

	// RequestIDHeader carries the transaction id; servers echo it back.
	RequestIDHeader = "X-Request-ID"

	frameContentType = "application/octet-stream"
)

// errStaleResponse marks a response whose request id does not match.
var errStaleResponse = errors.New("response does not match request id")

// RemoteStore is a Store reached over HTTP using the framed protocol in
// frame.go. Transport failures are retried; a store-level rejection
// (invalid parameter, not supported) is returned immediately.
type RemoteStore struct {
	Geometry

	endpoint   string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// RemoteOption configures a RemoteStore.
type RemoteOption func(*RemoteStore)

// WithHTTPClient sets the HTTP client used for transactions.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteStore) { r.client = c }
}

// WithRetries sets the attempt count and the delay between attempts.
func WithRetries(attempts int, delay time.Duration) RemoteOption {
	return func(r *RemoteStore) {
		if attempts > 0 {
			r.maxRetries = attempts
		}
		r.retryDelay = delay
	}
}

// WithRemoteLogger sets the logger used for retry diagnostics.
func WithRemoteLogger(l *slog.Logger) RemoteOption {
	return func(r *RemoteStore) { r.logger = l }
}

// DialRemote connects to the flash endpoint and loads its geometry.
func DialRemote(endpoint string, opts ...RemoteOption) (*RemoteStore, error) {
	r := &RemoteStore{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: 5 * time.Second},
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger).With("component", "remote-store", "endpoint", endpoint)

	payload, err := r.transact("geometry", Request{Cmd: CmdGeometry})
	if err != nil {
		return nil, fmt.Errorf("failed to load remote geometry: %w", err)
	}
	g, err := decodeGeometry(payload)
	if err != nil {
		return nil, err
	}
	r.Geometry = g
	return r, nil
}

// Read fills dst with the contents starting at address.
func (r *RemoteStore) Read(dst []byte, address uint32) error {
	if err := r.checkWordAccess("read", address, len(dst)); err != nil {
		return err
	}
	payload, err := r.transact("read", Request{Cmd: CmdRead, Address: address, Length: uint32(len(dst))})
	if err != nil {
		return err
	}
	if len(payload) != len(dst) {
		return fmt.Errorf("remote read at 0x%08X returned %d bytes, expected %d: %w", address, len(payload), len(dst), fserr.ErrIO)
	}
	copy(dst, payload)
	return nil
}

// Write programs src at address.
func (r *RemoteStore) Write(address uint32, src []byte) error {
	if err := r.checkWordAccess("write", address, len(src)); err != nil {
		return err
	}
	_, err := r.transact("write", Request{Cmd: CmdWrite, Address: address, Length: uint32(len(src)), Payload: src})
	return err
}

// Erase resets the page containing pageAddress to all ones.
func (r *RemoteStore) Erase(pageAddress uint32) error {
	if err := r.checkErase(pageAddress); err != nil {
		return err
	}
	_, err := r.transact("erase", Request{Cmd: CmdErase, Address: r.PageOf(pageAddress)})
	return err
}

// transact sends one request, retrying transport failures.
func (r *RemoteStore) transact(op string, req Request) ([]byte, error) {
	frame, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(r.retryDelay)
		}

		body, err := r.roundTrip(frame)
		if err != nil {
			lastErr = err
			r.logger.Warn("flash transaction failed", "op", op, "attempt", attempt, "error", err)
			continue
		}
		return DecodeResponse(body)
	}

	return nil, &fserr.TransportError{Op: op, Attempts: r.maxRetries, Err: lastErr}
}

// roundTrip performs a single HTTP exchange tagged with a fresh request id.
func (r *RemoteStore) roundTrip(frame []byte) ([]byte, error) {
	id := uuid.New().String()

	httpReq, err := http.NewRequest(http.MethodPost, r.endpoint, bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", frameContentType)
	httpReq.Header.Set(RequestIDHeader, id)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}
	if resp.Header.Get(RequestIDHeader) != id {
		return nil, errStaleResponse
	}
	return io.ReadAll(resp.Body)
}
