package web

import (
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/cabewaldrop/logfs/internal/flash"
	"github.com/cabewaldrop/logfs/internal/logging"
)

// maxFrameSize bounds a request body: header plus the largest write.
const maxFrameSize = 1 << 20

// FlashHandler serves the framed flash protocol for store, so that a
// flash.RemoteStore can use it over HTTP. Transactions are serialised.
// The X-Request-ID header is echoed back.
func FlashHandler(store flash.Store, logger *slog.Logger) http.Handler {
	logger = logging.OrDefault(logger)
	var mu sync.Mutex

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize+1))
		if err != nil {
			http.Error(w, "failed to read frame", http.StatusBadRequest)
			return
		}
		if len(body) > maxFrameSize {
			http.Error(w, "frame too large", http.StatusRequestEntityTooLarge)
			return
		}

		req, err := flash.DecodeRequest(body)
		if err != nil {
			logger.Debug("rejecting flash frame", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		mu.Lock()
		resp := flash.Dispatch(store, req)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/octet-stream")
		if id := r.Header.Get(flash.RequestIDHeader); id != "" {
			w.Header().Set(flash.RequestIDHeader, id)
		}
		w.Write(resp)
	})
}
