// Package web - Log filesystem middleware
//
// EDUCATIONAL NOTES:
// ------------------
// Handlers reach the log filesystem through the request context:
//
// 1. WithLog injects the *logfs.LogFS early in the chain
// 2. Handlers retrieve it with GetLog
// 3. RequireLog fails fast on routes that cannot work without it
//
// A server started without a log (flash-serve only) still answers health
// checks.

package web

import (
	"context"
	"net/http"

	"github.com/cabewaldrop/logfs/internal/logfs"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// logKey is the context key for storing the log filesystem.
const logKey contextKey = "logfs"

// WithLog returns middleware that injects l into the request context.
//
// Usage:
//
//	router.Use(WithLog(l))
//	router.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
//	    st, err := GetLog(r).Status()
//	})
func WithLog(l *logfs.LogFS) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), logKey, l)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetLog retrieves the log filesystem from the request context.
// Returns nil if WithLog was not applied or was given nil.
func GetLog(r *http.Request) *logfs.LogFS {
	l, ok := r.Context().Value(logKey).(*logfs.LogFS)
	if !ok {
		return nil
	}
	return l
}

// RequireLog returns 503 Service Unavailable when no log is in the
// request context.
func RequireLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetLog(r) == nil {
			writeError(w, http.StatusServiceUnavailable, "log filesystem not available")
			return
		}
		next.ServeHTTP(w, r)
	})
}
