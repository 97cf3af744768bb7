// Package web provides the HTTP server for the log filesystem.
//
// EDUCATIONAL NOTES:
// ------------------
// This package sets up an HTTP server using the chi router. Key concepts:
//
// 1. Middleware: Functions that wrap handlers to add cross-cutting concerns
//    like logging, recovery from panics, and request timeouts.
//
// 2. Graceful shutdown: When the server receives a termination signal,
//    it stops accepting new connections but finishes processing in-flight
//    requests before shutting down.
//
// 3. Dependency injection: The LogFS is placed in the request context so
//    handlers can read and append to the log.
//
// Routes:
//
//	GET  /MY_DATA.HTM     self-contained HTML viewer with the data
//	GET  /data.csv        raw data region
//	GET  /header.htm      viewer header without data
//	GET  /ws              websocket mirror of appended lines and events
//	POST /flash           framed flash protocol (when a store is mounted)
//	     /api/...         JSON API for the row protocol and maintenance

package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cabewaldrop/logfs/internal/flash"
	"github.com/cabewaldrop/logfs/internal/logfs"
	"github.com/cabewaldrop/logfs/internal/logging"
)

// Server represents the HTTP server for the log filesystem.
type Server struct {
	router *chi.Mux
	addr   string
	log    *logfs.LogFS
	hub    *Hub
	logger *slog.Logger
}

// NewServer creates a new HTTP server listening on addr. If l is nil, only
// the health check and any mounted flash endpoint are useful. If hub is
// nil, /ws is not served.
func NewServer(addr string, l *logfs.LogFS, hub *Hub, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	// Middleware stack
	// RequestID: Adds a unique ID to each request for tracing
	r.Use(middleware.RequestID)
	// RealIP: Extracts the real client IP from X-Forwarded-For headers
	r.Use(middleware.RealIP)
	// Logger: Logs each request (method, path, duration)
	r.Use(middleware.Logger)
	// Recoverer: Catches panics in handlers, logs stack trace, returns 500
	r.Use(middleware.Recoverer)

	s := &Server{
		router: r,
		addr:   addr,
		log:    l,
		hub:    hub,
		logger: logging.OrDefault(logger).With("component", "web"),
	}

	s.routes()
	return s
}

// routes sets up all HTTP routes for the server.
func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)

	if s.hub != nil {
		s.router.Handle("/ws", s.hub)
	}

	s.router.Group(func(r chi.Router) {
		// Timeout: Cancels request context after 30 seconds
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(WithLog(s.log))

		r.Get("/", s.handleIndex)

		r.Group(func(r chi.Router) {
			r.Use(RequireLog)

			for _, d := range downloads {
				r.Get(d.path, s.handleDownload(d))
			}

			r.Route("/api", func(r chi.Router) {
				r.Get("/status", s.handleAPIStatus)
				r.Get("/headings", s.handleAPIHeadings)
				r.Get("/table", s.handleAPITable)
				r.Post("/rows", s.handleAPIRow)
				r.Post("/log", s.handleAPILog)
				r.Post("/clear", s.handleAPIClear)
				r.Post("/invalidate", s.handleAPIInvalidate)
				r.Put("/timestamp", s.handleAPITimeStamp)
				r.Put("/mirroring", s.handleAPIMirroring)
			})
		})
	})
}

// MountFlash serves store over the framed flash protocol at /flash.
func (s *Server) MountFlash(store flash.Store) {
	s.router.Handle("/flash", FlashHandler(store, s.logger))
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run starts the HTTP server and blocks until ctx is done or a SIGTERM or
// SIGINT arrives, then shuts down gracefully. The hub, if any, runs for
// the lifetime of the server.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	if s.hub != nil {
		go s.hub.Run(hubCtx)
	}

	// Channel to receive server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, gracefully shutting down")
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown with 5 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}
