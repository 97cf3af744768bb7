// Package web provides the HTTP server for the log filesystem.
//
// This file contains the JSON API endpoints for programmatic access.

package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cabewaldrop/logfs/internal/export"
	"github.com/cabewaldrop/logfs/internal/fserr"
	"github.com/cabewaldrop/logfs/internal/logfs"
	"github.com/cabewaldrop/logfs/internal/rowspec"
)

// ============================================================================
// API Response Types
// ============================================================================

// APIResponse wraps all API responses with success/error info.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Hint    string      `json:"hint,omitempty"`
}

// StatusResponse describes the log layout and usage.
type StatusResponse struct {
	logfs.Status
	Used     uint32   `json:"used"`
	Capacity uint32   `json:"capacity"`
	Headings []string `json:"headings"`
}

// HeadingsResponse lists the current column keys.
type HeadingsResponse struct {
	Headings []string `json:"headings"`
}

// TableResponse is the decoded data region.
type TableResponse struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
	Digest  string     `json:"digest"`
}

// RowRequest is the body for logging a row. Either Row (a literal such as
// `a=1 b=2`) or Values may be given; Values are logged after Row.
type RowRequest struct {
	Row    string         `json:"row,omitempty"`
	Values []rowspec.Pair `json:"values,omitempty"`
}

// TextRequest is the body for a free-text append.
type TextRequest struct {
	Text string `json:"text"`
}

// ClearRequest is the body for clearing the log.
type ClearRequest struct {
	Full bool `json:"full"`
}

// TimeStampRequest selects the timestamp column format.
type TimeStampRequest struct {
	Format string `json:"format"`
}

// MirroringRequest turns line mirroring on or off.
type MirroringRequest struct {
	Enabled bool `json:"enabled"`
}

// ============================================================================
// Helper Functions
// ============================================================================

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful API response.
func writeSuccess(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error API response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, APIResponse{
		Success: false,
		Error:   message,
	})
}

// writeFSError writes an error API response for a filesystem error, with
// the status code and hint derived from the error.
func writeFSError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusFor(err), APIResponse{
		Success: false,
		Error:   err.Error(),
		Hint:    GetErrorHint(err),
	})
}

// decodeBody decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %v: %w", err, fserr.ErrInvalidParameter)
	}
	return nil
}

func (s *Server) statusResponse(l *logfs.LogFS) (StatusResponse, error) {
	st, err := l.Status()
	if err != nil {
		return StatusResponse{}, err
	}
	headings, err := l.Headings()
	if err != nil {
		return StatusResponse{}, err
	}
	return StatusResponse{
		Status:   st,
		Used:     st.Used(),
		Capacity: st.Capacity(),
		Headings: headings,
	}, nil
}

// ============================================================================
// API Handlers
// ============================================================================

// handleAPIStatus returns the log layout and usage.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.statusResponse(GetLog(r))
	if err != nil {
		writeFSError(w, err)
		return
	}
	writeSuccess(w, resp)
}

// handleAPIHeadings returns the current column keys.
// GET /api/headings
func (s *Server) handleAPIHeadings(w http.ResponseWriter, r *http.Request) {
	headings, err := GetLog(r).Headings()
	if err != nil {
		writeFSError(w, err)
		return
	}
	writeSuccess(w, HeadingsResponse{Headings: headings})
}

// handleAPITable returns the decoded data region.
// GET /api/table
func (s *Server) handleAPITable(w http.ResponseWriter, r *http.Request) {
	snap, err := GetLog(r).Export(logfs.FormatCSV)
	if err != nil {
		writeFSError(w, err)
		return
	}

	table, err := export.Decode(snap.Reader())
	if err != nil {
		writeFSError(w, err)
		return
	}
	digest, err := export.Digest(snap.Reader())
	if err != nil {
		writeFSError(w, err)
		return
	}

	rows := table.Rows
	if rows == nil {
		rows = [][]string{}
	}
	writeSuccess(w, TableResponse{Columns: table.Columns, Rows: rows, Digest: digest})
}

// handleAPIRow logs one row.
// POST /api/rows
func (s *Server) handleAPIRow(w http.ResponseWriter, r *http.Request) {
	var req RowRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeFSError(w, err)
		return
	}

	var pairs []rowspec.Pair
	if req.Row != "" {
		parsed, err := rowspec.Parse(req.Row)
		if err != nil {
			writeFSError(w, err)
			return
		}
		pairs = parsed
	}
	pairs = append(pairs, req.Values...)
	if err := validateRow(pairs); err != nil {
		writeFSError(w, err)
		return
	}

	if err := rowspec.Apply(GetLog(r), pairs); err != nil {
		writeFSError(w, err)
		return
	}
	writeSuccess(w, map[string]int{"columns": len(pairs)})
}

// handleAPILog appends free text.
// POST /api/log
func (s *Server) handleAPILog(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeFSError(w, err)
		return
	}
	if err := validateText(req.Text); err != nil {
		writeFSError(w, err)
		return
	}

	if err := GetLog(r).LogString(req.Text); err != nil {
		writeFSError(w, err)
		return
	}
	writeSuccess(w, map[string]int{"bytes": len(req.Text)})
}

// handleAPIClear formats the log.
// POST /api/clear
func (s *Server) handleAPIClear(w http.ResponseWriter, r *http.Request) {
	var req ClearRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeFSError(w, err)
			return
		}
	}

	l := GetLog(r)
	if err := l.Clear(req.Full); err != nil {
		writeFSError(w, err)
		return
	}
	s.logger.Info("log cleared over HTTP", "full", req.Full)
	s.handleAPIStatus(w, r)
}

// handleAPIInvalidate marks the log for reformatting.
// POST /api/invalidate
func (s *Server) handleAPIInvalidate(w http.ResponseWriter, r *http.Request) {
	if err := GetLog(r).Invalidate(); err != nil {
		writeFSError(w, err)
		return
	}
	writeSuccess(w, map[string]bool{"invalidated": true})
}

// handleAPITimeStamp selects the timestamp column format.
// PUT /api/timestamp
func (s *Server) handleAPITimeStamp(w http.ResponseWriter, r *http.Request) {
	var req TimeStampRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeFSError(w, err)
		return
	}

	format, err := logfs.ParseTimeStampFormat(req.Format)
	if err != nil {
		writeFSError(w, err)
		return
	}
	if err := GetLog(r).SetTimeStamp(format); err != nil {
		writeFSError(w, err)
		return
	}
	writeSuccess(w, map[string]string{"timestamp": format.String()})
}

// handleAPIMirroring turns line mirroring on or off.
// PUT /api/mirroring
func (s *Server) handleAPIMirroring(w http.ResponseWriter, r *http.Request) {
	var req MirroringRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeFSError(w, err)
		return
	}

	GetLog(r).SetSerialMirroring(req.Enabled)
	writeSuccess(w, map[string]bool{"mirroring": req.Enabled})
}
