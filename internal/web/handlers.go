package web

import (
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/cabewaldrop/logfs/internal/export"
	"github.com/cabewaldrop/logfs/internal/logfs"
)

// download describes one export route.
type download struct {
	path        string
	name        string
	format      logfs.Format
	contentType string
}

var downloads = []download{
	{"/MY_DATA.HTM", "MY_DATA.HTM", logfs.FormatHTML, "text/html; charset=utf-8"},
	{"/data.csv", "data.csv", logfs.FormatCSV, "text/csv; charset=utf-8"},
	{"/header.htm", "header.htm", logfs.FormatHTMLHeader, "text/html; charset=utf-8"},
}

// indexPage holds data for rendering the index template.
type indexPage struct {
	Status    StatusResponse
	Downloads []download
	Error     string
}

// Path returns the route of the download.
func (d download) Path() string { return d.path }

// Name returns the file name offered to the client.
func (d download) Name() string { return d.name }

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Data log</title>
    <style>
        body { font-family: system-ui, sans-serif; margin: 20px; }
        table { border-collapse: collapse; margin: 20px 0; }
        th, td { border: 1px solid #ddd; padding: 6px 10px; text-align: left; }
        th { background-color: #f4f4f4; }
        .full { color: #b00; font-weight: bold; }
        .error { color: red; }
    </style>
</head>
<body>
    <h1>Data log</h1>
    {{if .Error}}
        <p class="error">{{.Error}}</p>
    {{else}}
        {{if .Status.Full}}<p class="full">The log is full.</p>{{end}}
        <table>
            <tr><th>Used</th><td>{{.Status.Used}} of {{.Status.Capacity}} bytes</td></tr>
            <tr><th>Columns</th><td>{{range $i, $h := .Status.Headings}}{{if $i}}, {{end}}{{$h}}{{end}}</td></tr>
            <tr><th>Timestamp</th><td>{{.Status.TimeStamp}}</td></tr>
        </table>
        <ul>
            {{range .Downloads}}<li><a href="{{.Path}}">{{.Name}}</a></li>{{end}}
        </ul>
    {{end}}
</body>
</html>`))

// handleIndex serves a summary page with download links.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page := indexPage{Downloads: downloads}

	status := http.StatusOK
	if l := GetLog(r); l == nil {
		page.Error = "Log filesystem not available"
		status = http.StatusServiceUnavailable
	} else if resp, err := s.statusResponse(l); err != nil {
		page.Error = fmt.Sprintf("Could not read the log: %v", err)
		status = StatusFor(err)
	} else {
		page.Status = resp
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	indexTemplate.Execute(w, page)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleDownload serves one export format. Range and conditional
// requests are handled by http.ServeContent; the ETag is the BLAKE3
// digest of the export.
func (s *Server) handleDownload(d download) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := GetLog(r).Export(d.format)
		if err != nil {
			writeFSError(w, err)
			return
		}

		digest, err := export.Digest(snap.Reader())
		if err != nil {
			writeFSError(w, err)
			return
		}

		w.Header().Set("Content-Type", d.contentType)
		w.Header().Set("ETag", `"`+digest+`"`)
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeContent(w, r, d.name, time.Time{}, snap.Reader())
	}
}
