package web

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestDownloads(t *testing.T) {
	l := newTestLog(t)
	ts := newTestServer(t, l)

	if err := l.LogString("a,b\n1,2\n"); err != nil {
		t.Fatalf("LogString failed: %v", err)
	}

	resp, err := http.Get(ts.URL + "/data.csv")
	if err != nil {
		t.Fatalf("Failed to GET /data.csv: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "a,b\n1,2\n" {
		t.Errorf("unexpected CSV %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("unexpected Content-Type %q", ct)
	}

	resp, err = http.Get(ts.URL + "/MY_DATA.HTM")
	if err != nil {
		t.Fatalf("Failed to GET /MY_DATA.HTM: %v", err)
	}
	html, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if !bytes.HasPrefix(html, []byte("<")) || !bytes.HasSuffix(html, []byte("a,b\n1,2\n\xFF")) {
		t.Errorf("HTML export must start with the header and end with data and terminator")
	}

	resp, err = http.Get(ts.URL + "/header.htm")
	if err != nil {
		t.Fatalf("Failed to GET /header.htm: %v", err)
	}
	header, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if len(header) != len(html)-len("a,b\n1,2\n") {
		t.Errorf("header export must be the HTML export without data, got %d bytes", len(header))
	}
}

func TestDownloadRange(t *testing.T) {
	l := newTestLog(t)
	ts := newTestServer(t, l)

	if err := l.LogString("0123456789\n"); err != nil {
		t.Fatalf("LogString failed: %v", err)
	}

	req, _ := http.NewRequest("GET", ts.URL+"/data.csv", nil)
	req.Header.Set("Range", "bytes=2-5")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("range request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("Expected status 206, got %d", resp.StatusCode)
	}
	if string(body) != "2345" {
		t.Errorf("expected 2345, got %q", body)
	}
}

func TestDownloadETag(t *testing.T) {
	l := newTestLog(t)
	ts := newTestServer(t, l)

	if err := l.LogString("first\n"); err != nil {
		t.Fatalf("LogString failed: %v", err)
	}

	resp, err := http.Get(ts.URL + "/data.csv")
	if err != nil {
		t.Fatalf("Failed to GET /data.csv: %v", err)
	}
	resp.Body.Close()
	etag := resp.Header.Get("ETag")
	if len(etag) != 66 {
		t.Fatalf("expected a quoted BLAKE3 ETag, got %q", etag)
	}

	req, _ := http.NewRequest("GET", ts.URL+"/data.csv", nil)
	req.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("conditional request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotModified {
		t.Errorf("Expected status 304, got %d", resp.StatusCode)
	}

	if err := l.LogString("second\n"); err != nil {
		t.Fatalf("LogString failed: %v", err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("conditional request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("ETag") == etag {
		t.Errorf("expected a new ETag after appending, got %d %q", resp.StatusCode, resp.Header.Get("ETag"))
	}
}
