package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithLogMiddleware(t *testing.T) {
	l := newTestLog(t)

	var got interface{}
	handler := WithLog(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetLog(r)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if got != l {
		t.Error("expected the same log instance from the context")
	}
}

func TestGetLogWithoutMiddleware(t *testing.T) {
	if GetLog(httptest.NewRequest("GET", "/", nil)) != nil {
		t.Error("expected nil log without middleware")
	}
}

func TestRequireLog(t *testing.T) {
	called := false
	handler := WithLog(nil)(RequireLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if called {
		t.Error("handler must not run without a log")
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
}
