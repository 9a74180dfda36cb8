package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestIDKeepsCallerID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "ui-trace-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "ui-trace-42" {
		t.Fatalf("context id = %q", seen)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "ui-trace-42" {
		t.Fatalf("response header = %q", got)
	}
}

func TestRequestIDReplacesMissingOrOversized(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, supplied := range []string{"", "   ", strings.Repeat("x", 200)} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if supplied != "" {
			req.Header.Set("X-Request-ID", supplied)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		got := rec.Header().Get("X-Request-ID")
		if got == "" || got == strings.TrimSpace(supplied) {
			t.Fatalf("supplied %q: response id = %q, want generated", supplied, got)
		}
		if len(got) > maxRequestIDLen {
			t.Fatalf("generated id too long: %q", got)
		}
	}
}
