package auditlog

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// T7: GET /logs/{id} rejects any id containing '/', '\', '.', or NUL bytes.
func TestT7_PathTraversalRejected(t *testing.T) {
	l := New(t.TempDir())
	srv := NewServer(l)

	bad := []string{
		"../etc/passwd",
		"a/b",
		`a\b`,
		"a.b",
		"a.",
		".",
		"a%00b", // NUL byte, percent-encoded so the request target parses
	}
	for _, id := range bad {
		req := httptest.NewRequest(http.MethodGet, "/logs/"+id, nil)
		rec := httptest.NewRecorder()
		srv.handle(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("id %q: got %d, want 400", id, rec.Code)
		}
	}
}

func TestUnknownSessionReturns404(t *testing.T) {
	l := New(t.TempDir())
	srv := NewServer(l)

	req := httptest.NewRequest(http.MethodGet, "/logs/never-seen", nil)
	rec := httptest.NewRecorder()
	srv.handle(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", rec.Code)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	l := New(t.TempDir())
	srv := NewServer(l)

	l.WriteLine("abc-123", "[init] working")
	l.WriteLine("abc-123", "working -> waiting event:STOP source:hook")

	req := httptest.NewRequest(http.MethodGet, "/logs/abc-123", nil)
	rec := httptest.NewRecorder()
	srv.handle(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if body != "[init] working\nworking -> waiting event:STOP source:hook\n" {
		t.Fatalf("unexpected body: %q", body)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="abc-123.log"` {
		t.Fatalf("unexpected Content-Disposition: %q", got)
	}
}

func TestOptionsPreflightReturns204(t *testing.T) {
	l := New(t.TempDir())
	srv := NewServer(l)

	req := httptest.NewRequest(http.MethodOptions, "/logs/abc-123", nil)
	rec := httptest.NewRecorder()
	srv.handle(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("got %d, want 204", rec.Code)
	}
}
