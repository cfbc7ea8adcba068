package pairing

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ras-daemon/rasd/internal/devicestore"
	"github.com/ras-daemon/rasd/internal/webrtc"
)

func testCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	store, err := devicestore.Open(t.TempDir() + "/devices.yaml")
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	return NewCoordinator(store, nil, webrtc.Config{}, "daemon-device-id")
}

func TestServeHTTPRejectsMissingSessionID(t *testing.T) {
	c := testCoordinator(t)
	req := httptest.NewRequest(http.MethodPost, "/signal/", strings.NewReader(""))
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServeHTTPRejectsUnknownSession(t *testing.T) {
	c := testCoordinator(t)
	req := httptest.NewRequest(http.MethodPost, "/signal/does-not-exist", strings.NewReader("ciphertext"))
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServeHTTPRejectsWrongMethod(t *testing.T) {
	c := testCoordinator(t)
	req := httptest.NewRequest(http.MethodGet, "/signal/abc", nil)
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestServeHTTPEnforcesPerSessionRateLimit(t *testing.T) {
	c := testCoordinator(t)
	s, err := c.StartSession()
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	var lastCode int
	for i := 0; i < 11; i++ {
		req := httptest.NewRequest(http.MethodPost, "/signal/"+s.SessionID, strings.NewReader("garbage"))
		rec := httptest.NewRecorder()
		c.ServeHTTP(rec, req)
		lastCode = rec.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected the 11th request within a minute to be rate limited, got %d", lastCode)
	}
}

func TestStartSessionRegistersAndTransitionsToSignaling(t *testing.T) {
	c := testCoordinator(t)
	s, err := c.StartSession()
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if s.State() != StateSignaling {
		t.Fatalf("expected signaling state after StartSession, got %s", s.State())
	}
	got, ok := c.Session(s.SessionID)
	if !ok || got != s {
		t.Fatalf("expected StartSession's session to be retrievable")
	}
}

func TestServeHTTPDropsBadCiphertextSilently(t *testing.T) {
	c := testCoordinator(t)
	s, err := c.StartSession()
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/signal/"+s.SessionID, strings.NewReader("not-valid-ciphertext"))
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for a dropped (invalid) envelope, got %d", rec.Code)
	}
}
