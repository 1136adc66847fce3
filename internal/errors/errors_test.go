package errors

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err    *NylonError
		status int
	}{
		{RouteNotFound("no route for host %s", "example.com"), 404},
		{ServiceNotFound("web"), 500},
		{Config("bad endpoint"), 500},
		{Internal("lock poisoned"), 500},
		{HTTPException(418, "TEAPOT", "teapot"), 418},
		{New(KindUpstream, "connect refused"), 502},
	}

	for _, tt := range tests {
		if got := tt.err.HTTPStatus(); got != tt.status {
			t.Errorf("%s: expected status %d, got %d", tt.err.Kind, tt.status, got)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	HTTPException(418, "TEAPOT", "i am a teapot").WriteJSON(rec)

	if rec.Code != 418 {
		t.Fatalf("expected 418, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected json content type, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "TEAPOT") {
		t.Errorf("body missing code: %s", rec.Body.String())
	}
}

func TestUnwrapAndAsNylon(t *testing.T) {
	inner := Config("invalid address")
	wrapped := fmt.Errorf("loading file: %w", inner)

	ne, ok := AsNylon(wrapped)
	if !ok {
		t.Fatal("expected to extract NylonError through wrapping")
	}
	if ne.Kind != KindConfig {
		t.Errorf("expected KindConfig, got %s", ne.Kind)
	}
	if !Is(wrapped, KindConfig) {
		t.Error("Is should match through wrapping")
	}
	if Is(wrapped, KindRouteNotFound) {
		t.Error("Is should not match a different kind")
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(KindUpstream, "dial upstream", fmt.Errorf("connection refused"))
	s := err.Error()
	if !strings.Contains(s, "UpstreamError") || !strings.Contains(s, "connection refused") {
		t.Errorf("unexpected error string: %s", s)
	}
}
