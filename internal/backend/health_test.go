package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func TestHealthCheckThresholds(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	backends := []*Backend{{Addr: u.Host, Weight: 1, HostHeader: "10.0.0.1"}}
	rr := NewRoundRobin(backends)
	hc := NewHealthCheck("/healthz", time.Second, time.Second, 2, 3, rr, backends)

	ctx := context.Background()

	// Two failures: still below the unhealthy threshold of 3.
	failing.Store(true)
	hc.RunOnce(ctx)
	hc.RunOnce(ctx)
	if !backends[0].Healthy() {
		t.Fatal("backend should stay healthy below the threshold")
	}

	// Third consecutive failure trips the threshold.
	hc.RunOnce(ctx)
	if backends[0].Healthy() {
		t.Fatal("backend should be unhealthy after 3 consecutive failures")
	}
	if rr.Select(nil) != nil {
		t.Error("select should skip the unhealthy backend")
	}

	// One success is below the healthy threshold of 2.
	failing.Store(false)
	hc.RunOnce(ctx)
	if backends[0].Healthy() {
		t.Fatal("one success should not recover the backend")
	}

	// Second consecutive success recovers it.
	hc.RunOnce(ctx)
	if !backends[0].Healthy() {
		t.Fatal("backend should recover after 2 consecutive successes")
	}
	if rr.Select(nil) == nil {
		t.Error("select should return the recovered backend")
	}
}

func TestHealthCheckSendsHostHeader(t *testing.T) {
	var gotHost atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost.Store(r.Host)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	backends := []*Backend{{Addr: u.Host, Weight: 1, HostHeader: "192.168.1.1"}}
	rr := NewRoundRobin(backends)
	hc := NewHealthCheck("/healthz", time.Second, time.Second, 1, 1, rr, backends)

	hc.RunOnce(context.Background())
	if got, _ := gotHost.Load().(string); got != "192.168.1.1" {
		t.Errorf("probe Host header: expected first endpoint IP, got %q", got)
	}
}

func TestHealthCheckProbeFailureCounterResets(t *testing.T) {
	var mode atomic.Int32 // 0 ok, 1 fail
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mode.Load() == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	backends := []*Backend{{Addr: u.Host, Weight: 1}}
	rr := NewRoundRobin(backends)
	hc := NewHealthCheck("/", time.Second, time.Second, 1, 2, rr, backends)
	ctx := context.Background()

	// fail, pass, fail: never two consecutive failures
	mode.Store(1)
	hc.RunOnce(ctx)
	mode.Store(0)
	hc.RunOnce(ctx)
	mode.Store(1)
	hc.RunOnce(ctx)

	if !backends[0].Healthy() {
		t.Error("interleaved failures should not trip the consecutive threshold")
	}
}
