package backend

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AssetsArt/nylon/internal/logging"
)

// HealthCheck drives active HTTP probes for one service's backends and
// reports transitions into the balancer.
type HealthCheck struct {
	Path               string
	Interval           time.Duration
	Timeout            time.Duration
	HealthyThreshold   int
	UnhealthyThreshold int

	sink   HealthSink
	client *http.Client

	mu     sync.Mutex
	states map[*Backend]*probeState
	cancel context.CancelFunc
}

type probeState struct {
	consecutivePass int
	consecutiveFail int
	healthy         bool
}

// NewHealthCheck creates a checker over the given backends. Backends start
// healthy; transitions require the configured consecutive thresholds.
func NewHealthCheck(path string, interval, timeout time.Duration, healthyAfter, unhealthyAfter int, sink HealthSink, backends []*Backend) *HealthCheck {
	hc := &HealthCheck{
		Path:               path,
		Interval:           interval,
		Timeout:            timeout,
		HealthyThreshold:   healthyAfter,
		UnhealthyThreshold: unhealthyAfter,
		sink:               sink,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		states: make(map[*Backend]*probeState, len(backends)),
	}
	for _, b := range backends {
		hc.states[b] = &probeState{healthy: true}
	}
	return hc
}

// Start launches the periodic probe loop.
func (hc *HealthCheck) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	hc.mu.Lock()
	hc.cancel = cancel
	hc.mu.Unlock()

	go func() {
		ticker := time.NewTicker(hc.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hc.RunOnce(ctx)
			}
		}
	}()
}

// Stop halts the probe loop.
func (hc *HealthCheck) Stop() {
	hc.mu.Lock()
	if hc.cancel != nil {
		hc.cancel()
		hc.cancel = nil
	}
	hc.mu.Unlock()
}

// RunOnce probes every backend in parallel and applies threshold
// transitions.
func (hc *HealthCheck) RunOnce(ctx context.Context) {
	hc.mu.Lock()
	backends := make([]*Backend, 0, len(hc.states))
	for b := range hc.states {
		backends = append(backends, b)
	}
	hc.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b *Backend) {
			defer wg.Done()
			hc.observe(b, hc.probe(ctx, b))
		}(b)
	}
	wg.Wait()
}

func (hc *HealthCheck) probe(ctx context.Context, b *Backend) error {
	ctx, cancel := context.WithTimeout(ctx, hc.Timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", b.Addr, hc.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if b.HostHeader != "" {
		req.Host = b.HostHeader
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}

func (hc *HealthCheck) observe(b *Backend, probeErr error) {
	hc.mu.Lock()
	state, ok := hc.states[b]
	if !ok {
		hc.mu.Unlock()
		return
	}

	var transition *bool
	if probeErr == nil {
		state.consecutivePass++
		state.consecutiveFail = 0
		if !state.healthy && state.consecutivePass >= hc.HealthyThreshold {
			state.healthy = true
			up := true
			transition = &up
		}
	} else {
		state.consecutiveFail++
		state.consecutivePass = 0
		if state.healthy && state.consecutiveFail >= hc.UnhealthyThreshold {
			state.healthy = false
			down := false
			transition = &down
		}
	}
	hc.mu.Unlock()

	if transition != nil {
		hc.sink.ObserveHealth(b, *transition)
		if *transition {
			logging.Info("backend recovered", zap.String("addr", b.Addr))
		} else {
			logging.Warn("backend unhealthy",
				zap.String("addr", b.Addr),
				zap.NamedError("probe_error", probeErr))
		}
	}
}
