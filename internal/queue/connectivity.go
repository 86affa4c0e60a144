package queue

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Prober checks whether the network is usable
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProbe reports online when a HEAD request to the URL gets any response
// below 500
type HTTPProbe struct {
	url    string
	client *http.Client
}

// NewHTTPProbe creates an HTTPProbe with the given request timeout
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	return NewHTTPProbeWithClient(url, &http.Client{Timeout: timeout})
}

// NewHTTPProbeWithClient creates an HTTPProbe with a custom HTTP client for testing
func NewHTTPProbeWithClient(url string, client *http.Client) *HTTPProbe {
	return &HTTPProbe{url: url, client: client}
}

// Probe performs one check
func (p *HTTPProbe) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		slog.Error("building probe request", "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		slog.Debug("connectivity probe failed", "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// StaticConnectivity is a fixed connectivity answer
type StaticConnectivity bool

// Online reports the fixed value
func (s StaticConnectivity) Online() bool {
	return bool(s)
}

// Monitor tracks connectivity and calls onReconnect on every transition
// from offline to online. It starts out offline so the first successful
// probe also triggers a reconnect.
type Monitor struct {
	prober      Prober
	interval    time.Duration
	onReconnect func(ctx context.Context)

	mu     sync.Mutex
	online bool
}

// NewMonitor creates a Monitor. onReconnect may be nil.
func NewMonitor(prober Prober, interval time.Duration, onReconnect func(ctx context.Context)) *Monitor {
	return &Monitor{
		prober:      prober,
		interval:    interval,
		onReconnect: onReconnect,
	}
}

// Online reports the last observed state
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Observe records a connectivity reading and fires onReconnect when it flips
// to online. The callback runs synchronously on the caller's goroutine.
func (m *Monitor) Observe(ctx context.Context, online bool) {
	m.mu.Lock()
	reconnected := online && !m.online
	changed := online != m.online
	m.online = online
	m.mu.Unlock()

	if changed {
		slog.Info("connectivity changed", "online", online)
	}
	if reconnected && m.onReconnect != nil {
		m.onReconnect(ctx)
	}
}

// Check probes once and records the result
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.prober.Probe(ctx)
	m.Observe(ctx, online)
	return online
}

// Run probes immediately and then on every interval until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
