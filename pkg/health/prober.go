package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ProberConfig controls how the readiness prober polls a lab endpoint.
type ProberConfig struct {
	// Interval between probe attempts (default: 2 seconds)
	Interval time.Duration

	// ConnectTimeout for the initial TCP check (default: 3 seconds)
	ConnectTimeout time.Duration

	// RequestTimeout for each HTTP request (default: 5 seconds)
	RequestTimeout time.Duration

	// Paths are the HTTP paths probed after TCP connect succeeds.
	// The first path that answers with a 2xx or 3xx wins.
	Paths []string
}

// DefaultProberConfig returns the default readiness prober settings
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:       2 * time.Second,
		ConnectTimeout: 3 * time.Second,
		RequestTimeout: 5 * time.Second,
		Paths:          []string{"/", "/healthz"},
	}
}

// Prober polls a freshly provisioned lab endpoint until it answers or the
// deadline passes. Readiness is two-staged: a TCP connect proves something
// is bound to the port, then an HTTP GET against the configured paths
// proves the session is actually serving. Redirects count as ready; many
// desktop gateways answer the root path with a 302 to the login screen.
type Prober struct {
	cfg ProberConfig
}

// NewProber creates a readiness prober with the given configuration.
// Zero-value fields fall back to defaults.
func NewProber(cfg ProberConfig) *Prober {
	def := DefaultProberConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if len(cfg.Paths) == 0 {
		cfg.Paths = def.Paths
	}
	return &Prober{cfg: cfg}
}

// WaitReady polls the endpoint until it reports ready or ctx expires.
// The returned error carries the last probe failure so provisioning
// diagnostics can show what the endpoint looked like when time ran out.
func (p *Prober) WaitReady(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var lastErr error

	// Probe immediately; most labs come up well before the first tick.
	if err := p.probeOnce(ctx, addr); err == nil {
		return nil
	} else {
		lastErr = err
	}

	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("endpoint %s not ready: %w (last: %v)", addr, ctx.Err(), lastErr)
			}
			return fmt.Errorf("endpoint %s not ready: %w", addr, ctx.Err())
		case <-ticker.C:
			if err := p.probeOnce(ctx, addr); err == nil {
				return nil
			} else {
				lastErr = err
			}
		}
	}
}

// Probe runs one TCP-then-HTTP probe cycle against host:port without
// waiting. The health observer uses it for periodic checks on labs that
// already passed readiness.
func (p *Prober) Probe(ctx context.Context, host string, port int) error {
	return p.probeOnce(ctx, fmt.Sprintf("%s:%d", host, port))
}

// probeOnce runs a single TCP-then-HTTP probe cycle against addr
func (p *Prober) probeOnce(ctx context.Context, addr string) error {
	tcpCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	tcp := NewTCPChecker(addr).WithTimeout(p.cfg.ConnectTimeout)
	res := tcp.Check(tcpCtx)
	cancel()
	if !res.Healthy {
		return fmt.Errorf("tcp: %s", res.Message)
	}

	var lastErr error
	for _, path := range p.cfg.Paths {
		url := fmt.Sprintf("http://%s%s", addr, path)
		checker := NewHTTPChecker(url).
			WithTimeout(p.cfg.RequestTimeout).
			WithStatusRange(http.StatusOK, 399)

		httpCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
		res := checker.Check(httpCtx)
		cancel()
		if res.Healthy {
			return nil
		}
		lastErr = fmt.Errorf("http %s: %s", path, res.Message)
	}
	return lastErr
}
