package balance

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"perfsup/internal/config"
	"perfsup/internal/logger"
)

// Prober checks one backend and returns its observed response time.
type Prober interface {
	Probe(ctx context.Context, addr string) (time.Duration, error)
}

// httpProber issues a GET against addr + probe path. Any 2xx/3xx counts as
// healthy.
type httpProber struct {
	client *http.Client
	path   string
}

func newHTTPProber(cfg config.BalancerConfig) *httpProber {
	timeout := cfg.ProbeTimeout.Std()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	path := cfg.ProbePath
	if path == "" {
		path = "/health"
	}
	return &httpProber{
		client: &http.Client{Timeout: timeout},
		path:   path,
	}
}

func (p *httpProber) Probe(ctx context.Context, addr string) (time.Duration, error) {
	url := addr
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	url = strings.TrimRight(url, "/") + p.path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build probe request: %w", err)
	}

	started := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(started)
	if err != nil {
		return elapsed, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return elapsed, fmt.Errorf("probe returned status %s", resp.Status)
	}
	return elapsed, nil
}

// Run drives periodic health checks until ctx is cancelled.
func (b *Balancer) Run(ctx context.Context) {
	interval := b.cfg.HealthCheckInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	probeRate := b.cfg.ProbeRate
	if probeRate <= 0 {
		probeRate = 50
	}
	limiter := rate.NewLimiter(rate.Limit(probeRate), int(probeRate))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.CheckAll(ctx, limiter)
		}
	}
}

// CheckAll probes every registered server once and updates health flags and
// observed response times. A nil limiter disables probe throttling.
func (b *Balancer) CheckAll(ctx context.Context, limiter *rate.Limiter) {
	b.mu.Lock()
	servers := make([]*Server, len(b.servers))
	copy(servers, b.servers)
	prober := b.prober
	b.mu.Unlock()

	for _, s := range servers {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		observed, err := prober.Probe(ctx, s.Addr)
		wasHealthy := s.Healthy()
		if err != nil {
			s.healthy.Store(false)
			if wasHealthy {
				b.log.Warn("backend failed health check",
					logger.Field{Key: "addr", Value: s.Addr},
					logger.Field{Key: "error", Value: err})
			}
			continue
		}

		s.healthy.Store(true)
		s.respTime.Store(int64(observed))
		if !wasHealthy {
			b.log.Info("backend recovered",
				logger.Field{Key: "addr", Value: s.Addr},
				logger.Field{Key: "response_time", Value: observed})
		}
	}
}
