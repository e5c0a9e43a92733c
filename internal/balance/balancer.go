// Package balance selects one healthy backend per request from a registered
// server list, using a configuration-selected algorithm, and keeps server
// health fresh with a background probe loop.
package balance

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"perfsup/internal/config"
	"perfsup/internal/logger"
)

// ErrNoHealthyServer means no registered server is currently eligible.
// Callers must treat this as a hard failure; there is no silent fallback.
var ErrNoHealthyServer = errors.New("no healthy server available")

// Algorithm names accepted in configuration.
const (
	AlgRoundRobin         = "round_robin"
	AlgWeightedRoundRobin = "weighted_round_robin"
	AlgLeastConnections   = "least_connections"
	AlgFastestResponse    = "fastest_response"
)

// Server is one registered backend instance.
type Server struct {
	ID     uuid.UUID
	Addr   string
	Weight int

	healthy  atomic.Bool
	active   atomic.Int64 // open connections
	respTime atomic.Int64 // last observed latency, nanoseconds

	// smooth weighted round-robin state, guarded by Balancer.mu
	currentWeight int
}

// Healthy reports the last health-check verdict.
func (s *Server) Healthy() bool { return s.healthy.Load() }

// MarkHealthy makes the server eligible again without waiting for the next
// probe cycle.
func (s *Server) MarkHealthy() { s.healthy.Store(true) }

// MarkUnhealthy takes the server out of rotation until a probe or a manual
// override brings it back.
func (s *Server) MarkUnhealthy() { s.healthy.Store(false) }

// ActiveConnections reports connections currently held via Acquire.
func (s *Server) ActiveConnections() int64 { return s.active.Load() }

// ResponseTime reports the last observed latency (0 when never observed).
func (s *Server) ResponseTime() time.Duration {
	return time.Duration(s.respTime.Load())
}

// Balancer picks backends and drives the health-check loop.
type Balancer struct {
	cfg config.BalancerConfig
	log logger.Logger

	mu      sync.Mutex
	servers []*Server
	rrIndex int

	prober Prober
}

// New creates a balancer with the built-in HTTP prober.
func New(cfg config.BalancerConfig, log logger.Logger) *Balancer {
	if log == nil {
		log = logger.Nop()
	}
	b := &Balancer{cfg: cfg, log: log}
	b.prober = newHTTPProber(cfg)
	return b
}

// SetProber swaps the health probe implementation (tests, custom protocols).
func (b *Balancer) SetProber(p Prober) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prober = p
}

// Add registers a backend. New servers start healthy until the first probe
// says otherwise. Weight below 1 is clamped to 1.
func (b *Balancer) Add(addr string, weight int) *Server {
	if weight < 1 {
		weight = 1
	}
	s := &Server{ID: uuid.New(), Addr: addr, Weight: weight}
	s.healthy.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.servers = append(b.servers, s)
	b.log.Info("backend registered",
		logger.Field{Key: "addr", Value: addr},
		logger.Field{Key: "weight", Value: weight})
	return s
}

// Remove deregisters a backend.
func (b *Balancer) Remove(id uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.servers {
		if s.ID == id {
			b.servers = append(b.servers[:i], b.servers[i+1:]...)
			return true
		}
	}
	return false
}

// Servers returns a snapshot of the registered set.
func (b *Balancer) Servers() []*Server {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Server, len(b.servers))
	copy(out, b.servers)
	return out
}

// Next selects a backend with the configured algorithm, considering only
// healthy servers.
func (b *Balancer) Next() (*Server, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	healthy := make([]*Server, 0, len(b.servers))
	for _, s := range b.servers {
		if s.Healthy() {
			healthy = append(healthy, s)
		}
	}
	if len(healthy) == 0 {
		return nil, ErrNoHealthyServer
	}

	switch b.cfg.Algorithm {
	case AlgWeightedRoundRobin:
		return b.pickWeighted(healthy), nil
	case AlgLeastConnections:
		return pickLeastConnections(healthy), nil
	case AlgFastestResponse:
		return pickFastest(healthy), nil
	case AlgRoundRobin:
		return b.pickRoundRobin(healthy), nil
	default:
		return nil, fmt.Errorf("unknown balancing algorithm %q", b.cfg.Algorithm)
	}
}

// Acquire marks a connection open on s. Pair with Release.
func (b *Balancer) Acquire(s *Server) {
	s.active.Add(1)
}

// Release closes out a connection and records its observed latency.
func (b *Balancer) Release(s *Server, observed time.Duration) {
	s.active.Add(-1)
	if observed > 0 {
		s.respTime.Store(int64(observed))
	}
}

func (b *Balancer) pickRoundRobin(healthy []*Server) *Server {
	s := healthy[b.rrIndex%len(healthy)]
	b.rrIndex++
	return s
}

// pickWeighted implements smooth weighted round-robin: each pick's share
// converges to weight/totalWeight without bursts on a single server.
func (b *Balancer) pickWeighted(healthy []*Server) *Server {
	total := 0
	var best *Server
	for _, s := range healthy {
		s.currentWeight += s.Weight
		total += s.Weight
		if best == nil || s.currentWeight > best.currentWeight {
			best = s
		}
	}
	best.currentWeight -= total
	return best
}

func pickLeastConnections(healthy []*Server) *Server {
	best := healthy[0]
	for _, s := range healthy[1:] {
		if s.active.Load() < best.active.Load() {
			best = s
		}
	}
	return best
}

func pickFastest(healthy []*Server) *Server {
	// A zero response time means "never observed"; any observed latency
	// wins over no observation at all.
	best := healthy[0]
	for _, s := range healthy[1:] {
		bt, st := best.respTime.Load(), s.respTime.Load()
		switch {
		case bt == 0 && st > 0:
			best = s
		case st > 0 && st < bt:
			best = s
		}
	}
	return best
}
