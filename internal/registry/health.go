package registry

import (
	"context"
	"log"
	"time"

	"github.com/agentfusion/internal/types"
)

// Pinger is the slice of the agent transport the health loop needs
type Pinger interface {
	Ping(ctx context.Context, agentID string) error
}

// HealthConfig tunes the health loop
type HealthConfig struct {
	ProbeEvery   time.Duration // interval between probe rounds
	ProbeTimeout time.Duration // per-probe deadline
	MaxFailures  int           // consecutive failures before OFFLINE
}

// DefaultHealthConfig returns the standard probe cadence
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		ProbeEvery:   15 * time.Second,
		ProbeTimeout: 1 * time.Second,
		MaxFailures:  3,
	}
}

// HealthLoop probes every registered agent until ctx is cancelled.
// An agent that fails MaxFailures consecutive probes is marked OFFLINE
// and re-probed with exponential backoff; a successful probe restores
// ONLINE and resets the backoff.
func (r *Registry) HealthLoop(ctx context.Context, transport Pinger, cfg HealthConfig) {
	if cfg.ProbeEvery <= 0 {
		cfg = DefaultHealthConfig()
	}
	ticker := time.NewTicker(cfg.ProbeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx, transport, cfg)
		}
	}
}

// probeAll runs one probe round
func (r *Registry) probeAll(ctx context.Context, transport Pinger, cfg HealthConfig) {
	for _, agent := range r.All() {
		r.mu.Lock()
		next := r.nextProbe[agent.ID]
		r.mu.Unlock()
		if time.Now().Before(next) {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
		start := time.Now()
		err := transport.Ping(probeCtx, agent.ID)
		cancel()

		if err != nil {
			r.recordFailure(agent.ID, cfg)
			continue
		}

		r.RecordLatency(agent.ID, float64(time.Since(start).Milliseconds()))
		r.mu.Lock()
		r.failures[agent.ID] = 0
		delete(r.nextProbe, agent.ID)
		r.mu.Unlock()
		if agent.Status == types.AgentOffline {
			log.Printf("[REGISTRY] agent %s back ONLINE", agent.ID)
			r.SetStatus(agent.ID, types.AgentOnline)
		}
	}
}

// recordFailure counts a failed probe and applies OFFLINE + backoff
func (r *Registry) recordFailure(agentID string, cfg HealthConfig) {
	r.mu.Lock()
	r.failures[agentID]++
	count := r.failures[agentID]
	if count >= cfg.MaxFailures {
		// Exponential backoff capped at 16x the probe interval.
		exp := count - cfg.MaxFailures
		if exp > 4 {
			exp = 4
		}
		r.nextProbe[agentID] = time.Now().Add(cfg.ProbeEvery * (1 << exp))
	}
	r.mu.Unlock()

	if count == cfg.MaxFailures {
		log.Printf("[REGISTRY] agent %s marked OFFLINE after %d consecutive probe failures",
			agentID, count)
		r.SetStatus(agentID, types.AgentOffline)
	}
}
