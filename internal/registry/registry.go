// Package registry maintains the live set of known agents, their
// capabilities and strengths, and their health.
package registry

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentfusion/internal/events"
	"github.com/agentfusion/internal/types"
)

// latencyAlpha is the EMA smoothing factor for RecordLatency
const latencyAlpha = 0.3

// Persister mirrors agent snapshots into the durable store
type Persister interface {
	SaveAgent(a *types.AgentRecord) error
}

// Registry owns agent records; queries return copies
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*types.AgentRecord
	failures  map[string]int
	nextProbe map[string]time.Time
	bus       *events.Bus
	persister Persister
	rr        uint64 // atomic round-robin counter
}

// New creates an empty registry. bus and persister may be nil in tests.
func New(bus *events.Bus, persister Persister) *Registry {
	return &Registry{
		agents:    make(map[string]*types.AgentRecord),
		failures:  make(map[string]int),
		nextProbe: make(map[string]time.Time),
		bus:       bus,
		persister: persister,
	}
}

// Register adds or refreshes an agent. Idempotent: re-registering an
// existing ID updates capabilities and name but keeps health state.
func (r *Registry) Register(spec types.AgentRecord) error {
	if spec.ID == "" {
		return types.InvalidArgf("agent.id", "must not be empty")
	}
	for c, s := range spec.Capabilities {
		if s < 0 || s > 1 {
			return types.InvalidArgf("agent.capabilities",
				"strength for %s out of range: %v", c, s)
		}
	}

	r.mu.Lock()
	existing, ok := r.agents[spec.ID]
	if ok {
		existing.Type = spec.Type
		existing.Name = spec.Name
		existing.Capabilities = copyCaps(spec.Capabilities)
	} else {
		rec := spec
		rec.Capabilities = copyCaps(spec.Capabilities)
		if rec.Status == "" {
			rec.Status = types.AgentOnline
		}
		r.agents[spec.ID] = &rec
	}
	snapshot := *r.agents[spec.ID]
	r.mu.Unlock()

	r.persist(&snapshot)
	return nil
}

// Lookup returns a copy of the agent record
func (r *Registry) Lookup(id string) (*types.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, types.ErrNotFound)
	}
	snapshot := *a
	snapshot.Capabilities = copyCaps(a.Capabilities)
	return &snapshot, nil
}

// Known reports whether every ID names a registered agent
func (r *Registry) Known(ids []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range ids {
		if _, ok := r.agents[id]; !ok {
			return false
		}
	}
	return true
}

// All returns copies of every registered agent, ordered by ID
func (r *Registry) All() []*types.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.AgentRecord, 0, len(r.agents))
	for _, a := range r.agents {
		snapshot := *a
		snapshot.Capabilities = copyCaps(a.Capabilities)
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByCapability returns ONLINE agents supporting the capability at or
// above minStrength, strongest first.
func (r *Registry) FindByCapability(c types.Capability, minStrength float64) []*types.AgentRecord {
	var out []*types.AgentRecord
	for _, a := range r.All() {
		if a.Status != types.AgentOnline {
			continue
		}
		if s, ok := a.Capabilities[c]; ok && s >= minStrength {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Strength(c) > out[j].Strength(c)
	})
	return out
}

// SetStatus updates availability and publishes AgentStatusChanged when
// the status actually changed.
func (r *Registry) SetStatus(id string, status types.AgentStatus) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s: %w", id, types.ErrNotFound)
	}
	old := a.Status
	a.Status = status
	a.LastChecked = time.Now()
	snapshot := *a
	r.mu.Unlock()

	r.persist(&snapshot)

	if old != status && r.bus != nil {
		r.bus.Publish(events.New(events.EventAgentStatusChanged, "", id,
			map[string]interface{}{"old": string(old), "new": string(status)}))
	}
	return nil
}

// RecordLatency folds a measured call latency into the agent's EMA
func (r *Registry) RecordLatency(id string, ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return
	}
	if a.LatencyEMA == 0 {
		a.LatencyEMA = ms
		return
	}
	a.LatencyEMA = latencyAlpha*ms + (1-latencyAlpha)*a.LatencyEMA
}

// Select returns up to k ONLINE agents supporting all required
// capabilities, excluding the given IDs. Agents are ranked by strength
// vector on the required capabilities compared lexicographically
// (descending), then ascending latency EMA, then agent ID for a stable
// base order. When several leaders tie on both strength and latency,
// the round-robin counter rotates them so repeated solo selections
// spread across the tied agents.
func (r *Registry) Select(required []types.Capability, exclude map[string]bool, k int) []*types.AgentRecord {
	var eligible []*types.AgentRecord
	for _, a := range r.All() {
		if a.Status != types.AgentOnline || exclude[a.ID] {
			continue
		}
		if a.Supports(required) {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return lessAgent(eligible[i], eligible[j], required)
	})

	// Rotate among leaders tied on strength and latency.
	tied := 1
	for tied < len(eligible) && sameRank(eligible[0], eligible[tied], required) {
		tied++
	}
	if tied > 1 {
		offset := int(atomic.AddUint64(&r.rr, 1)) % tied
		rotated := append([]*types.AgentRecord{}, eligible[offset:tied]...)
		rotated = append(rotated, eligible[:offset]...)
		eligible = append(rotated, eligible[tied:]...)
	}

	if k > 0 && len(eligible) > k {
		eligible = eligible[:k]
	}
	return eligible
}

// lessAgent orders a before b per the selection predicates; the agent
// ID keeps the base order stable when rank alone cannot decide
func lessAgent(a, b *types.AgentRecord, required []types.Capability) bool {
	for _, c := range required {
		sa, sb := a.Strength(c), b.Strength(c)
		if sa != sb {
			return sa > sb
		}
	}
	if a.LatencyEMA != b.LatencyEMA {
		return a.LatencyEMA < b.LatencyEMA
	}
	return a.ID < b.ID
}

// sameRank reports whether two agents tie on both the required strength
// vector and latency EMA
func sameRank(a, b *types.AgentRecord, required []types.Capability) bool {
	for _, c := range required {
		if a.Strength(c) != b.Strength(c) {
			return false
		}
	}
	return a.LatencyEMA == b.LatencyEMA
}

func (r *Registry) persist(a *types.AgentRecord) {
	if r.persister == nil {
		return
	}
	if err := r.persister.SaveAgent(a); err != nil {
		// Durable mirror only; live state is authoritative.
		log.Printf("[REGISTRY] WARNING: failed to persist agent %s: %v", a.ID, err)
	}
}

func copyCaps(m map[types.Capability]float64) map[types.Capability]float64 {
	out := make(map[types.Capability]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
