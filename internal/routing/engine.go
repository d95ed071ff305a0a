// Package routing decides how a task is distributed: which strategy
// applies and which agents participate.
package routing

import (
	"fmt"
	"log"
	"strings"

	"github.com/agentfusion/internal/registry"
	"github.com/agentfusion/internal/types"
)

// criticalKeywords escalate a task to consensus regardless of scores
var criticalKeywords = []string{
	"security", "auth", "payment", "data migration", "critical",
}

// Config holds the routing thresholds
type Config struct {
	SoloMaxComplexity   int
	SoloMaxRisk         int
	ConsensusComplexity int
	ConsensusRisk       int
	ParallelK           int
	ConsensusMinAgents  int
	ConsensusMaxAgents  int
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		SoloMaxComplexity:   3,
		SoloMaxRisk:         3,
		ConsensusComplexity: 7,
		ConsensusRisk:       7,
		ParallelK:           2,
		ConsensusMinAgents:  2,
		ConsensusMaxAgents:  5,
	}
}

// Decision is the routing outcome persisted into task metadata
type Decision struct {
	Strategy        types.RoutingStrategy
	Assignees       []string
	Reason          string
	EmergencyBypass bool
	Downgraded      bool // CONSENSUS requested but only one agent eligible
}

// Engine classifies tasks and selects agents
type Engine struct {
	registry *registry.Registry
	cfg      Config
}

// NewEngine creates a routing engine over the agent registry
func NewEngine(reg *registry.Registry, cfg Config) *Engine {
	if cfg.ParallelK == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{registry: reg, cfg: cfg}
}

// hasCriticalKeyword scans the description for escalation keywords
func hasCriticalKeyword(description string) (string, bool) {
	lower := strings.ToLower(description)
	for _, kw := range criticalKeywords {
		if strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}

// Classify applies the strategy decision table top-down; first match wins.
func (e *Engine) Classify(task *types.Task, d types.Directives) (types.RoutingStrategy, string) {
	if d.AssignToAgent != "" && d.AssignToAgent != task.CreatorID {
		return types.RouteAssign, fmt.Sprintf("directive assigns to %s", d.AssignToAgent)
	}
	if d.ForceConsensus {
		return types.RouteConsensus, "forceConsensus directive"
	}
	if d.PreventConsensus && d.IsEmergency {
		return types.RouteSolo, "emergency bypass"
	}
	if d.SkipConsensus {
		return types.RouteSolo, "skipConsensus directive"
	}
	if task.Complexity <= e.cfg.SoloMaxComplexity && task.Risk <= e.cfg.SoloMaxRisk {
		return types.RouteSolo, fmt.Sprintf("low scores (complexity=%d risk=%d)", task.Complexity, task.Risk)
	}
	if kw, ok := hasCriticalKeyword(task.Description); ok {
		return types.RouteConsensus, fmt.Sprintf("critical keyword %q", kw)
	}
	if task.Risk >= e.cfg.ConsensusRisk || task.Complexity >= e.cfg.ConsensusComplexity {
		return types.RouteConsensus, fmt.Sprintf("high scores (complexity=%d risk=%d)", task.Complexity, task.Risk)
	}
	if task.Type == types.TaskReview {
		return types.RouteReview, "review task type"
	}
	if d.MultiStage {
		return types.RouteSequential, "multi-stage directive"
	}
	return types.RouteAdaptive, "no rule matched, starting adaptive"
}

// Route classifies the task and selects assignees for the strategy.
// Returns NoEligibleAgent when no registered agent can serve it.
func (e *Engine) Route(task *types.Task, d types.Directives) (*Decision, error) {
	strategy, reason := e.Classify(task, d)
	required := []types.Capability{types.CapabilityForTaskType(task.Type)}

	dec := &Decision{Strategy: strategy, Reason: reason}
	if strategy == types.RouteSolo && d.PreventConsensus && d.IsEmergency {
		dec.EmergencyBypass = true
		log.Printf("[ROUTING] AUDIT emergency bypass: task=%s creator=%s", task.ID, task.CreatorID)
	}

	switch strategy {
	case types.RouteAssign:
		if _, err := e.registry.Lookup(d.AssignToAgent); err != nil {
			return nil, fmt.Errorf("assign target %s: %w", d.AssignToAgent, types.ErrNoEligibleAgent)
		}
		dec.Assignees = []string{d.AssignToAgent}

	case types.RouteSolo, types.RouteAdaptive:
		picked := e.registry.Select(required, nil, 1)
		if len(picked) == 0 {
			return nil, noEligible(required)
		}
		dec.Assignees = []string{picked[0].ID}

	case types.RouteSequential:
		planner := e.registry.Select([]types.Capability{types.CapPlanning}, nil, 1)
		if len(planner) == 0 {
			// Fall back to the task capability for the planning slot.
			planner = e.registry.Select(required, nil, 1)
		}
		implementer := e.registry.Select(required, nil, 1)
		if len(planner) == 0 || len(implementer) == 0 {
			return nil, noEligible(required)
		}
		dec.Assignees = []string{planner[0].ID}
		if implementer[0].ID != planner[0].ID {
			dec.Assignees = append(dec.Assignees, implementer[0].ID)
		}

	case types.RouteParallel:
		picked := e.registry.Select(required, nil, e.cfg.ParallelK)
		if len(picked) == 0 {
			return nil, noEligible(required)
		}
		for _, a := range picked {
			dec.Assignees = append(dec.Assignees, a.ID)
		}

	case types.RouteReview:
		// Author is the caller; reviewer is the next-best distinct agent.
		if _, err := e.registry.Lookup(task.CreatorID); err != nil {
			return nil, fmt.Errorf("review author %s unknown: %w", task.CreatorID, types.ErrNoEligibleAgent)
		}
		reviewer := e.registry.Select(required, map[string]bool{task.CreatorID: true}, 1)
		if len(reviewer) == 0 {
			return nil, noEligible(required)
		}
		dec.Assignees = []string{task.CreatorID, reviewer[0].ID}

	case types.RouteConsensus:
		picked := e.registry.Select(required, nil, e.cfg.ConsensusMaxAgents)
		if len(picked) == 0 {
			return nil, noEligible(required)
		}
		if len(picked) < e.cfg.ConsensusMinAgents {
			// Only one participant: consensus degenerates to solo.
			dec.Strategy = types.RouteSolo
			dec.Downgraded = true
			dec.Reason = reason + "; downgraded to SOLO, single eligible agent"
			log.Printf("[ROUTING] AUDIT consensus downgraded to solo: task=%s agent=%s",
				task.ID, picked[0].ID)
			dec.Assignees = []string{picked[0].ID}
			break
		}
		for _, a := range picked {
			dec.Assignees = append(dec.Assignees, a.ID)
		}
	}

	return dec, nil
}

// Additional selects extra consensus participants for an adaptive
// upgrade, excluding agents already assigned.
func (e *Engine) Additional(task *types.Task, exclude []string) ([]string, error) {
	required := []types.Capability{types.CapabilityForTaskType(task.Type)}
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	picked := e.registry.Select(required, excluded, e.cfg.ConsensusMaxAgents-len(exclude))
	if len(picked) == 0 {
		return nil, noEligible(required)
	}
	var ids []string
	for _, a := range picked {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// Metadata renders the routing decision as the audit-trail entries
// merged into the task's metadata map.
func (d *Decision) Metadata() map[string]string {
	meta := map[string]string{
		"routing.strategy": string(d.Strategy),
		"routing.reason":   d.Reason,
	}
	if d.EmergencyBypass {
		meta["routing.emergencyBypass"] = "true"
	}
	if d.Downgraded {
		meta["routing.downgraded"] = "true"
	}
	return meta
}

func noEligible(required []types.Capability) error {
	names := make([]string, len(required))
	for i, c := range required {
		names[i] = string(c)
	}
	return fmt.Errorf("no agent supports %s: %w",
		strings.Join(names, ","), types.ErrNoEligibleAgent)
}
