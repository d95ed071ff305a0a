// Package consensus collects proposals for waiting tasks and produces
// decisions with a named strategy.
package consensus

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentfusion/internal/events"
	"github.com/agentfusion/internal/store"
	"github.com/agentfusion/internal/types"
)

// Store is the slice of the durable store the engine needs
type Store interface {
	GetTask(id string) (*types.Task, error)
	UpdateTaskStatus(id string, from, to types.TaskStatus, patch *store.StatusPatch) (*types.Task, error)
	ListProposals(taskID string) ([]*types.Proposal, error)
	PutDecision(d *types.Decision, complete bool, from types.TaskStatus) error
	MergeTaskMetadata(id string, meta map[string]string) error
}

// Config tunes collection deadlines and the conflict path
type Config struct {
	DefaultStrategy types.ConsensusStrategy
	SoloDeadline    time.Duration
	RoundDeadline   time.Duration
	MaxRounds       int
	OnConflict      string // "refine" or "escalate"
	Strategies      StrategyConfig
}

// DefaultConfig returns the standard consensus tuning
func DefaultConfig() Config {
	return Config{
		DefaultStrategy: types.StrategyVoting,
		SoloDeadline:    30 * time.Second,
		RoundDeadline:   5 * time.Minute,
		MaxRounds:       3,
		OnConflict:      "refine",
		Strategies:      DefaultStrategyConfig(),
	}
}

// expectation tracks one outstanding proposal-collection round
type expectation struct {
	taskID   string
	strategy types.ConsensusStrategy
	expected map[string]bool
	received map[string]bool
	round    int
	timer    *time.Timer
}

// Engine registers expectations and fires when the proposal set is
// complete or the deadline elapses.
type Engine struct {
	mu    sync.Mutex
	store Store
	bus   *events.Bus
	cfg   Config
	exps  map[string]*expectation
	sub   *events.Subscription
}

// NewEngine creates a consensus engine over the store and bus
func NewEngine(store Store, bus *events.Bus, cfg Config) *Engine {
	if cfg.RoundDeadline == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		store: store,
		bus:   bus,
		cfg:   cfg,
		exps:  make(map[string]*expectation),
	}
}

// Start subscribes the engine to proposal events
func (e *Engine) Start() {
	e.sub = e.bus.Subscribe(events.TopicProposals, e.onProposal)
}

// Stop unsubscribes and cancels all outstanding timers
func (e *Engine) Stop() {
	if e.sub != nil {
		e.bus.Unsubscribe(e.sub)
		e.sub = nil
	}
	e.mu.Lock()
	for _, exp := range e.exps {
		exp.timer.Stop()
	}
	e.exps = make(map[string]*expectation)
	e.mu.Unlock()
}

// Expect registers a collection round for a task in WAITING_INPUT.
// The deadline depends on the strategy: solo collection is short,
// consensus rounds long.
func (e *Engine) Expect(taskID string, agents []string, strategy types.ConsensusStrategy, round int) {
	if strategy == "" {
		strategy = e.cfg.DefaultStrategy
	}
	deadline := e.cfg.RoundDeadline
	if strategy == types.StrategySolo {
		deadline = e.cfg.SoloDeadline
	}

	expected := make(map[string]bool, len(agents))
	for _, a := range agents {
		expected[a] = true
	}

	e.mu.Lock()
	if prev, ok := e.exps[taskID]; ok {
		prev.timer.Stop()
	}
	exp := &expectation{
		taskID:   taskID,
		strategy: strategy,
		expected: expected,
		received: make(map[string]bool),
		round:    round,
	}
	exp.timer = time.AfterFunc(deadline, func() { e.onDeadline(taskID) })
	e.exps[taskID] = exp
	e.mu.Unlock()

	log.Printf("[CONSENSUS] expectation registered: task=%s strategy=%s agents=%d round=%d deadline=%s",
		taskID, strategy, len(agents), round, deadline)
}

// Release drops a task's expectation (cancellation path)
func (e *Engine) Release(taskID string) {
	e.mu.Lock()
	if exp, ok := e.exps[taskID]; ok {
		exp.timer.Stop()
		delete(e.exps, taskID)
	}
	e.mu.Unlock()
}

// Waiting reports whether a task has an outstanding expectation
func (e *Engine) Waiting(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.exps[taskID]
	return ok
}

// onProposal reduces an outstanding expectation and fires evaluation
// when every expected agent has submitted.
func (e *Engine) onProposal(ev events.Event) {
	if ev.Type != events.EventProposalSubmitted {
		return
	}

	e.mu.Lock()
	exp, ok := e.exps[ev.TaskID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if exp.expected[ev.AgentID] {
		exp.received[ev.AgentID] = true
	}
	complete := len(exp.received) >= len(exp.expected)
	if complete {
		exp.timer.Stop()
		delete(e.exps, ev.TaskID)
	}
	e.mu.Unlock()

	if complete {
		e.evaluate(exp, false)
	}
}

// onDeadline handles an elapsed collection deadline
func (e *Engine) onDeadline(taskID string) {
	e.mu.Lock()
	exp, ok := e.exps[taskID]
	if ok {
		delete(e.exps, taskID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	proposals, err := e.store.ListProposals(taskID)
	if err != nil {
		log.Printf("[CONSENSUS] ERROR: listing proposals for %s on deadline: %v", taskID, err)
		return
	}
	if len(proposals) == 0 {
		e.failTask(taskID, "no proposals received before deadline")
		return
	}
	log.Printf("[CONSENSUS] deadline elapsed with %d/%d proposals: task=%s",
		len(proposals), len(exp.expected), taskID)
	e.evaluate(exp, true)
}

// evaluate runs the strategy and records the decision. partial marks a
// deadline firing with an incomplete proposal set.
func (e *Engine) evaluate(exp *expectation, partial bool) {
	taskID := exp.taskID

	if _, err := e.store.UpdateTaskStatus(taskID, types.StatusWaitingInput, types.StatusDeciding, nil); err != nil {
		// The task moved on (cancelled, completed by creator); nothing to decide.
		if !errors.Is(err, types.ErrConflictingState) {
			log.Printf("[CONSENSUS] ERROR: moving task %s to DECIDING: %v", taskID, err)
		}
		return
	}

	proposals, err := e.store.ListProposals(taskID)
	if err != nil || len(proposals) == 0 {
		e.failTask(taskID, "proposal set unavailable at decision time")
		return
	}

	outcome, err := Execute(exp.strategy, proposals, e.cfg.Strategies)
	if err != nil {
		e.failTask(taskID, fmt.Sprintf("strategy %s failed: %v", exp.strategy, err))
		return
	}

	if !outcome.Consensus && e.conflictPath(exp, outcome) {
		return
	}

	e.record(exp, outcome, partial)
}

// conflictPath handles a strategy that produced no consensus. Returns
// true when the task was rerouted (refinement round or escalation)
// instead of decided.
func (e *Engine) conflictPath(exp *expectation, outcome *Outcome) bool {
	taskID := exp.taskID

	if e.cfg.OnConflict == "refine" && exp.round < e.cfg.MaxRounds {
		nextRound := exp.round + 1
		_, err := e.store.UpdateTaskStatus(taskID, types.StatusDeciding, types.StatusWaitingInput,
			&store.StatusPatch{Round: &nextRound})
		if err != nil {
			log.Printf("[CONSENSUS] ERROR: reopening task %s for refinement: %v", taskID, err)
			return false
		}
		agents := make([]string, 0, len(exp.expected))
		for a := range exp.expected {
			agents = append(agents, a)
		}
		e.Expect(taskID, agents, exp.strategy, nextRound)
		log.Printf("[CONSENSUS] no consensus, refinement round %d/%d: task=%s",
			nextRound, e.cfg.MaxRounds, taskID)
		return true
	}

	if e.cfg.OnConflict == "escalate" {
		_, err := e.store.UpdateTaskStatus(taskID, types.StatusDeciding, types.StatusWaitingInput,
			&store.StatusPatch{Role: types.RoleEscalation})
		if err != nil {
			log.Printf("[CONSENSUS] ERROR: escalating task %s: %v", taskID, err)
			return false
		}
		log.Printf("[CONSENSUS] no consensus, escalated to human decision: task=%s", taskID)
		// No expectation: the task waits for an explicit complete_task.
		return true
	}

	// Refinement rounds exhausted: record the best effort with
	// consensus=false so the task still terminates.
	return false
}

// record writes the decision and completes the task atomically, then
// publishes the decision events. A failed transaction leaves the task
// in DECIDING for the retry path.
func (e *Engine) record(exp *expectation, outcome *Outcome, partial bool) {
	taskID := exp.taskID

	rationale := outcome.Rationale
	if task, err := e.store.GetTask(taskID); err == nil {
		if task.Metadata["routing.emergencyBypass"] == "true" {
			rationale += "; emergency bypass: consensus was prevented by directive"
		}
		if task.Metadata["routing.downgraded"] == "true" {
			rationale += "; consensus downgraded to solo, single eligible agent"
		}
	}

	d := &types.Decision{
		TaskID:      taskID,
		Strategy:    exp.strategy,
		Consensus:   outcome.Consensus,
		Content:     outcome.Content,
		Confidence:  outcome.Confidence,
		TotalTokens: outcome.TotalTokens,
		TokensSaved: TokensSaved(len(exp.expected), append(append([]*types.Proposal{}, outcome.RunnerUps...), outcome.Winner)),
		Partial:     partial,
		Rationale:   rationale,
	}
	if outcome.Winner != nil {
		d.WinnerID = outcome.Winner.ID
	}
	for _, p := range outcome.RunnerUps {
		d.RunnerUpIDs = append(d.RunnerUpIDs, p.ID)
	}

	if err := e.store.PutDecision(d, true, types.StatusDeciding); err != nil {
		log.Printf("[CONSENSUS] ERROR: recording decision for %s (task stays DECIDING): %v", taskID, err)
		return
	}

	if outcome.Consensus {
		e.bus.Publish(events.New(events.EventConsensusReached, taskID, "", map[string]interface{}{
			"strategy": string(exp.strategy),
		}))
	}
	e.bus.Publish(events.New(events.EventDecisionMade, taskID, "", map[string]interface{}{
		"decision_id": d.ID,
		"strategy":    string(d.Strategy),
		"consensus":   d.Consensus,
		"winner_id":   d.WinnerID,
		"partial":     d.Partial,
	}))
	e.bus.Publish(events.New(events.EventTaskCompleted, taskID, "", map[string]interface{}{
		"confidence": d.Confidence,
	}))

	log.Printf("[CONSENSUS] decision recorded: task=%s strategy=%s consensus=%v partial=%v tokens_saved=%d",
		taskID, exp.strategy, d.Consensus, d.Partial, d.TokensSaved)
}

// failTask marks a task FAILED from whatever waiting state it is in
func (e *Engine) failTask(taskID, reason string) {
	for _, from := range []types.TaskStatus{types.StatusWaitingInput, types.StatusDeciding} {
		if _, err := e.store.UpdateTaskStatus(taskID, from, types.StatusFailed,
			&store.StatusPatch{Result: reason}); err == nil {
			break
		}
	}
	e.bus.Publish(events.New(events.EventTaskFailed, taskID, "", map[string]interface{}{
		"reason": reason,
	}))
	log.Printf("[CONSENSUS] task failed: task=%s reason=%s", taskID, reason)
}
