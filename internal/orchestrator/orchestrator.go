// Package orchestrator owns the task state machine: routing, dispatch,
// proposal collection, and completion all sequence through here.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentfusion/internal/agentcomm"
	"github.com/agentfusion/internal/consensus"
	"github.com/agentfusion/internal/contextclient"
	"github.com/agentfusion/internal/events"
	"github.com/agentfusion/internal/registry"
	"github.com/agentfusion/internal/routing"
	"github.com/agentfusion/internal/store"
	"github.com/agentfusion/internal/types"
)

// Config tunes dispatch retries and the adaptive upgrade
type Config struct {
	MaxRetries       int
	RetryBase        time.Duration // first backoff step
	StageDeadline    time.Duration // per agent call
	UpgradeThreshold float64       // adaptive: upgrade below this confidence
	DefaultStrategy  types.ConsensusStrategy
}

// DefaultConfig returns the standard orchestration tuning
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		RetryBase:        500 * time.Millisecond,
		StageDeadline:    30 * time.Second,
		UpgradeThreshold: 0.6,
		DefaultStrategy:  types.StrategyVoting,
	}
}

// Orchestrator wires the store, bus, registry, router, consensus engine,
// agent transport, and context provider into the per-task control flow.
type Orchestrator struct {
	store     *store.Store
	bus       *events.Bus
	registry  *registry.Registry
	router    *routing.Engine
	consensus *consensus.Engine
	transport agentcomm.Transport
	contextp  contextclient.Provider
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // taskID -> in-flight dispatch cancel
}

// New creates the orchestrator. transport and contextp may be nil-safe
// fallbacks in tests.
func New(s *store.Store, bus *events.Bus, reg *registry.Registry, router *routing.Engine,
	ce *consensus.Engine, transport agentcomm.Transport, contextp contextclient.Provider, cfg Config) *Orchestrator {
	if cfg.RetryBase == 0 {
		cfg = DefaultConfig()
	}
	if contextp == nil {
		contextp = contextclient.Noop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     s,
		bus:       bus,
		registry:  reg,
		router:    router,
		consensus: ce,
		transport: transport,
		contextp:  contextp,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[string]context.CancelFunc),
	}
}

// Stop cancels all in-flight dispatches
func (o *Orchestrator) Stop() {
	o.cancel()
}

// strategyForRouting maps a routing strategy onto the consensus strategy
// used to close the task.
func (o *Orchestrator) strategyForRouting(r types.RoutingStrategy) types.ConsensusStrategy {
	switch r {
	case types.RouteSolo, types.RouteAssign, types.RouteAdaptive:
		return types.StrategySolo
	case types.RouteSequential:
		return types.StrategyMerge
	case types.RouteReview:
		return types.StrategyReasoningQuality
	default:
		if o.cfg.DefaultStrategy != "" {
			return o.cfg.DefaultStrategy
		}
		return types.StrategyVoting
	}
}

// CreateTask validates, persists, routes, and launches a task. It is the
// backing of create_consensus_task, create_simple_task, and assign_task.
func (o *Orchestrator) CreateTask(params *types.CreateTaskParams, callerID string) (*types.CreateTaskResult, error) {
	if params.Title == "" {
		return nil, types.InvalidArgf("title", "must not be empty")
	}
	taskType := types.TaskType(params.Type)
	if params.Type == "" {
		taskType = types.TaskImplementation
	} else if !types.ValidTaskType(taskType) {
		return nil, types.InvalidArgf("type", "unknown task type %q", params.Type)
	}
	complexity := params.Complexity
	if complexity == 0 {
		complexity = 3
	}
	risk := params.Risk
	if risk == 0 {
		risk = 3
	}
	if complexity < 1 || complexity > 10 {
		return nil, types.InvalidArgf("complexity", "must be in [1,10], got %d", params.Complexity)
	}
	if risk < 1 || risk > 10 {
		return nil, types.InvalidArgf("risk", "must be in [1,10], got %d", params.Risk)
	}

	role := types.WorkflowRole(params.RoleInWorkflow)
	if role == "" {
		role = types.RoleExecution
	}

	directives := params.Directives
	if params.SkipConsensus {
		directives.SkipConsensus = true
	}
	if params.TargetAgent != "" {
		directives.AssignToAgent = params.TargetAgent
	}

	task := &types.Task{
		Title:       params.Title,
		Description: params.Description,
		Type:        taskType,
		Complexity:  complexity,
		Risk:        risk,
		CreatorID:   callerID,
		Role:        role,
	}

	id, err := o.store.CreateTask(task)
	if err != nil {
		return nil, err
	}
	o.bus.Publish(events.New(events.EventTaskCreated, id, callerID, map[string]interface{}{
		"title": task.Title,
		"type":  string(task.Type),
	}))

	decision, err := o.router.Route(task, directives)
	if err != nil {
		if errors.Is(err, types.ErrNoEligibleAgent) {
			o.failTask(id, types.StatusPending, fmt.Sprintf("routing failed: %v", err))
		}
		return nil, err
	}

	assignees := decision.Assignees
	updated, err := o.store.UpdateTaskStatus(id, types.StatusPending, types.StatusAssigned,
		&store.StatusPatch{
			Assignees: &assignees,
			Routing:   decision.Strategy,
			Metadata:  decision.Metadata(),
		})
	if err != nil {
		return nil, err
	}
	o.bus.Publish(events.New(events.EventTaskAssigned, id, callerID, map[string]interface{}{
		"agents":   assignees,
		"strategy": string(decision.Strategy),
	}))

	switch decision.Strategy {
	case types.RouteConsensus, types.RouteParallel:
		// Participants poll pending tasks and submit proposals.
		strategy := o.strategyForRouting(decision.Strategy)
		if _, err := o.store.UpdateTaskStatus(id, types.StatusAssigned, types.StatusWaitingInput, nil); err != nil {
			return nil, err
		}
		o.consensus.Expect(id, assignees, strategy, 0)

	default:
		// Solo-style flows push work to the assignees.
		strategy := o.strategyForRouting(decision.Strategy)
		o.consensus.Expect(id, assignees, strategy, 0)
		go o.dispatch(updated)
	}

	result := &types.CreateTaskResult{
		TaskID:  id,
		Status:  types.StatusAssigned,
		Routing: decision.Strategy,
	}
	if len(assignees) > 0 {
		result.PrimaryAgentID = assignees[0]
		result.ParticipantAgentIDs = assignees
	}
	return result, nil
}

// GetPending returns tasks awaiting the agent's action
func (o *Orchestrator) GetPending(agentID string) ([]*types.Task, error) {
	return o.store.GetPendingFor(agentID)
}

// GetStatus returns a task snapshot
func (o *Orchestrator) GetStatus(taskID string) (*types.Task, error) {
	return o.store.GetTask(taskID)
}

// ContinueBundle is everything an agent needs to pick a task back up
type ContinueBundle struct {
	Task      *types.Task       `json:"task"`
	Proposals []*types.Proposal `json:"proposals"`
	History   []*events.Event   `json:"history"`
	Decision  *types.Decision   `json:"decision,omitempty"`
}

// Continue returns the task with its proposals and event history
func (o *Orchestrator) Continue(taskID string) (*ContinueBundle, error) {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	proposals, err := o.store.ListAllProposals(taskID)
	if err != nil {
		return nil, err
	}
	history, err := o.store.ListEvents(0, taskID, 200)
	if err != nil {
		return nil, err
	}
	bundle := &ContinueBundle{Task: task, Proposals: proposals, History: history}
	if d, err := o.store.GetDecision(taskID); err == nil {
		bundle.Decision = d
	}
	return bundle, nil
}

// SubmitInput records an agent's proposal. Duplicate identical content
// is idempotent; new content supersedes. The proposal event is published
// only after any adaptive upgrade has been applied so the consensus
// expectation is current.
func (o *Orchestrator) SubmitInput(params *types.SubmitInputParams) (string, error) {
	if params.TaskID == "" {
		return "", types.InvalidArgf("taskId", "must not be empty")
	}
	if params.AgentID == "" {
		return "", types.InvalidArgf("agentId", "must not be empty")
	}

	task, err := o.store.GetTask(params.TaskID)
	if err != nil {
		return "", err
	}
	if task.Status.IsTerminal() {
		// Replaying an identical submission stays idempotent even after
		// the task closed; anything else conflicts.
		hash := store.HashContent(params.Content)
		if existing, err := o.store.ListProposals(task.ID); err == nil {
			for _, p := range existing {
				if p.AgentID == params.AgentID && p.ContentHash == hash {
					return p.ID, nil
				}
			}
		}
		return "", fmt.Errorf("task %s is %s: %w", task.ID, task.Status, types.ErrConflictingState)
	}
	if !task.HasAssignee(params.AgentID) && task.CreatorID != params.AgentID {
		return "", fmt.Errorf("agent %s is not a participant of task %s: %w",
			params.AgentID, task.ID, types.ErrUnauthorized)
	}

	proposal := &types.Proposal{
		TaskID:     params.TaskID,
		AgentID:    params.AgentID,
		InputType:  types.InputType(params.InputType),
		Content:    params.Content,
		Confidence: params.Confidence,
		TokensIn:   params.TokensIn,
		TokensOut:  params.TokensOut,
		RevisionOf: params.RevisionOf,
	}
	proposalID, err := o.store.PutProposal(proposal)
	if err != nil {
		return "", err
	}

	// An agent submitting against a dispatched task moves it back to
	// collection before the event lands.
	if task.Status == types.StatusInProgress {
		if _, err := o.store.UpdateTaskStatus(task.ID, types.StatusInProgress, types.StatusWaitingInput, nil); err != nil &&
			!errors.Is(err, types.ErrConflictingState) {
			return "", err
		}
	}

	o.maybeUpgradeAdaptive(task, proposal)

	o.bus.Publish(events.New(events.EventProposalSubmitted, task.ID, params.AgentID, map[string]interface{}{
		"proposal_id": proposalID,
		"confidence":  params.Confidence,
	}))
	return proposalID, nil
}

// Respond handles respond_to_task: retrieve context for the agent and
// record its response in one round trip.
func (o *Orchestrator) Respond(params *types.RespondToTaskParams) ([]types.ContextSnippet, string, error) {
	task, err := o.store.GetTask(params.TaskID)
	if err != nil {
		return nil, "", err
	}

	budget := params.MaxTokens
	if budget <= 0 {
		budget = 2000
	}
	snippets, err := o.contextp.Query(o.ctx, task.Description, "", budget)
	if err != nil {
		// Context is best-effort; the submission still proceeds.
		log.Printf("[ORCH] context query failed for task %s: %v", task.ID, err)
		snippets = nil
	}

	agentID := params.AgentID
	if agentID == "" {
		agentID = task.CreatorID
	}
	proposalID, err := o.SubmitInput(&types.SubmitInputParams{
		TaskID:     params.TaskID,
		AgentID:    agentID,
		InputType:  params.Response.InputType,
		Confidence: params.Response.Confidence,
		Content:    params.Response.Content,
	})
	if err != nil {
		return nil, "", err
	}
	return snippets, proposalID, nil
}

// Complete finalizes a task with the creator's explicit decision.
// Idempotent on an already-terminal task. Rejects non-creators.
func (o *Orchestrator) Complete(params *types.CompleteTaskParams, callerID string) (*types.Task, error) {
	task, err := o.store.GetTask(params.TaskID)
	if err != nil {
		return nil, err
	}
	if task.CreatorID != callerID {
		return nil, fmt.Errorf("only creator %s may complete task %s: %w",
			task.CreatorID, task.ID, types.ErrUnauthorized)
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	o.consensus.Release(task.ID)

	if err := o.advanceToDeciding(task); err != nil {
		return nil, err
	}

	consensusReached := params.Decision.AgreementRate >= 0.5 || params.Decision.Selected != ""
	d := &types.Decision{
		TaskID:     task.ID,
		Strategy:   o.strategyForRouting(task.Routing),
		Consensus:  consensusReached,
		WinnerID:   params.Decision.Selected,
		Content:    params.ResultSummary,
		Confidence: clamp01(params.Decision.AgreementRate),
		Rationale:  params.Decision.Rationale,
	}
	for _, pid := range params.Decision.Considered {
		if pid != params.Decision.Selected {
			d.RunnerUpIDs = append(d.RunnerUpIDs, pid)
		}
	}
	if proposals, err := o.store.ListProposals(task.ID); err == nil {
		for _, p := range proposals {
			d.TotalTokens += p.TokensIn + p.TokensOut
		}
	}

	if err := o.store.PutDecision(d, true, types.StatusDeciding); err != nil {
		return nil, err
	}

	o.bus.Publish(events.New(events.EventDecisionMade, task.ID, callerID, map[string]interface{}{
		"decision_id": d.ID,
		"explicit":    true,
	}))
	o.bus.Publish(events.New(events.EventTaskCompleted, task.ID, callerID, nil))

	return o.store.GetTask(task.ID)
}

// advanceToDeciding walks the task from wherever it is into DECIDING
func (o *Orchestrator) advanceToDeciding(task *types.Task) error {
	path := map[types.TaskStatus]types.TaskStatus{
		types.StatusPending:      types.StatusAssigned,
		types.StatusAssigned:     types.StatusInProgress,
		types.StatusInProgress:   types.StatusDeciding,
		types.StatusWaitingInput: types.StatusDeciding,
	}
	current := task.Status
	for current != types.StatusDeciding {
		next, ok := path[current]
		if !ok {
			return fmt.Errorf("task %s cannot reach DECIDING from %s: %w",
				task.ID, current, types.ErrConflictingState)
		}
		updated, err := o.store.UpdateTaskStatus(task.ID, current, next, nil)
		if err != nil {
			return err
		}
		current = updated.Status
	}
	return nil
}

// Cancel atomically cancels a non-terminal task, releasing any waiting
// consensus expectation.
func (o *Orchestrator) Cancel(taskID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("task %s already %s: %w", taskID, task.Status, types.ErrConflictingState)
	}

	// The status may move under us; retry from the refreshed state.
	for attempt := 0; attempt < 3; attempt++ {
		_, err = o.store.UpdateTaskStatus(taskID, task.Status, types.StatusCancelled,
			&store.StatusPatch{Result: reason})
		if err == nil {
			break
		}
		if !errors.Is(err, types.ErrConflictingState) {
			return err
		}
		task, err = o.store.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return fmt.Errorf("task %s already %s: %w", taskID, task.Status, types.ErrConflictingState)
		}
	}
	if err != nil {
		return err
	}

	o.consensus.Release(taskID)

	// Propagate: an in-flight agent call for this task is abandoned.
	o.mu.Lock()
	if cancelDispatch, ok := o.inflight[taskID]; ok {
		cancelDispatch()
		delete(o.inflight, taskID)
	}
	o.mu.Unlock()

	o.bus.Publish(events.New(events.EventTaskFailed, taskID, "", map[string]interface{}{
		"reason": reason,
	}))
	log.Printf("[ORCH] task cancelled: task=%s reason=%s", taskID, reason)
	return nil
}

// failTask moves a task to FAILED with an explanatory summary
func (o *Orchestrator) failTask(taskID string, from types.TaskStatus, reason string) {
	if _, err := o.store.UpdateTaskStatus(taskID, from, types.StatusFailed,
		&store.StatusPatch{Result: reason}); err != nil {
		log.Printf("[ORCH] ERROR: failing task %s: %v", taskID, err)
		return
	}
	o.bus.Publish(events.New(events.EventTaskFailed, taskID, "", map[string]interface{}{
		"reason": reason,
	}))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
