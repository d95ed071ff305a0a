package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/agentfusion/internal/agentcomm"
	"github.com/agentfusion/internal/events"
	"github.com/agentfusion/internal/store"
	"github.com/agentfusion/internal/types"
)

// dispatch pushes work through the task's assignees in order. Used by
// SOLO, ASSIGN, ADAPTIVE, SEQUENTIAL, and REVIEW flows; consensus and
// parallel tasks are pull-based instead.
func (o *Orchestrator) dispatch(task *types.Task) {
	if o.transport == nil {
		// Pull-only deployment: agents poll pending tasks. Move the task
		// into collection so their submissions are accepted.
		if _, err := o.store.UpdateTaskStatus(task.ID, types.StatusAssigned, types.StatusWaitingInput, nil); err != nil {
			log.Printf("[ORCH] ERROR: parking task %s for polling: %v", task.ID, err)
		}
		return
	}

	if _, err := o.store.UpdateTaskStatus(task.ID, types.StatusAssigned, types.StatusInProgress, nil); err != nil {
		log.Printf("[ORCH] ERROR: starting dispatch for %s: %v", task.ID, err)
		return
	}

	// Registered so cancel_task can abandon the in-flight call.
	taskCtx, cancel := context.WithCancel(o.ctx)
	o.mu.Lock()
	o.inflight[task.ID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.inflight, task.ID)
		o.mu.Unlock()
	}()

	var previous string
	for stage, agentID := range task.Assignees {
		resp, err := o.callWithRetry(taskCtx, task, agentID, stage, previous)
		if taskCtx.Err() != nil {
			// Cancelled mid-call; the cancel path already settled the task.
			return
		}
		if err != nil {
			o.dispatchFailed(task.ID, agentID, err)
			return
		}

		proposal := &types.Proposal{
			TaskID:     task.ID,
			AgentID:    agentID,
			InputType:  types.InputType(resp.InputType),
			Content:    resp.Content,
			Confidence: resp.Confidence,
			TokensIn:   resp.TokensIn,
			TokensOut:  resp.TokensOut,
		}
		if proposal.InputType == "" {
			proposal.InputType = types.InputInitialSolution
		}
		proposalID, err := o.store.PutProposal(proposal)
		if err != nil {
			o.dispatchFailed(task.ID, agentID, err)
			return
		}
		previous = resp.Content

		last := stage == len(task.Assignees)-1
		if last {
			// Move into collection before the event lands so the
			// consensus engine's compare-and-set finds WAITING_INPUT.
			if _, err := o.store.UpdateTaskStatus(task.ID, types.StatusInProgress, types.StatusWaitingInput, nil); err != nil &&
				!errors.Is(err, types.ErrConflictingState) {
				log.Printf("[ORCH] ERROR: parking task %s after final stage: %v", task.ID, err)
				return
			}
			o.maybeUpgradeAdaptive(task, proposal)
		}

		o.bus.Publish(events.New(events.EventProposalSubmitted, task.ID, agentID, map[string]interface{}{
			"proposal_id": proposalID,
			"confidence":  proposal.Confidence,
			"stage":       stage,
		}))
	}
}

// callWithRetry dispatches one stage with exponential backoff on
// transient failures.
func (o *Orchestrator) callWithRetry(ctx context.Context, task *types.Task, agentID string, stage int, previous string) (*agentcomm.Response, error) {
	prompt := o.buildPrompt(task, previous)
	req := &agentcomm.Request{
		TaskID: task.ID,
		Prompt: prompt,
		Stage:  stage,
	}

	var lastErr error
	backoff := o.cfg.RetryBase
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.StageDeadline)
		start := time.Now()
		resp, err := o.transport.Call(callCtx, agentID, req)
		cancel()

		if err == nil {
			o.registry.RecordLatency(agentID, float64(time.Since(start).Milliseconds()))
			return resp, nil
		}
		lastErr = err
		if !agentcomm.IsTransient(err) {
			return nil, err
		}
		log.Printf("[ORCH] transient dispatch failure (attempt %d/%d): task=%s agent=%s: %v",
			attempt+1, o.cfg.MaxRetries+1, task.ID, agentID, err)
	}
	return nil, fmt.Errorf("retries exhausted for agent %s: %w", agentID, lastErr)
}

// buildPrompt assembles the agent prompt: task description, retrieved
// context, and any prior stage output. Context failure is non-fatal.
func (o *Orchestrator) buildPrompt(task *types.Task, previous string) string {
	var sb strings.Builder
	sb.WriteString(task.Title)
	sb.WriteString("\n\n")
	sb.WriteString(task.Description)

	snippets, err := o.contextp.Query(o.ctx, task.Description, "", 2000)
	if err != nil {
		log.Printf("[ORCH] context omitted for task %s: %v", task.ID, err)
	}
	for _, s := range snippets {
		sb.WriteString("\n\n--- context: ")
		sb.WriteString(s.Path)
		sb.WriteString(" ---\n")
		sb.WriteString(s.Content)
	}

	if previous != "" {
		sb.WriteString("\n\n--- previous stage output ---\n")
		sb.WriteString(previous)
	}
	return sb.String()
}

// dispatchFailed handles a stage that could not complete (retries
// exhausted, a permanent transport error, or a failed proposal write):
// the task fails with an explanatory summary.
func (o *Orchestrator) dispatchFailed(taskID, agentID string, err error) {
	log.Printf("[ORCH] dispatch failed: task=%s agent=%s: %v", taskID, agentID, err)
	o.consensus.Release(taskID)
	reason := fmt.Sprintf("dispatch to %s failed: %v", agentID, err)
	for _, from := range []types.TaskStatus{types.StatusInProgress, types.StatusAssigned, types.StatusWaitingInput} {
		if _, uerr := o.store.UpdateTaskStatus(taskID, from, types.StatusFailed,
			&store.StatusPatch{Result: reason}); uerr == nil {
			break
		}
	}
	o.bus.Publish(events.New(events.EventTaskFailed, taskID, agentID, map[string]interface{}{
		"reason": reason,
	}))
}

// maybeUpgradeAdaptive converts an adaptive task to consensus when its
// first proposal lands below the confidence threshold. Existing
// proposals are kept; only new agents are added and awaited.
func (o *Orchestrator) maybeUpgradeAdaptive(task *types.Task, proposal *types.Proposal) {
	if task.Routing != types.RouteAdaptive {
		return
	}
	if proposal.Confidence >= o.cfg.UpgradeThreshold {
		return
	}

	fresh, err := o.store.GetTask(task.ID)
	if err != nil || fresh.Metadata["adaptive.upgraded"] == "true" {
		return
	}

	additional, err := o.router.Additional(fresh, fresh.Assignees)
	if err != nil {
		log.Printf("[ORCH] adaptive upgrade skipped for %s: %v", task.ID, err)
		return
	}

	combined := append(append([]string{}, fresh.Assignees...), additional...)
	if err := o.store.MergeTaskMetadata(task.ID, map[string]string{
		"adaptive.upgraded": "true",
		"adaptive.reason": fmt.Sprintf("confidence %.2f below threshold %.2f",
			proposal.Confidence, o.cfg.UpgradeThreshold),
	}); err != nil {
		log.Printf("[ORCH] ERROR: recording adaptive upgrade for %s: %v", task.ID, err)
		return
	}
	if err := o.store.UpdateAssignees(task.ID, combined); err != nil {
		log.Printf("[ORCH] ERROR: widening assignees for %s: %v", task.ID, err)
		return
	}

	// Replace the solo expectation: only the new participants are
	// outstanding; the existing proposal stays in the set.
	o.consensus.Expect(task.ID, additional, o.cfg.DefaultStrategy, 0)

	o.bus.Publish(events.New(events.EventTaskAssigned, task.ID, "", map[string]interface{}{
		"agents":  additional,
		"upgrade": "adaptive",
	}))
	log.Printf("[ORCH] adaptive task upgraded to consensus: task=%s added=%v", task.ID, additional)
}
