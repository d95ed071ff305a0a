package store

import (
	"errors"
	"testing"
	"time"

	"github.com/agentfusion/internal/events"
	"github.com/agentfusion/internal/types"
)

// newTestStore opens an in-memory database on a single connection
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", 1)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask() *types.Task {
	return &types.Task{
		Title:       "Add retry to uploader",
		Description: "wrap the upload call with backoff",
		Type:        types.TaskImplementation,
		Complexity:  4,
		Risk:        3,
		CreatorID:   "agent-a",
	}
}

func TestCreateGetTask_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	task := newTask()
	task.Metadata = map[string]string{"origin": "cli"}
	id, err := s.CreateTask(task)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if id == "" {
		t.Fatal("expected assigned ID")
	}

	got, err := s.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != task.Title || got.Type != task.Type || got.Complexity != 4 {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.Status != types.StatusPending {
		t.Errorf("expected PENDING, got %s", got.Status)
	}
	if got.Metadata["origin"] != "cli" {
		t.Errorf("metadata lost: %+v", got.Metadata)
	}
}

func TestCreateTask_RejectsOutOfRangeScores(t *testing.T) {
	s := newTestStore(t)

	for _, c := range []int{0, 11} {
		task := newTask()
		task.Complexity = c
		if _, err := s.CreateTask(task); !types.IsInvalidArgument(err) {
			t.Errorf("complexity=%d: expected InvalidArgument, got %v", c, err)
		}
	}
	task := newTask()
	task.Risk = 0
	if _, err := s.CreateTask(task); !types.IsInvalidArgument(err) {
		t.Errorf("risk=0: expected InvalidArgument, got %v", err)
	}
}

func TestUpdateTaskStatus_CompareAndSet(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateTask(newTask())

	assignees := []string{"agent-b"}
	got, err := s.UpdateTaskStatus(id, types.StatusPending, types.StatusAssigned,
		&StatusPatch{Assignees: &assignees, Routing: types.RouteSolo})
	if err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	if got.Status != types.StatusAssigned || len(got.Assignees) != 1 {
		t.Errorf("patch not applied: %+v", got)
	}

	// Losing CAS caller observes ConflictingState.
	_, err = s.UpdateTaskStatus(id, types.StatusPending, types.StatusAssigned, nil)
	if !errors.Is(err, types.ErrConflictingState) {
		t.Errorf("expected ErrConflictingState, got %v", err)
	}
}

func TestUpdateTaskStatus_IllegalTransitionRejected(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateTask(newTask())

	if _, err := s.UpdateTaskStatus(id, types.StatusPending, types.StatusCompleted, nil); !types.IsInvalidArgument(err) {
		t.Errorf("PENDING->COMPLETED should be rejected, got %v", err)
	}

	// FAILED is reachable from any non-terminal state.
	if _, err := s.UpdateTaskStatus(id, types.StatusPending, types.StatusFailed, nil); err != nil {
		t.Errorf("PENDING->FAILED should be allowed: %v", err)
	}
}

func TestUpdateTaskStatus_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateTaskStatus("missing", types.StatusPending, types.StatusAssigned, nil)
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListTasks_FilterAndPage(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		task := newTask()
		task.Risk = i + 3
		if i%2 == 0 {
			task.Type = types.TaskBugfix
		}
		s.CreateTask(task)
	}

	tasks, total, err := s.ListTasks(
		TaskFilter{Type: types.TaskBugfix},
		TaskSort{Column: "risk", Desc: true},
		TaskPage{Limit: 2})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 3 {
		t.Errorf("expected total 3 bugfix tasks, got %d", total)
	}
	if len(tasks) != 2 {
		t.Errorf("expected page of 2, got %d", len(tasks))
	}
	if len(tasks) == 2 && tasks[0].Risk < tasks[1].Risk {
		t.Error("expected risk DESC ordering")
	}

	_, total, _ = s.ListTasks(TaskFilter{MinRisk: 6}, TaskSort{}, TaskPage{})
	if total != 2 {
		t.Errorf("expected 2 tasks with risk >= 6, got %d", total)
	}
}

func TestGetPendingFor(t *testing.T) {
	s := newTestStore(t)

	id, _ := s.CreateTask(newTask())
	assignees := []string{"agent-b", "agent-c"}
	s.UpdateTaskStatus(id, types.StatusPending, types.StatusAssigned, &StatusPatch{Assignees: &assignees})

	other, _ := s.CreateTask(newTask())
	otherAssignees := []string{"agent-z"}
	s.UpdateTaskStatus(other, types.StatusPending, types.StatusAssigned, &StatusPatch{Assignees: &otherAssignees})

	pending, err := s.GetPendingFor("agent-b")
	if err != nil {
		t.Fatalf("GetPendingFor: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Errorf("expected exactly the assigned task, got %d", len(pending))
	}

	if p, _ := s.GetPendingFor("nobody"); len(p) != 0 {
		t.Errorf("expected no pending tasks for unknown agent, got %d", len(p))
	}
}

func TestPutProposal_IdempotentAndSupersedes(t *testing.T) {
	s := newTestStore(t)
	taskID, _ := s.CreateTask(newTask())

	p := &types.Proposal{
		TaskID:     taskID,
		AgentID:    "agent-b",
		InputType:  types.InputInitialSolution,
		Content:    "use exponential backoff",
		Confidence: 0.8,
	}
	id1, err := s.PutProposal(p)
	if err != nil {
		t.Fatalf("PutProposal: %v", err)
	}

	// Same content again is a no-op returning the same ID.
	dup := &types.Proposal{
		TaskID:     taskID,
		AgentID:    "agent-b",
		InputType:  types.InputInitialSolution,
		Content:    "use exponential backoff",
		Confidence: 0.8,
	}
	id2, err := s.PutProposal(dup)
	if err != nil {
		t.Fatalf("duplicate PutProposal: %v", err)
	}
	if id2 != id1 {
		t.Errorf("duplicate submit should return existing ID %s, got %s", id1, id2)
	}

	// New content supersedes the previous active proposal.
	rev := &types.Proposal{
		TaskID:     taskID,
		AgentID:    "agent-b",
		InputType:  types.InputRefinement,
		Content:    "use jittered exponential backoff",
		Confidence: 0.85,
	}
	id3, err := s.PutProposal(rev)
	if err != nil {
		t.Fatalf("revision PutProposal: %v", err)
	}

	active, _ := s.ListProposals(taskID)
	if len(active) != 1 || active[0].ID != id3 {
		t.Fatalf("expected single active proposal %s, got %d", id3, len(active))
	}
	if active[0].RevisionOf != id1 {
		t.Errorf("expected revision_of %s, got %s", id1, active[0].RevisionOf)
	}

	all, _ := s.ListAllProposals(taskID)
	if len(all) != 2 {
		t.Errorf("expected 2 proposals including superseded, got %d", len(all))
	}
}

func TestPutProposal_Validation(t *testing.T) {
	s := newTestStore(t)
	taskID, _ := s.CreateTask(newTask())

	bad := &types.Proposal{TaskID: taskID, AgentID: "a", Confidence: 1.5, Content: "x"}
	if _, err := s.PutProposal(bad); !types.IsInvalidArgument(err) {
		t.Errorf("expected InvalidArgument for confidence 1.5, got %v", err)
	}

	missing := &types.Proposal{TaskID: "nope", AgentID: "a", Confidence: 0.5, Content: "x"}
	if _, err := s.PutProposal(missing); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown task, got %v", err)
	}
}

func TestPutDecision_OnePerTaskAndAtomicComplete(t *testing.T) {
	s := newTestStore(t)
	taskID, _ := s.CreateTask(newTask())
	assignees := []string{"agent-b"}
	s.UpdateTaskStatus(taskID, types.StatusPending, types.StatusAssigned, &StatusPatch{Assignees: &assignees})
	s.UpdateTaskStatus(taskID, types.StatusAssigned, types.StatusWaitingInput, nil)
	s.UpdateTaskStatus(taskID, types.StatusWaitingInput, types.StatusDeciding, nil)

	p := &types.Proposal{TaskID: taskID, AgentID: "agent-b", Content: "done", Confidence: 0.9}
	pid, _ := s.PutProposal(p)

	d := &types.Decision{
		TaskID:     taskID,
		Strategy:   types.StrategyVoting,
		Consensus:  true,
		WinnerID:   pid,
		Content:    "done",
		Confidence: 0.9,
	}
	if err := s.PutDecision(d, true, types.StatusDeciding); err != nil {
		t.Fatalf("PutDecision: %v", err)
	}

	task, _ := s.GetTask(taskID)
	if task.Status != types.StatusCompleted {
		t.Errorf("expected COMPLETED after atomic decision, got %s", task.Status)
	}
	if task.CompletedAt == nil {
		t.Error("expected completed_at set")
	}

	// Second decision for the same task is rejected.
	again := &types.Decision{TaskID: taskID, Strategy: types.StrategyVoting, Confidence: 0.5}
	if err := s.PutDecision(again, false, ""); !errors.Is(err, types.ErrConflictingState) {
		t.Errorf("expected ErrConflictingState for second decision, got %v", err)
	}

	got, err := s.GetDecision(taskID)
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if got.WinnerID != pid || !got.Consensus {
		t.Errorf("decision round-trip mismatch: %+v", got)
	}
}

func TestPutDecision_RejectsForeignProposal(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.CreateTask(newTask())
	t2, _ := s.CreateTask(newTask())

	p := &types.Proposal{TaskID: t2, AgentID: "agent-b", Content: "other", Confidence: 0.5}
	pid, _ := s.PutProposal(p)

	d := &types.Decision{TaskID: t1, Strategy: types.StrategyVoting, WinnerID: pid, Confidence: 0.5}
	if err := s.PutDecision(d, false, ""); !types.IsInvalidArgument(err) {
		t.Errorf("expected InvalidArgument for cross-task proposal ref, got %v", err)
	}
}

func TestPutDecision_FailedCommitRollsBack(t *testing.T) {
	s := newTestStore(t)
	taskID, _ := s.CreateTask(newTask())
	// Task is still PENDING; completing with expectedFrom=DECIDING must
	// roll the whole transaction back.
	d := &types.Decision{TaskID: taskID, Strategy: types.StrategyVoting, Confidence: 0.5}
	err := s.PutDecision(d, true, types.StatusDeciding)
	if !errors.Is(err, types.ErrConflictingState) {
		t.Fatalf("expected ErrConflictingState, got %v", err)
	}
	if _, err := s.GetDecision(taskID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("decision row should have rolled back, got %v", err)
	}
}

func TestMetrics_RecordAndBucket(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		err := s.RecordMetric("task_duration_ms", map[string]string{"strategy": "SOLO"},
			float64(100+i*10), base.Add(time.Duration(i)*30*time.Second))
		if err != nil {
			t.Fatalf("RecordMetric: %v", err)
		}
	}

	buckets, err := s.QueryMetric("task_duration_ms", MetricFilter{}, time.Minute)
	if err != nil {
		t.Fatalf("QueryMetric: %v", err)
	}
	if len(buckets) != 3 {
		t.Fatalf("expected 3 one-minute buckets, got %d", len(buckets))
	}
	if buckets[0].Count != 2 || buckets[0].Min != 100 || buckets[0].Max != 110 {
		t.Errorf("first bucket wrong: %+v", buckets[0])
	}
}

func TestEventsLog_AppendListPrune(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 10; i++ {
		ev := events.New(events.EventTaskCreated, "task-1", "", nil)
		ev.Seq = uint64(i)
		ev.Topic = events.TopicTasks
		if err := s.Append(ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.ListEvents(4, "", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 6 || got[0].Seq != 5 {
		t.Errorf("expected events 5..10, got %d starting %d", len(got), got[0].Seq)
	}

	removed, err := s.PruneEvents(3)
	if err != nil {
		t.Fatalf("PruneEvents: %v", err)
	}
	if removed != 7 {
		t.Errorf("expected 7 pruned, got %d", removed)
	}
	rest, _ := s.ListEvents(0, "", 0)
	if len(rest) != 3 || rest[0].Seq != 8 {
		t.Errorf("expected newest 3 kept, got %d", len(rest))
	}
}

func TestSaveListAgents(t *testing.T) {
	s := newTestStore(t)

	a := &types.AgentRecord{
		ID:   "agent-a",
		Type: "terminal",
		Name: "Terminal Assistant",
		Capabilities: map[types.Capability]float64{
			types.CapImplementation: 0.9,
		},
		Status:      types.AgentOnline,
		LastChecked: time.Now().UTC(),
		LatencyEMA:  12.5,
	}
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	a.Status = types.AgentBusy
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("SaveAgent upsert: %v", err)
	}

	agents, err := s.ListAgents()
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 1 || agents[0].Status != types.AgentBusy {
		t.Errorf("upsert mismatch: %+v", agents)
	}
	if agents[0].Capabilities[types.CapImplementation] != 0.9 {
		t.Errorf("capabilities lost: %+v", agents[0].Capabilities)
	}
}
