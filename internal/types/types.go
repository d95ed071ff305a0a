package types

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents a task lifecycle state
type TaskStatus string

// Task lifecycle states
const (
	StatusPending      TaskStatus = "PENDING"
	StatusAssigned     TaskStatus = "ASSIGNED"
	StatusInProgress   TaskStatus = "IN_PROGRESS"
	StatusWaitingInput TaskStatus = "WAITING_INPUT"
	StatusDeciding     TaskStatus = "DECIDING"
	StatusCompleted    TaskStatus = "COMPLETED"
	StatusFailed       TaskStatus = "FAILED"
	StatusCancelled    TaskStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// allowedTransitions is the task state machine.
// Any non-terminal state may additionally move to FAILED or CANCELLED.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	StatusPending:      {StatusAssigned},
	StatusAssigned:     {StatusInProgress, StatusWaitingInput},
	StatusInProgress:   {StatusWaitingInput, StatusDeciding, StatusCompleted},
	StatusWaitingInput: {StatusInProgress, StatusDeciding},
	StatusDeciding:     {StatusCompleted, StatusWaitingInput},
}

// CanTransition reports whether from -> to is a legal status change
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return false
	}
	if !from.IsTerminal() && (to == StatusFailed || to == StatusCancelled) {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskType classifies what kind of work a task is
type TaskType string

// Task type tags
const (
	TaskImplementation TaskType = "IMPLEMENTATION"
	TaskArchitecture   TaskType = "ARCHITECTURE"
	TaskReview         TaskType = "REVIEW"
	TaskResearch       TaskType = "RESEARCH"
	TaskBugfix         TaskType = "BUGFIX"
	TaskDocumentation  TaskType = "DOCUMENTATION"
	TaskRefactoring    TaskType = "REFACTORING"
	TaskTesting        TaskType = "TESTING"
)

// ValidTaskType reports whether t is one of the known task type tags
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskImplementation, TaskArchitecture, TaskReview, TaskResearch,
		TaskBugfix, TaskDocumentation, TaskRefactoring, TaskTesting:
		return true
	}
	return false
}

// WorkflowRole describes where a task sits in a larger workflow
type WorkflowRole string

// Workflow roles
const (
	RoleExecution  WorkflowRole = "EXECUTION"
	RoleReview     WorkflowRole = "REVIEW"
	RoleFollowUp   WorkflowRole = "FOLLOW_UP"
	RoleEscalation WorkflowRole = "ESCALATION"
)

// RoutingStrategy names how a task is distributed to agents
type RoutingStrategy string

// Routing strategies
const (
	RouteSolo       RoutingStrategy = "SOLO"
	RouteSequential RoutingStrategy = "SEQUENTIAL"
	RouteParallel   RoutingStrategy = "PARALLEL"
	RouteReview     RoutingStrategy = "REVIEW"
	RouteConsensus  RoutingStrategy = "CONSENSUS"
	RouteAdaptive   RoutingStrategy = "ADAPTIVE"
	RouteAssign     RoutingStrategy = "ASSIGN"
)

// Task is the unit of work coordinated by the orchestrator.
// Tasks are owned by the store; callers receive snapshots.
type Task struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Type         TaskType          `json:"type"`
	Complexity   int               `json:"complexity"` // 1-10
	Risk         int               `json:"risk"`       // 1-10
	Routing      RoutingStrategy   `json:"routing"`
	CreatorID    string            `json:"creator_id"`
	Assignees    []string          `json:"assignees"`
	Status       TaskStatus        `json:"status"`
	Role         WorkflowRole      `json:"role"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ParentTaskID string            `json:"parent_task_id,omitempty"`
	Result       string            `json:"result,omitempty"`
	Round        int               `json:"round"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	DueAt        *time.Time        `json:"due_at,omitempty"`
}

// HasAssignee reports whether agentID is among the task's assignees
func (t *Task) HasAssignee(agentID string) bool {
	for _, a := range t.Assignees {
		if a == agentID {
			return true
		}
	}
	return false
}

// InputType tags what kind of content a proposal carries
type InputType string

// Proposal input types
const (
	InputArchitecturalPlan InputType = "ARCHITECTURAL_PLAN"
	InputCodeReview        InputType = "CODE_REVIEW"
	InputResearchSummary   InputType = "RESEARCH_SUMMARY"
	InputInitialSolution   InputType = "INITIAL_SOLUTION"
	InputRefinement        InputType = "REFINEMENT"
	InputHumanDecision     InputType = "HUMAN_DECISION"
)

// MaxProposalContentBytes caps proposal content size
const MaxProposalContentBytes = 100 * 1024

// Proposal is an agent's response to a task. Immutable after submission;
// a revision is a new proposal linked through RevisionOf.
type Proposal struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id"`
	InputType   InputType `json:"input_type"`
	Content     string    `json:"content"`
	Confidence  float64   `json:"confidence"` // [0,1]
	TokensIn    int       `json:"tokens_in"`
	TokensOut   int       `json:"tokens_out"`
	RevisionOf  string    `json:"revision_of,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConsensusStrategy names an algorithm mapping proposals to a decision
type ConsensusStrategy string

// Consensus strategies
const (
	StrategyVoting           ConsensusStrategy = "VOTING"
	StrategyReasoningQuality ConsensusStrategy = "REASONING_QUALITY"
	StrategyMerge            ConsensusStrategy = "MERGE"
	StrategyTokenOptimize    ConsensusStrategy = "TOKEN_OPTIMIZATION"
	StrategyRRFFusion        ConsensusStrategy = "RRF_FUSION"
	StrategySolo             ConsensusStrategy = "SOLO"
)

// Decision records how a task concluded. Write-once, one per terminal task.
type Decision struct {
	ID          string            `json:"id"`
	TaskID      string            `json:"task_id"`
	Strategy    ConsensusStrategy `json:"strategy"`
	Consensus   bool              `json:"consensus"`
	WinnerID    string            `json:"winner_id,omitempty"`
	RunnerUpIDs []string          `json:"runner_up_ids,omitempty"`
	Content     string            `json:"content"`
	Confidence  float64           `json:"confidence"`
	TotalTokens int               `json:"total_tokens"`
	TokensSaved int               `json:"tokens_saved"`
	Partial     bool              `json:"partial"`
	Rationale   string            `json:"rationale"`
	DecidedAt   time.Time         `json:"decided_at"`
}

// Capability is a named skill an agent can apply to tasks
type Capability string

// Capability vocabulary
const (
	CapImplementation Capability = "IMPLEMENTATION"
	CapArchitecture   Capability = "ARCHITECTURE"
	CapReview         Capability = "REVIEW"
	CapResearch       Capability = "RESEARCH"
	CapBugfix         Capability = "BUGFIX"
	CapDocumentation  Capability = "DOCUMENTATION"
	CapRefactoring    Capability = "REFACTORING"
	CapTesting        Capability = "TESTING"
	CapPlanning       Capability = "PLANNING"
)

// CapabilityForTaskType maps a task type to the capability it requires
func CapabilityForTaskType(t TaskType) Capability {
	return Capability(t)
}

// AgentStatus is an agent's availability
type AgentStatus string

// Agent availability states
const (
	AgentOnline  AgentStatus = "ONLINE"
	AgentBusy    AgentStatus = "BUSY"
	AgentOffline AgentStatus = "OFFLINE"
)

// AgentRecord describes a registered agent. Owned by the registry;
// lookups return copies.
type AgentRecord struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Name         string                 `json:"name"`
	Capabilities map[Capability]float64 `json:"capabilities"` // capability -> strength [0,1]
	Status       AgentStatus            `json:"status"`
	LastChecked  time.Time              `json:"last_checked"`
	LatencyEMA   float64                `json:"latency_ema_ms"`
}

// Supports reports whether the agent supports every required capability
func (a *AgentRecord) Supports(required []Capability) bool {
	for _, c := range required {
		if _, ok := a.Capabilities[c]; !ok {
			return false
		}
	}
	return true
}

// Strength returns the agent's strength on a capability (0 if unsupported)
func (a *AgentRecord) Strength(c Capability) float64 {
	return a.Capabilities[c]
}

// Directives are caller-supplied routing hints
type Directives struct {
	ForceConsensus   bool   `json:"forceConsensus,omitempty"`
	PreventConsensus bool   `json:"preventConsensus,omitempty"`
	SkipConsensus    bool   `json:"skipConsensus,omitempty"`
	AssignToAgent    string `json:"assignToAgent,omitempty"`
	IsEmergency      bool   `json:"isEmergency,omitempty"`
	MultiStage       bool   `json:"multiStage,omitempty"`
	OriginalText     string `json:"originalText,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

// NewID returns a fresh opaque identifier
func NewID() string {
	return uuid.New().String()
}

// EstimateTokens applies the 4-chars-per-token heuristic
func EstimateTokens(content string) int {
	n := len(content) / 4
	if n < 1 && len(content) > 0 {
		n = 1
	}
	return n
}
