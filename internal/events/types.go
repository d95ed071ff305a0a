package events

import (
	"time"

	"github.com/google/uuid"
)

// Topic is a named event stream
type Topic string

// Bus topics
const (
	TopicTasks     Topic = "tasks"
	TopicProposals Topic = "proposals"
	TopicDecisions Topic = "decisions"
	TopicAgents    Topic = "agents"
	TopicMetrics   Topic = "metrics"
	TopicAll       Topic = "*"
)

// ValidTopic reports whether t is a subscribable topic
func ValidTopic(t Topic) bool {
	switch t {
	case TopicTasks, TopicProposals, TopicDecisions, TopicAgents, TopicMetrics, TopicAll:
		return true
	}
	return false
}

// EventType tags a domain event
type EventType string

// Domain event types
const (
	EventTaskCreated        EventType = "task_created"
	EventTaskStatusChanged  EventType = "task_status_changed"
	EventTaskAssigned       EventType = "task_assigned"
	EventProposalSubmitted  EventType = "proposal_submitted"
	EventConsensusReached   EventType = "consensus_reached"
	EventDecisionMade       EventType = "decision_made"
	EventTaskCompleted      EventType = "task_completed"
	EventTaskFailed         EventType = "task_failed"
	EventAgentStatusChanged EventType = "agent_status_changed"
	EventMetricRecorded     EventType = "metric_recorded"
)

// topicForType routes each event type onto its topic
var topicForType = map[EventType]Topic{
	EventTaskCreated:        TopicTasks,
	EventTaskStatusChanged:  TopicTasks,
	EventTaskAssigned:       TopicTasks,
	EventTaskCompleted:      TopicTasks,
	EventTaskFailed:         TopicTasks,
	EventProposalSubmitted:  TopicProposals,
	EventConsensusReached:   TopicDecisions,
	EventDecisionMade:       TopicDecisions,
	EventAgentStatusChanged: TopicAgents,
	EventMetricRecorded:     TopicMetrics,
}

// TopicFor returns the topic an event type is published on
func TopicFor(t EventType) Topic {
	if topic, ok := topicForType[t]; ok {
		return topic
	}
	return TopicAll
}

// Event is a domain event. Events are values; the bus hands each
// subscriber its own copy. Seq is assigned by the bus at publish time
// and increases monotonically per bus instance.
type Event struct {
	Seq       uint64                 `json:"seq"`
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Topic     Topic                  `json:"topic"`
	TaskID    string                 `json:"task_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// New creates an event with a fresh ID and timestamp. Seq and Topic are
// filled in by the bus on publish.
func New(eventType EventType, taskID, agentID string, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		TaskID:    taskID,
		AgentID:   agentID,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}
