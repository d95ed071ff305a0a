// Package metrics derives counters and timings from the event stream
// and persists them as time series for the dashboard.
package metrics

import (
	"log"
	"sync"
	"time"

	"github.com/agentfusion/internal/events"
)

// Sink is where derived samples are persisted
type Sink interface {
	RecordMetric(name string, tags map[string]string, value float64, ts time.Time) error
}

// Snapshot is the aggregate view served to dashboards
type Snapshot struct {
	TasksCreated   uint64            `json:"tasks_created"`
	TasksCompleted uint64            `json:"tasks_completed"`
	TasksFailed    uint64            `json:"tasks_failed"`
	Proposals      uint64            `json:"proposals"`
	Decisions      uint64            `json:"decisions"`
	ConsensusHits  uint64            `json:"consensus_reached"`
	EventCounts    map[string]uint64 `json:"event_counts"`
	TakenAt        time.Time         `json:"taken_at"`
}

// Recorder subscribes to the bus and folds events into counters and
// persisted samples.
type Recorder struct {
	mu      sync.Mutex
	sink    Sink
	bus     *events.Bus
	sub     *events.Subscription
	counts  map[events.EventType]uint64
	started map[string]time.Time // taskID -> creation time
}

// NewRecorder creates a recorder over the bus. sink may be nil to keep
// counters only.
func NewRecorder(bus *events.Bus, sink Sink) *Recorder {
	return &Recorder{
		sink:    sink,
		bus:     bus,
		counts:  make(map[events.EventType]uint64),
		started: make(map[string]time.Time),
	}
}

// Start subscribes to every topic
func (r *Recorder) Start() {
	r.sub = r.bus.Subscribe(events.TopicAll, r.onEvent)
}

// Stop unsubscribes
func (r *Recorder) Stop() {
	if r.sub != nil {
		r.bus.Unsubscribe(r.sub)
		r.sub = nil
	}
}

func (r *Recorder) onEvent(ev events.Event) {
	r.mu.Lock()
	r.counts[ev.Type]++

	var durationMS float64
	var outcome string
	switch ev.Type {
	case events.EventTaskCreated:
		r.started[ev.TaskID] = ev.CreatedAt
	case events.EventTaskCompleted, events.EventTaskFailed:
		if start, ok := r.started[ev.TaskID]; ok {
			durationMS = float64(ev.CreatedAt.Sub(start).Milliseconds())
			delete(r.started, ev.TaskID)
			if ev.Type == events.EventTaskCompleted {
				outcome = "completed"
			} else {
				outcome = "failed"
			}
		}
	}
	r.mu.Unlock()

	if r.sink == nil {
		return
	}
	if err := r.sink.RecordMetric("events_total",
		map[string]string{"type": string(ev.Type)}, 1, ev.CreatedAt); err != nil {
		log.Printf("[METRICS] ERROR: recording event count: %v", err)
	}
	if outcome != "" {
		if err := r.sink.RecordMetric("task_duration_ms",
			map[string]string{"outcome": outcome}, durationMS, ev.CreatedAt); err != nil {
			log.Printf("[METRICS] ERROR: recording task duration: %v", err)
		}
	}
}

// Count returns how many events of a type were observed
func (r *Recorder) Count(t events.EventType) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[t]
}

// TakeSnapshot returns the aggregate counters
func (r *Recorder) TakeSnapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		TasksCreated:   r.counts[events.EventTaskCreated],
		TasksCompleted: r.counts[events.EventTaskCompleted],
		TasksFailed:    r.counts[events.EventTaskFailed],
		Proposals:      r.counts[events.EventProposalSubmitted],
		Decisions:      r.counts[events.EventDecisionMade],
		ConsensusHits:  r.counts[events.EventConsensusReached],
		EventCounts:    make(map[string]uint64, len(r.counts)),
		TakenAt:        time.Now(),
	}
	for k, v := range r.counts {
		snap.EventCounts[string(k)] = v
	}
	return snap
}
