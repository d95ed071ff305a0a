package store

import (
	"encoding/json"
	"time"

	"github.com/agentfusion/internal/events"
	"github.com/agentfusion/internal/types"
)

// Append persists a published event into the events_log audit ring.
// Store satisfies events.Log.
func (s *Store) Append(ev *events.Event) error {
	release := s.acquire()
	defer release()

	_, err := s.db.Exec(`
		INSERT INTO events_log (seq, id, type, topic, task_id, agent_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Seq, ev.ID, string(ev.Type), string(ev.Topic),
		nullString(ev.TaskID), nullString(ev.AgentID),
		marshalJSON(ev.Payload, "{}"), ev.CreatedAt)
	if err != nil {
		return &types.StorageError{Op: "append_event", Err: err}
	}
	return nil
}

// ListEvents returns up to limit events after the given sequence number,
// oldest first. Used by audit views and SSE resume.
func (s *Store) ListEvents(afterSeq uint64, taskID string, limit int) ([]*events.Event, error) {
	release := s.acquire()
	defer release()

	query := "SELECT seq, id, type, topic, task_id, agent_id, payload, created_at FROM events_log WHERE seq > ?"
	args := []interface{}{afterSeq}
	if taskID != "" {
		query += " AND task_id = ?"
		args = append(args, taskID)
	}
	query += " ORDER BY seq ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &types.StorageError{Op: "list_events", Err: err}
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		var ev events.Event
		var typ, topic, payload string
		var taskID, agentID stringOrNull
		if err := rows.Scan(&ev.Seq, &ev.ID, &typ, &topic, &taskID, &agentID, &payload, &ev.CreatedAt); err != nil {
			return nil, &types.StorageError{Op: "list_events", Err: err}
		}
		ev.Type = events.EventType(typ)
		ev.Topic = events.Topic(topic)
		ev.TaskID = string(taskID)
		ev.AgentID = string(agentID)
		json.Unmarshal([]byte(payload), &ev.Payload)
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &types.StorageError{Op: "list_events", Err: err}
	}
	return out, nil
}

// PruneEvents keeps the newest maxRows events and deletes the rest.
// Returns how many rows were removed.
func (s *Store) PruneEvents(maxRows int) (int64, error) {
	release := s.acquire()
	defer release()

	res, err := s.db.Exec(`
		DELETE FROM events_log WHERE seq <= (
			SELECT COALESCE(MAX(seq), 0) - ? FROM events_log
		)`, maxRows)
	if err != nil {
		return 0, &types.StorageError{Op: "prune_events", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &types.StorageError{Op: "prune_events", Err: err}
	}
	return n, nil
}

// RunRetention prunes the events_log on an interval until ctx-style stop
// via the returned cancel func.
func (s *Store) RunRetention(maxRows int, every time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.PruneEvents(maxRows)
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

// stringOrNull scans TEXT columns that may be NULL into a plain string
type stringOrNull string

func (s *stringOrNull) Scan(v interface{}) error {
	switch x := v.(type) {
	case nil:
		*s = ""
	case string:
		*s = stringOrNull(x)
	case []byte:
		*s = stringOrNull(x)
	}
	return nil
}
