package store

import (
	"database/sql"
	"encoding/json"

	"github.com/agentfusion/internal/types"
)

// SaveAgent upserts an agent snapshot. The registry owns live agent
// state; this row is the durable mirror for dashboards and restarts.
func (s *Store) SaveAgent(a *types.AgentRecord) error {
	release := s.acquire()
	defer release()

	_, err := s.db.Exec(`
		INSERT INTO agents (id, type, name, capabilities, status, last_checked, latency_ema)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			capabilities = excluded.capabilities,
			status = excluded.status,
			last_checked = excluded.last_checked,
			latency_ema = excluded.latency_ema`,
		a.ID, a.Type, a.Name, marshalJSON(a.Capabilities, "{}"),
		string(a.Status), nullTime(&a.LastChecked), a.LatencyEMA)
	if err != nil {
		return &types.StorageError{Op: "save_agent", Err: err}
	}
	return nil
}

// ListAgents returns all persisted agent snapshots
func (s *Store) ListAgents() ([]*types.AgentRecord, error) {
	release := s.acquire()
	defer release()

	rows, err := s.db.Query(
		"SELECT id, type, name, capabilities, status, last_checked, latency_ema FROM agents ORDER BY id ASC")
	if err != nil {
		return nil, &types.StorageError{Op: "list_agents", Err: err}
	}
	defer rows.Close()

	var agents []*types.AgentRecord
	for rows.Next() {
		var a types.AgentRecord
		var caps, status string
		var lastChecked sql.NullTime
		if err := rows.Scan(&a.ID, &a.Type, &a.Name, &caps, &status, &lastChecked, &a.LatencyEMA); err != nil {
			return nil, &types.StorageError{Op: "list_agents", Err: err}
		}
		a.Status = types.AgentStatus(status)
		if lastChecked.Valid {
			a.LastChecked = lastChecked.Time
		}
		json.Unmarshal([]byte(caps), &a.Capabilities)
		agents = append(agents, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, &types.StorageError{Op: "list_agents", Err: err}
	}
	return agents, nil
}
