package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentfusion/internal/types"
)

// PutDecision persists a decision, enforcing one per task and that every
// referenced proposal belongs to the same task. When complete is true the
// task transitions expectedFrom -> COMPLETED in the same transaction, so
// a failed commit leaves neither the decision nor the status change.
func (s *Store) PutDecision(d *types.Decision, complete bool, expectedFrom types.TaskStatus) error {
	if d.TaskID == "" {
		return types.InvalidArgf("taskId", "must not be empty")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return types.InvalidArgf("confidence", "must be in [0,1], got %v", d.Confidence)
	}
	if d.TokensSaved < 0 {
		return types.InvalidArgf("tokensSaved", "must be >= 0, got %d", d.TokensSaved)
	}
	if d.ID == "" {
		d.ID = types.NewID()
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}

	return s.withTx("put_decision", func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRow(
			"SELECT COUNT(*) FROM decisions WHERE task_id = ?", d.TaskID).Scan(&existing); err != nil {
			return &types.StorageError{Op: "put_decision", Err: err}
		}
		if existing > 0 {
			return fmt.Errorf("decision already recorded for task %s: %w",
				d.TaskID, types.ErrConflictingState)
		}

		refs := append([]string{}, d.RunnerUpIDs...)
		if d.WinnerID != "" {
			refs = append(refs, d.WinnerID)
		}
		for _, pid := range refs {
			var taskID string
			err := tx.QueryRow("SELECT task_id FROM proposals WHERE id = ?", pid).Scan(&taskID)
			if err == sql.ErrNoRows {
				return fmt.Errorf("proposal %s: %w", pid, types.ErrNotFound)
			}
			if err != nil {
				return &types.StorageError{Op: "put_decision", Err: err}
			}
			if taskID != d.TaskID {
				return types.InvalidArgf("decision", "proposal %s belongs to task %s, not %s",
					pid, taskID, d.TaskID)
			}
		}

		consensus := 0
		if d.Consensus {
			consensus = 1
		}
		partial := 0
		if d.Partial {
			partial = 1
		}

		_, err := tx.Exec(`
			INSERT INTO decisions
			(id, task_id, strategy, consensus, winner_id, runner_ups, content,
			 confidence, total_tokens, tokens_saved, partial, rationale, decided_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.TaskID, string(d.Strategy), consensus, nullString(d.WinnerID),
			marshalJSON(d.RunnerUpIDs, "[]"), d.Content, d.Confidence,
			d.TotalTokens, d.TokensSaved, partial, d.Rationale, d.DecidedAt)
		if err != nil {
			return &types.StorageError{Op: "put_decision", Err: err}
		}

		if complete {
			now := time.Now().UTC()
			res, err := tx.Exec(`
				UPDATE tasks SET status = ?, result = ?, updated_at = ?, completed_at = ?
				WHERE id = ? AND status = ?`,
				string(types.StatusCompleted), d.Content, now, now,
				d.TaskID, string(expectedFrom))
			if err != nil {
				return &types.StorageError{Op: "put_decision", Err: err}
			}
			n, err := res.RowsAffected()
			if err != nil {
				return &types.StorageError{Op: "put_decision", Err: err}
			}
			if n == 0 {
				return fmt.Errorf("task %s left %s before decision commit: %w",
					d.TaskID, expectedFrom, types.ErrConflictingState)
			}
		}
		return nil
	})
}

// GetDecision returns the decision for a task
func (s *Store) GetDecision(taskID string) (*types.Decision, error) {
	release := s.acquire()
	defer release()

	var d types.Decision
	var strategy string
	var consensus, partial int
	var winnerID sql.NullString
	var runnerUps string

	err := s.db.QueryRow(`
		SELECT id, task_id, strategy, consensus, winner_id, runner_ups, content,
		       confidence, total_tokens, tokens_saved, partial, rationale, decided_at
		FROM decisions WHERE task_id = ?`, taskID).Scan(
		&d.ID, &d.TaskID, &strategy, &consensus, &winnerID, &runnerUps,
		&d.Content, &d.Confidence, &d.TotalTokens, &d.TokensSaved,
		&partial, &d.Rationale, &d.DecidedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("decision for task %s: %w", taskID, types.ErrNotFound)
	}
	if err != nil {
		return nil, &types.StorageError{Op: "get_decision", Err: err}
	}

	d.Strategy = types.ConsensusStrategy(strategy)
	d.Consensus = consensus != 0
	d.Partial = partial != 0
	d.WinnerID = winnerID.String
	json.Unmarshal([]byte(runnerUps), &d.RunnerUpIDs)
	return &d, nil
}
