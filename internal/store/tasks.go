package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentfusion/internal/types"
)

// StatusPatch carries the optional fields UpdateTaskStatus may set
// alongside the status change.
type StatusPatch struct {
	Assignees *[]string
	Routing   types.RoutingStrategy
	Role      types.WorkflowRole
	Result    string
	Round     *int
	Metadata  map[string]string // merged into existing metadata
}

// TaskFilter narrows ListTasks
type TaskFilter struct {
	Status        types.TaskStatus
	Type          types.TaskType
	AgentID       string // matches creator or assignee
	MinRisk       int
	MaxRisk       int
	MinComplexity int
	MaxComplexity int
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// TaskSort orders ListTasks results
type TaskSort struct {
	Column string // created_at, updated_at, complexity, risk, status, title
	Desc   bool
}

// TaskPage paginates ListTasks results
type TaskPage struct {
	Offset int
	Limit  int
}

var sortableColumns = map[string]bool{
	"created_at": true, "updated_at": true, "complexity": true,
	"risk": true, "status": true, "title": true, "type": true,
}

const taskColumns = `id, title, description, type, complexity, risk, routing,
	creator_id, assignees, status, role, metadata, parent_task_id, result,
	round, created_at, updated_at, completed_at, due_at`

// CreateTask persists a new task, assigning an ID when absent, and
// returns the canonical ID.
func (s *Store) CreateTask(task *types.Task) (string, error) {
	if task.ID == "" {
		task.ID = types.NewID()
	}
	if task.Complexity < 1 || task.Complexity > 10 {
		return "", types.InvalidArgf("complexity", "must be in [1,10], got %d", task.Complexity)
	}
	if task.Risk < 1 || task.Risk > 10 {
		return "", types.InvalidArgf("risk", "must be in [1,10], got %d", task.Risk)
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	if task.Status == "" {
		task.Status = types.StatusPending
	}
	if task.Role == "" {
		task.Role = types.RoleExecution
	}

	err := s.withTx("create_task", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO tasks
			(id, title, description, type, complexity, risk, routing, creator_id,
			 assignees, status, role, metadata, parent_task_id, result, round,
			 created_at, updated_at, completed_at, due_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID,
			task.Title,
			task.Description,
			string(task.Type),
			task.Complexity,
			task.Risk,
			string(task.Routing),
			task.CreatorID,
			marshalJSON(task.Assignees, "[]"),
			string(task.Status),
			string(task.Role),
			marshalJSON(task.Metadata, "{}"),
			nullString(task.ParentTaskID),
			task.Result,
			task.Round,
			task.CreatedAt,
			task.UpdatedAt,
			nullTime(task.CompletedAt),
			nullTime(task.DueAt),
		)
		if err != nil {
			return &types.StorageError{Op: "create_task", Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// GetTask returns a snapshot of a task
func (s *Store) GetTask(id string) (*types.Task, error) {
	release := s.acquire()
	defer release()

	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, &types.StorageError{Op: "get_task", Err: err}
	}
	return task, nil
}

// UpdateTaskStatus performs a compare-and-set on the task status and
// applies the patch in the same transaction. A caller whose expectedFrom
// no longer matches observes ErrConflictingState and must reread.
func (s *Store) UpdateTaskStatus(id string, expectedFrom, to types.TaskStatus, patch *StatusPatch) (*types.Task, error) {
	if !types.CanTransition(expectedFrom, to) {
		return nil, types.InvalidArgf("status", "illegal transition %s -> %s", expectedFrom, to)
	}

	var updated *types.Task
	err := s.withTx("update_task_status", func(tx *sql.Tx) error {
		now := time.Now().UTC()

		sets := []string{"status = ?", "updated_at = ?"}
		args := []interface{}{string(to), now}

		if patch != nil {
			if patch.Assignees != nil {
				sets = append(sets, "assignees = ?")
				args = append(args, marshalJSON(*patch.Assignees, "[]"))
			}
			if patch.Routing != "" {
				sets = append(sets, "routing = ?")
				args = append(args, string(patch.Routing))
			}
			if patch.Role != "" {
				sets = append(sets, "role = ?")
				args = append(args, string(patch.Role))
			}
			if patch.Result != "" {
				sets = append(sets, "result = ?")
				args = append(args, patch.Result)
			}
			if patch.Round != nil {
				sets = append(sets, "round = ?")
				args = append(args, *patch.Round)
			}
		}
		if to.IsTerminal() {
			sets = append(sets, "completed_at = ?")
			args = append(args, now)
		}
		args = append(args, id, string(expectedFrom))

		res, err := tx.Exec(
			"UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ? AND status = ?",
			args...)
		if err != nil {
			return &types.StorageError{Op: "update_task_status", Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return &types.StorageError{Op: "update_task_status", Err: err}
		}
		if n == 0 {
			// Distinguish missing task from a lost CAS race.
			var current string
			err := tx.QueryRow("SELECT status FROM tasks WHERE id = ?", id).Scan(&current)
			if err == sql.ErrNoRows {
				return fmt.Errorf("task %s: %w", id, types.ErrNotFound)
			}
			if err != nil {
				return &types.StorageError{Op: "update_task_status", Err: err}
			}
			return fmt.Errorf("task %s is %s, expected %s: %w",
				id, current, expectedFrom, types.ErrConflictingState)
		}

		if patch != nil && len(patch.Metadata) > 0 {
			if err := mergeMetadata(tx, id, patch.Metadata); err != nil {
				return err
			}
		}

		row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		t, err := scanTask(row)
		if err != nil {
			return &types.StorageError{Op: "update_task_status", Err: err}
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateAssignees replaces a task's assignee set without a status
// change (adaptive upgrade widens participation mid-collection).
func (s *Store) UpdateAssignees(id string, assignees []string) error {
	return s.withTx("update_assignees", func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE tasks SET assignees = ?, updated_at = ? WHERE id = ?",
			marshalJSON(assignees, "[]"), time.Now().UTC(), id)
		if err != nil {
			return &types.StorageError{Op: "update_assignees", Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return &types.StorageError{Op: "update_assignees", Err: err}
		}
		if n == 0 {
			return fmt.Errorf("task %s: %w", id, types.ErrNotFound)
		}
		return nil
	})
}

// MergeTaskMetadata merges keys into a task's metadata map without a
// status change (routing audit trail entries use this).
func (s *Store) MergeTaskMetadata(id string, meta map[string]string) error {
	return s.withTx("merge_task_metadata", func(tx *sql.Tx) error {
		return mergeMetadata(tx, id, meta)
	})
}

func mergeMetadata(tx *sql.Tx, id string, meta map[string]string) error {
	var raw string
	err := tx.QueryRow("SELECT metadata FROM tasks WHERE id = ?", id).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("task %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return &types.StorageError{Op: "merge_metadata", Err: err}
	}

	existing := map[string]string{}
	if raw != "" {
		json.Unmarshal([]byte(raw), &existing)
	}
	for k, v := range meta {
		existing[k] = v
	}

	_, err = tx.Exec("UPDATE tasks SET metadata = ? WHERE id = ?",
		marshalJSON(existing, "{}"), id)
	if err != nil {
		return &types.StorageError{Op: "merge_metadata", Err: err}
	}
	return nil
}

// ListTasks returns a filtered, ordered page of tasks plus the unpaged total
func (s *Store) ListTasks(filter TaskFilter, sort TaskSort, page TaskPage) ([]*types.Task, int, error) {
	release := s.acquire()
	defer release()

	where := []string{"1=1"}
	var args []interface{}

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.AgentID != "" {
		where = append(where, "(creator_id = ? OR assignees LIKE ?)")
		args = append(args, filter.AgentID, `%"`+filter.AgentID+`"%`)
	}
	if filter.MinRisk > 0 {
		where = append(where, "risk >= ?")
		args = append(args, filter.MinRisk)
	}
	if filter.MaxRisk > 0 {
		where = append(where, "risk <= ?")
		args = append(args, filter.MaxRisk)
	}
	if filter.MinComplexity > 0 {
		where = append(where, "complexity >= ?")
		args = append(args, filter.MinComplexity)
	}
	if filter.MaxComplexity > 0 {
		where = append(where, "complexity <= ?")
		args = append(args, filter.MaxComplexity)
	}
	if filter.CreatedAfter != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *filter.CreatedBefore)
	}

	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM tasks WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, &types.StorageError{Op: "list_tasks", Err: err}
	}

	col := sort.Column
	if !sortableColumns[col] {
		col = "created_at"
	}
	dir := "ASC"
	if sort.Desc {
		dir = "DESC"
	}
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE %s ORDER BY %s %s", taskColumns, cond, col, dir)
	if page.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, page.Limit, page.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, &types.StorageError{Op: "list_tasks", Err: err}
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, &types.StorageError{Op: "list_tasks", Err: err}
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, &types.StorageError{Op: "list_tasks", Err: err}
	}
	return tasks, total, nil
}

// GetPendingFor returns tasks assigned to agentID awaiting its action
func (s *Store) GetPendingFor(agentID string) ([]*types.Task, error) {
	release := s.acquire()
	defer release()

	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN (?, ?) AND assignees LIKE ?
		 ORDER BY created_at ASC`,
		string(types.StatusAssigned), string(types.StatusWaitingInput),
		`%"`+agentID+`"%`)
	if err != nil {
		return nil, &types.StorageError{Op: "get_pending_for", Err: err}
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, &types.StorageError{Op: "get_pending_for", Err: err}
		}
		// LIKE is a prefilter; confirm against the decoded list.
		if t.HasAssignee(agentID) {
			tasks = append(tasks, t)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &types.StorageError{Op: "get_pending_for", Err: err}
	}
	return tasks, nil
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*types.Task, error) {
	var t types.Task
	var typ, routing, status, role string
	var assignees, metadata string
	var parentID sql.NullString
	var completedAt, dueAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &typ, &t.Complexity, &t.Risk,
		&routing, &t.CreatorID, &assignees, &status, &role, &metadata,
		&parentID, &t.Result, &t.Round, &t.CreatedAt, &t.UpdatedAt,
		&completedAt, &dueAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = types.TaskType(typ)
	t.Routing = types.RoutingStrategy(routing)
	t.Status = types.TaskStatus(status)
	t.Role = types.WorkflowRole(role)
	t.ParentTaskID = parentID.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if dueAt.Valid {
		t.DueAt = &dueAt.Time
	}
	if err := json.Unmarshal([]byte(assignees), &t.Assignees); err != nil {
		t.Assignees = nil
	}
	if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
		t.Metadata = nil
	}
	return &t, nil
}
