package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/agentfusion/internal/types"
)

// HashContent returns the content hash used for proposal idempotence
// and VOTING choice grouping.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// PutProposal persists a proposal, enforcing at most one active proposal
// per (task, agent). Submitting identical content again returns the
// existing proposal ID (idempotent). A revision supersedes the agent's
// previous proposal in the same transaction.
func (s *Store) PutProposal(p *types.Proposal) (string, error) {
	if p.TaskID == "" {
		return "", types.InvalidArgf("taskId", "must not be empty")
	}
	if p.AgentID == "" {
		return "", types.InvalidArgf("agentId", "must not be empty")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return "", types.InvalidArgf("confidence", "must be in [0,1], got %v", p.Confidence)
	}
	if len(p.Content) > types.MaxProposalContentBytes {
		return "", types.InvalidArgf("content", "exceeds %d bytes", types.MaxProposalContentBytes)
	}
	if p.ID == "" {
		p.ID = types.NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.ContentHash == "" {
		p.ContentHash = HashContent(p.Content)
	}
	if p.TokensIn == 0 {
		p.TokensIn = types.EstimateTokens(p.Content)
	}
	if p.TokensOut == 0 {
		p.TokensOut = types.EstimateTokens(p.Content)
	}

	resultID := p.ID
	err := s.withTx("put_proposal", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRow("SELECT COUNT(*) FROM tasks WHERE id = ?", p.TaskID).Scan(&exists)
		if err != nil {
			return &types.StorageError{Op: "put_proposal", Err: err}
		}
		if exists == 0 {
			return fmt.Errorf("task %s: %w", p.TaskID, types.ErrNotFound)
		}

		// Idempotence: identical active content from the same agent is a no-op.
		var existingID, existingHash string
		err = tx.QueryRow(`
			SELECT id, content_hash FROM proposals
			WHERE task_id = ? AND agent_id = ? AND superseded = 0`,
			p.TaskID, p.AgentID).Scan(&existingID, &existingHash)
		switch {
		case err == sql.ErrNoRows:
			// First proposal from this agent.
		case err != nil:
			return &types.StorageError{Op: "put_proposal", Err: err}
		case existingHash == p.ContentHash:
			resultID = existingID
			return nil
		default:
			// New content supersedes the previous active proposal.
			if _, err := tx.Exec(
				"UPDATE proposals SET superseded = 1 WHERE id = ?", existingID); err != nil {
				return &types.StorageError{Op: "put_proposal", Err: err}
			}
			if p.RevisionOf == "" {
				p.RevisionOf = existingID
			}
		}

		_, err = tx.Exec(`
			INSERT INTO proposals
			(id, task_id, agent_id, input_type, content, content_hash, confidence,
			 tokens_in, tokens_out, revision_of, superseded, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			p.ID, p.TaskID, p.AgentID, string(p.InputType), p.Content,
			p.ContentHash, p.Confidence, p.TokensIn, p.TokensOut,
			nullString(p.RevisionOf), p.CreatedAt)
		if err != nil {
			return &types.StorageError{Op: "put_proposal", Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return resultID, nil
}

// ListProposals returns a task's active (non-superseded) proposals in
// submission order.
func (s *Store) ListProposals(taskID string) ([]*types.Proposal, error) {
	return s.listProposals(taskID, false)
}

// ListAllProposals includes superseded revisions (history views)
func (s *Store) ListAllProposals(taskID string) ([]*types.Proposal, error) {
	return s.listProposals(taskID, true)
}

func (s *Store) listProposals(taskID string, includeSuperseded bool) ([]*types.Proposal, error) {
	release := s.acquire()
	defer release()

	query := `
		SELECT id, task_id, agent_id, input_type, content, content_hash,
		       confidence, tokens_in, tokens_out, revision_of, created_at
		FROM proposals WHERE task_id = ?`
	if !includeSuperseded {
		query += " AND superseded = 0"
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.Query(query, taskID)
	if err != nil {
		return nil, &types.StorageError{Op: "list_proposals", Err: err}
	}
	defer rows.Close()

	var proposals []*types.Proposal
	for rows.Next() {
		var p types.Proposal
		var inputType string
		var revisionOf sql.NullString
		err := rows.Scan(&p.ID, &p.TaskID, &p.AgentID, &inputType, &p.Content,
			&p.ContentHash, &p.Confidence, &p.TokensIn, &p.TokensOut,
			&revisionOf, &p.CreatedAt)
		if err != nil {
			return nil, &types.StorageError{Op: "list_proposals", Err: err}
		}
		p.InputType = types.InputType(inputType)
		p.RevisionOf = revisionOf.String
		proposals = append(proposals, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, &types.StorageError{Op: "list_proposals", Err: err}
	}
	return proposals, nil
}
