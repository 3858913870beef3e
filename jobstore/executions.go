package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/harvest/errors"
)

// ExecutionFilter narrows ListPluginExecutions; zero fields match everything
type ExecutionFilter struct {
	PluginID  int64
	ProjectID int64
	Status    Status
}

// CreatePluginExecution inserts a plugin execution and its argument bindings
func (s *Store) CreatePluginExecution(ctx context.Context, pe *PluginExecution, history []ExecutionHistory) error {
	if pe.Status == "" {
		pe.Status = StatusWait
	}
	if pe.SubmittedAt.IsZero() {
		pe.SubmittedAt = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO plugin_executions (plugin_id, project_id, repository_url, execution_type, revisions,
				queue, cores_per_job, status, submitted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pe.PluginID, pe.ProjectID, pe.RepositoryURL, pe.ExecutionType, pe.Revisions,
			pe.Queue, pe.CoresPerJob, pe.Status, pe.SubmittedAt)
		if err != nil {
			err = errors.Wrap(err, "failed to create plugin execution")
			err = errors.WithDetail(err, fmt.Sprintf("Plugin ID: %d", pe.PluginID))
			return errors.WithDetail(err, fmt.Sprintf("Project ID: %d", pe.ProjectID))
		}
		if pe.ID, err = res.LastInsertId(); err != nil {
			return errors.Wrap(err, "failed to read plugin execution id")
		}

		for i := range history {
			history[i].PluginExecutionID = pe.ID
			res, err := tx.ExecContext(ctx, `
				INSERT INTO execution_history (argument_id, plugin_execution_id, value) VALUES (?, ?, ?)`,
				history[i].ArgumentID, pe.ID, history[i].Value)
			if err != nil {
				err = errors.Wrap(err, "failed to record execution argument")
				return errors.WithDetail(err, fmt.Sprintf("Argument ID: %d", history[i].ArgumentID))
			}
			if history[i].ID, err = res.LastInsertId(); err != nil {
				return errors.Wrap(err, "failed to read execution history id")
			}
		}
		return nil
	})
}

// GetPluginExecution loads a plugin execution by id
func (s *Store) GetPluginExecution(ctx context.Context, id int64) (*PluginExecution, error) {
	pe, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM plugin_executions WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "plugin execution", id)
	}
	return pe, nil
}

// ListPluginExecutions returns executions matching filter, oldest first
func (s *Store) ListPluginExecutions(ctx context.Context, filter ExecutionFilter) ([]*PluginExecution, error) {
	var where []string
	var args []interface{}
	if filter.PluginID != 0 {
		where = append(where, "plugin_id = ?")
		args = append(args, filter.PluginID)
	}
	if filter.ProjectID != 0 {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + executionColumns + ` FROM plugin_executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY submitted_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list plugin executions")
	}
	defer rows.Close()

	var out []*PluginExecution
	for rows.Next() {
		pe, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan plugin execution")
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

// LatestPluginExecution returns the most recent execution of plugin on project
func (s *Store) LatestPluginExecution(ctx context.Context, pluginID, projectID int64) (*PluginExecution, error) {
	pe, err := scanExecution(s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM plugin_executions
		WHERE plugin_id = ? AND project_id = ?
		ORDER BY submitted_at DESC, id DESC LIMIT 1`, pluginID, projectID))
	if err != nil {
		return nil, notFound(err, "plugin execution for plugin/project", fmt.Sprintf("%d/%d", pluginID, projectID))
	}
	return pe, nil
}

// UpdatePluginExecutionStatus sets the status of a plugin execution
func (s *Store) UpdatePluginExecutionStatus(ctx context.Context, id int64, status Status) error {
	if !status.Valid() {
		return errors.Wrapf(errors.ErrInvalidRequest, "unknown status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE plugin_executions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return errors.Wrapf(err, "failed to update plugin execution %d", id)
	}
	return expectOneRow(res, "plugin execution", id)
}

// ListExecutionHistory returns the argument bindings of a plugin execution
func (s *Store) ListExecutionHistory(ctx context.Context, peID int64) ([]ExecutionHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, argument_id, plugin_execution_id, value FROM execution_history
		WHERE plugin_execution_id = ? ORDER BY id`, peID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list execution history of %d", peID)
	}
	defer rows.Close()

	var out []ExecutionHistory
	for rows.Next() {
		var h ExecutionHistory
		if err := rows.Scan(&h.ID, &h.ArgumentID, &h.PluginExecutionID, &h.Value); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution history")
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ExecutionArguments returns the bound argument values ordered by argument position
func (s *Store) ExecutionArguments(ctx context.Context, peID int64) ([]ArgumentValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.name, a.position, h.value
		FROM execution_history h JOIN arguments a ON a.id = h.argument_id
		WHERE h.plugin_execution_id = ?
		ORDER BY a.position, h.id`, peID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load execution arguments of %d", peID)
	}
	defer rows.Close()

	var out []ArgumentValue
	for rows.Next() {
		var v ArgumentValue
		if err := rows.Scan(&v.Name, &v.Position, &v.Value); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution argument")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ClonePluginExecution copies pe and its argument bindings under a fresh id with status WAIT
func (s *Store) ClonePluginExecution(ctx context.Context, pe *PluginExecution) (*PluginExecution, error) {
	history, err := s.ListExecutionHistory(ctx, pe.ID)
	if err != nil {
		return nil, err
	}

	clone := *pe
	clone.ID = 0
	clone.Status = StatusWait
	clone.SubmittedAt = time.Time{}

	copied := make([]ExecutionHistory, len(history))
	for i, h := range history {
		copied[i] = ExecutionHistory{ArgumentID: h.ArgumentID, Value: h.Value}
	}

	if err := s.CreatePluginExecution(ctx, &clone, copied); err != nil {
		return nil, errors.Wrapf(err, "failed to clone plugin execution %d", pe.ID)
	}
	return &clone, nil
}
