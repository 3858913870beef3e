package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/harvest/errors"
)

// JobFilter narrows ListJobs; zero fields match everything
type JobFilter struct {
	PluginExecutionID int64
	Statuses          []Status
	IDs               []int64
}

// RevisionStatus is one job outcome on a revision
type RevisionStatus struct {
	Revision string
	Status   Status
}

// StatusCounts tallies jobs by status
type StatusCounts struct {
	Wait int
	Done int
	Exit int
}

// Total returns the number of counted jobs
func (c StatusCounts) Total() int {
	return c.Wait + c.Done + c.Exit
}

// CreateJob inserts a job and its requires edges
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return createJob(ctx, tx, job)
	})
}

// CreateJobs inserts jobs in one transaction
func (s *Store) CreateJobs(ctx context.Context, jobs []*Job) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, job := range jobs {
			if err := createJob(ctx, tx, job); err != nil {
				return err
			}
		}
		return nil
	})
}

func createJob(ctx context.Context, tx *sql.Tx, job *Job) error {
	if job.Status == "" {
		job.Status = StatusWait
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now

	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (plugin_execution_id, revision_hash, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		job.PluginExecutionID, job.RevisionHash, job.Status, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		err = errors.WithDetail(err, fmt.Sprintf("Plugin execution: %d", job.PluginExecutionID))
		return errors.WithDetail(err, fmt.Sprintf("Revision: %s", job.RevisionHash))
	}
	if job.ID, err = res.LastInsertId(); err != nil {
		return errors.Wrap(err, "failed to read job id")
	}

	for _, requiredID := range job.Requires {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO job_requires (job_id, required_id) VALUES (?, ?)`,
			job.ID, requiredID); err != nil {
			err = errors.Wrap(err, "failed to add job requires edge")
			return errors.WithDetail(err, fmt.Sprintf("Edge: %d -> %d", job.ID, requiredID))
		}
	}
	return nil
}

// GetJob loads a job by id
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs j WHERE j.id = ?`, id))
	if err != nil {
		return nil, notFound(err, "job", id)
	}
	return job, nil
}

// ListJobs returns jobs matching filter ordered by id
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var where []string
	var args []interface{}
	if filter.PluginExecutionID != 0 {
		where = append(where, "j.plugin_execution_id = ?")
		args = append(args, filter.PluginExecutionID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "j.status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if len(filter.IDs) > 0 {
		where = append(where, "j.id IN ("+placeholders(len(filter.IDs))+")")
		args = append(args, int64Args(filter.IDs)...)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs j`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY j.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus sets the status of one job
func (s *Store) UpdateJobStatus(ctx context.Context, id int64, status Status) error {
	return s.UpdateJobStatuses(ctx, map[int64]Status{id: status})
}

// UpdateJobStatuses sets several job statuses in one transaction
func (s *Store) UpdateJobStatuses(ctx context.Context, statuses map[int64]Status) error {
	for id, st := range statuses {
		if !st.Valid() {
			err := errors.Wrapf(errors.ErrInvalidRequest, "unknown status %q", st)
			return errors.WithDetail(err, fmt.Sprintf("Job ID: %d", id))
		}
	}
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for id, st := range statuses {
			res, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, st, now, id)
			if err != nil {
				err = errors.Wrap(err, "failed to update job")
				err = errors.WithDetail(err, fmt.Sprintf("Job ID: %d", id))
				return errors.WithDetail(err, fmt.Sprintf("Status: %s", st))
			}
			if err := expectOneRow(res, "job", id); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountJobStatuses tallies the jobs of a plugin execution
func (s *Store) CountJobStatuses(ctx context.Context, peID int64) (StatusCounts, error) {
	var c StatusCounts
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE plugin_execution_id = ? GROUP BY status`, peID)
	if err != nil {
		return c, errors.Wrapf(err, "failed to count jobs of %d", peID)
	}
	defer rows.Close()

	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return c, errors.Wrap(err, "failed to scan job count")
		}
		switch st {
		case StatusWait:
			c.Wait = n
		case StatusDone:
			c.Done = n
		case StatusExit:
			c.Exit = n
		}
	}
	return c, rows.Err()
}

// RevisionStatuses returns the revision and status of every job of plugin on project,
// across all of its plugin executions
func (s *Store) RevisionStatuses(ctx context.Context, pluginID, projectID int64) ([]RevisionStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.revision_hash, j.status
		FROM jobs j JOIN plugin_executions pe ON pe.id = j.plugin_execution_id
		WHERE pe.plugin_id = ? AND pe.project_id = ?
		ORDER BY j.id`, pluginID, projectID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load job revisions of plugin %d on project %d", pluginID, projectID)
	}
	defer rows.Close()

	var out []RevisionStatus
	for rows.Next() {
		var rs RevisionStatus
		if err := rows.Scan(&rs.Revision, &rs.Status); err != nil {
			return nil, errors.Wrap(err, "failed to scan job revision")
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

// Dependents returns the ids of jobs that require jobID
func (s *Store) Dependents(ctx context.Context, jobID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id FROM job_requires WHERE required_id = ? ORDER BY job_id`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load dependents of job %d", jobID)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan dependent job")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
