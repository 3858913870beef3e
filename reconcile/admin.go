package reconcile

import (
	"context"
	"strings"

	"github.com/teranos/harvest/backend"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
	"github.com/teranos/harvest/logger"
)

// StateChange describes a bulk status change on the latest execution of a plugin
type StateChange struct {
	Execution *jobstore.PluginExecution
	Jobs      []*jobstore.Job
	From      jobstore.Status
	To        jobstore.Status
	Executed  bool
}

// SetJobStates sets status to on every from-job of the latest execution of
// plugin on project. Nothing is written unless execute is set.
func (r *Reconciler) SetJobStates(ctx context.Context, plugin *jobstore.Plugin, project *jobstore.Project, from, to jobstore.Status, execute bool) (*StateChange, error) {
	if !from.Valid() || !to.Valid() {
		return nil, errors.NewInvalidRequestError("unknown status in %s -> %s", from, to)
	}
	pe, err := r.store.LatestPluginExecution(ctx, plugin.ID, project.ID)
	if err != nil {
		return nil, err
	}
	jobs, err := r.store.ListJobs(ctx, jobstore.JobFilter{PluginExecutionID: pe.ID, Statuses: []jobstore.Status{from}})
	if err != nil {
		return nil, err
	}

	change := &StateChange{Execution: pe, Jobs: jobs, From: from, To: to}
	if !execute {
		return change, nil
	}
	if err := r.setAll(ctx, jobs, to); err != nil {
		return nil, err
	}
	if _, err := r.RefreshExecutionStatus(ctx, pe.ID); err != nil {
		return nil, err
	}
	change.Executed = true

	r.logger.Infow("Set job states",
		logger.FieldPluginExecutionID, pe.ID,
		logger.FieldPlugin, plugin.String(),
		logger.FieldProject, project.Name,
		logger.FieldStatus, string(to),
		logger.FieldCount, len(jobs))
	return change, nil
}

// SetFromBackend overwrites the status of jobs with what the backend reports,
// whatever their current status
func (r *Reconciler) SetFromBackend(ctx context.Context, jobs []*jobstore.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	statuses, err := r.backend.GetJobStatuses(ctx, jobs)
	if err != nil {
		return err
	}
	if len(statuses) != len(jobs) {
		return errors.Newf("backend %s answered %d statuses for %d jobs", r.backend.Identifier(), len(statuses), len(jobs))
	}
	update := make(map[int64]jobstore.Status, len(jobs))
	for i, j := range jobs {
		update[j.ID] = statuses[i]
	}
	if err := r.store.UpdateJobStatuses(ctx, update); err != nil {
		return err
	}
	for i, j := range jobs {
		j.Status = statuses[i]
	}
	return r.refreshOwners(ctx, jobs)
}

// MarkExit sets jobs to EXIT
func (r *Reconciler) MarkExit(ctx context.Context, jobs []*jobstore.Job) error {
	return r.mark(ctx, jobs, jobstore.StatusExit)
}

// MarkDone sets jobs to DONE
func (r *Reconciler) MarkDone(ctx context.Context, jobs []*jobstore.Job) error {
	return r.mark(ctx, jobs, jobstore.StatusDone)
}

func (r *Reconciler) mark(ctx context.Context, jobs []*jobstore.Job, status jobstore.Status) error {
	if err := r.setAll(ctx, jobs, status); err != nil {
		return err
	}
	return r.refreshOwners(ctx, jobs)
}

func (r *Reconciler) refreshOwners(ctx context.Context, jobs []*jobstore.Job) error {
	seen := make(map[int64]bool)
	for _, j := range jobs {
		if seen[j.PluginExecutionID] {
			continue
		}
		seen[j.PluginExecutionID] = true
		if _, err := r.RefreshExecutionStatus(ctx, j.PluginExecutionID); err != nil {
			return err
		}
	}
	return nil
}

// LogMatch splits jobs by whether their log contains a needle
type LogMatch struct {
	Execution *jobstore.PluginExecution
	Jobs      int
	Found     []string // revisions
	NotFound  []string
}

// FilterJobLogs searches the out or err log of every state-job of the latest
// execution of plugin on project for needle
func (r *Reconciler) FilterJobLogs(ctx context.Context, plugin *jobstore.Plugin, project *jobstore.Project, state jobstore.Status, logType, needle string) (*LogMatch, error) {
	if logType != backend.LogOut && logType != backend.LogErr {
		return nil, errors.NewInvalidRequestError("log type must be %s or %s, got %q", backend.LogOut, backend.LogErr, logType)
	}
	pe, err := r.store.LatestPluginExecution(ctx, plugin.ID, project.ID)
	if err != nil {
		return nil, err
	}
	jobs, err := r.store.ListJobs(ctx, jobstore.JobFilter{PluginExecutionID: pe.ID, Statuses: []jobstore.Status{state}})
	if err != nil {
		return nil, err
	}

	match := &LogMatch{Execution: pe, Jobs: len(jobs)}
	for _, j := range jobs {
		var lines []string
		if logType == backend.LogErr {
			lines, err = r.backend.GetErrorLog(ctx, j)
		} else {
			lines, err = r.backend.GetOutputLog(ctx, j)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s log of job %d", logType, j.ID)
		}
		if strings.Contains(strings.Join(lines, "\n"), needle) {
			match.Found = append(match.Found, j.RevisionHash)
		} else {
			match.NotFound = append(match.NotFound, j.RevisionHash)
		}
	}
	return match, nil
}
