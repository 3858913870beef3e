package reconcile

import (
	"context"
	"sort"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
	"github.com/teranos/harvest/logger"
	"github.com/teranos/harvest/scheduler"
)

// guardUnfinished refuses a new execution of pe's plugin on pe's project
// while any execution of that pair still has WAIT jobs.
func (r *Reconciler) guardUnfinished(ctx context.Context, pe *jobstore.PluginExecution) error {
	unfinished, err := r.scheduler.HasUnfinishedJobs(ctx, pe.PluginID, pe.ProjectID)
	if err != nil {
		return err
	}
	if unfinished {
		return errors.WithHint(
			errors.Wrapf(ErrUnfinished, "plugin execution %d", pe.ID),
			"refresh or cancel the waiting executions of this plugin on the project first")
	}
	return nil
}

// Restart clones pe with its argument bindings and re-creates its jobs from
// scratch, so revision selection runs again. The old execution is kept.
func (r *Reconciler) Restart(ctx context.Context, pe *jobstore.PluginExecution) (*scheduler.Submission, error) {
	if err := r.guardUnfinished(ctx, pe); err != nil {
		return nil, err
	}

	project, err := r.store.GetProject(ctx, pe.ProjectID)
	if err != nil {
		return nil, err
	}
	plugin, err := r.store.GetPlugin(ctx, pe.PluginID)
	if err != nil {
		return nil, err
	}

	clone, err := r.store.ClonePluginExecution(ctx, pe)
	if err != nil {
		return nil, err
	}
	r.logger.Infow("Restarting plugin execution",
		logger.FieldPluginExecutionID, pe.ID,
		"clone_id", clone.ID,
		logger.FieldPlugin, plugin.String(),
		logger.FieldProject, project.Name)

	planned := []*scheduler.Planned{{Execution: clone, Plugin: plugin}}
	if err := r.scheduler.CreateJobs(ctx, project, planned); err != nil {
		return nil, err
	}
	return r.scheduler.Submit(ctx, project, planned)
}

// RestartJobs copies the given jobs as WAIT into a clone of their plugin
// execution and submits them without selecting revisions again. Edges between
// restarted jobs are carried over; edges to jobs outside the set are dropped.
// One submission is returned per project.
func (r *Reconciler) RestartJobs(ctx context.Context, jobs []*jobstore.Job) ([]*scheduler.Submission, error) {
	sorted := append([]*jobstore.Job(nil), jobs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	// every execution is checked before anything is cloned
	executions := make(map[int64]*jobstore.PluginExecution)
	for _, old := range sorted {
		if _, ok := executions[old.PluginExecutionID]; ok {
			continue
		}
		pe, err := r.store.GetPluginExecution(ctx, old.PluginExecutionID)
		if err != nil {
			return nil, err
		}
		if err := r.guardUnfinished(ctx, pe); err != nil {
			return nil, err
		}
		executions[pe.ID] = pe
	}

	clones := make(map[int64]*scheduler.Planned) // old execution id → clone
	byProject := make(map[int64][]*scheduler.Planned)
	var projectOrder []int64
	renamed := make(map[int64]int64) // old job id → new job id

	for _, old := range sorted {
		planned, ok := clones[old.PluginExecutionID]
		if !ok {
			var err error
			if planned, err = r.cloneForJobs(ctx, executions[old.PluginExecutionID]); err != nil {
				return nil, err
			}
			clones[old.PluginExecutionID] = planned
			pid := planned.Execution.ProjectID
			if _, seen := byProject[pid]; !seen {
				projectOrder = append(projectOrder, pid)
			}
			byProject[pid] = append(byProject[pid], planned)
		}

		var requires []int64
		for _, req := range old.Requires {
			if id, ok := renamed[req]; ok {
				requires = append(requires, id)
			}
		}
		job := &jobstore.Job{
			PluginExecutionID: planned.Execution.ID,
			RevisionHash:      old.RevisionHash,
			Requires:          requires,
		}
		if err := r.store.CreateJob(ctx, job); err != nil {
			return nil, errors.Wrapf(err, "failed to copy job %d", old.ID)
		}
		renamed[old.ID] = job.ID
		planned.Jobs = append(planned.Jobs, job)
	}

	var subs []*scheduler.Submission
	for _, pid := range projectOrder {
		project, err := r.store.GetProject(ctx, pid)
		if err != nil {
			return subs, err
		}
		sub, err := r.scheduler.Submit(ctx, project, byProject[pid])
		if err != nil {
			return subs, err
		}
		subs = append(subs, sub)
	}

	r.logger.Infow("Restarted jobs",
		logger.FieldCount, len(sorted),
		"executions", len(clones))
	return subs, nil
}

func (r *Reconciler) cloneForJobs(ctx context.Context, pe *jobstore.PluginExecution) (*scheduler.Planned, error) {
	plugin, err := r.store.GetPlugin(ctx, pe.PluginID)
	if err != nil {
		return nil, err
	}
	clone, err := r.store.ClonePluginExecution(ctx, pe)
	if err != nil {
		return nil, err
	}
	return &scheduler.Planned{Execution: clone, Plugin: plugin}, nil
}
