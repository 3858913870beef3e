// Package reconcile keeps job and plugin execution statuses in step with the
// execution backend and implements the operator actions on finished work.
package reconcile

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/harvest/backend"
	"github.com/teranos/harvest/jobstore"
	"github.com/teranos/harvest/logger"
	"github.com/teranos/harvest/scheduler"
)

// ErrUnfinished is returned when an action needs a plugin execution to be finished
var ErrUnfinished = scheduler.ErrUnfinished

// Reconciler pulls statuses from the backend into the job store
type Reconciler struct {
	store     *jobstore.Store
	scheduler *scheduler.Scheduler
	backend   backend.Backend
	logger    *zap.SugaredLogger
}

// New creates a reconciler submitting restarts through sched
func New(store *jobstore.Store, sched *scheduler.Scheduler, log *zap.SugaredLogger) *Reconciler {
	if log == nil {
		log = logger.Logger
	}
	return &Reconciler{
		store:     store,
		scheduler: sched,
		backend:   sched.Backend(),
		logger:    log.Named("reconcile"),
	}
}

// Refresh asks the backend about the WAIT jobs among jobs, persists changed
// statuses and then recomputes the status of every owning plugin execution.
// It returns the number of jobs whose status changed.
func (r *Reconciler) Refresh(ctx context.Context, jobs []*jobstore.Job) (int, error) {
	var waiting []*jobstore.Job
	owners := make(map[int64]bool)
	for _, j := range jobs {
		owners[j.PluginExecutionID] = true
		if j.Status == jobstore.StatusWait {
			waiting = append(waiting, j)
		}
	}

	changed := make(map[int64]jobstore.Status)
	if len(waiting) > 0 {
		statuses, err := r.backend.GetJobStatuses(ctx, waiting)
		if err != nil {
			return 0, err
		}
		for i, j := range waiting {
			if i < len(statuses) && statuses[i] != j.Status {
				changed[j.ID] = statuses[i]
			}
		}
		if len(changed) > 0 {
			if err := r.store.UpdateJobStatuses(ctx, changed); err != nil {
				return 0, err
			}
			for _, j := range waiting {
				if st, ok := changed[j.ID]; ok {
					j.Status = st
				}
			}
		}
	}

	for peID := range owners {
		if _, err := r.RefreshExecutionStatus(ctx, peID); err != nil {
			return len(changed), err
		}
	}

	r.logger.Infow("Refreshed job statuses",
		logger.FieldBackend, r.backend.Identifier(),
		logger.FieldCount, len(waiting),
		"changed", len(changed))
	return len(changed), nil
}

// RefreshExecution refreshes the WAIT jobs of one plugin execution
func (r *Reconciler) RefreshExecution(ctx context.Context, pe *jobstore.PluginExecution) (int, error) {
	jobs, err := r.store.ListJobs(ctx, jobstore.JobFilter{
		PluginExecutionID: pe.ID,
		Statuses:          []jobstore.Status{jobstore.StatusWait},
	})
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		_, err := r.RefreshExecutionStatus(ctx, pe.ID)
		return 0, err
	}
	return r.Refresh(ctx, jobs)
}

// RefreshExecutionStatus derives the status of a plugin execution from its jobs:
// WAIT while any job waits, EXIT when any job exited, DONE otherwise
func (r *Reconciler) RefreshExecutionStatus(ctx context.Context, peID int64) (jobstore.Status, error) {
	counts, err := r.store.CountJobStatuses(ctx, peID)
	if err != nil {
		return "", err
	}
	status := ExecutionStatus(counts)
	if err := r.store.UpdatePluginExecutionStatus(ctx, peID, status); err != nil {
		return "", err
	}
	return status, nil
}

// ExecutionStatus folds job counts into an execution status
func ExecutionStatus(c jobstore.StatusCounts) jobstore.Status {
	switch {
	case c.Wait > 0:
		return jobstore.StatusWait
	case c.Exit > 0:
		return jobstore.StatusExit
	}
	return jobstore.StatusDone
}

// HasUnfinishedJobs reports whether pe still has WAIT jobs
func (r *Reconciler) HasUnfinishedJobs(ctx context.Context, pe *jobstore.PluginExecution) (bool, error) {
	counts, err := r.store.CountJobStatuses(ctx, pe.ID)
	if err != nil {
		return false, err
	}
	return counts.Wait > 0, nil
}

// WasSuccessful reports whether every job of pe is DONE
func (r *Reconciler) WasSuccessful(ctx context.Context, pe *jobstore.PluginExecution) (bool, error) {
	counts, err := r.store.CountJobStatuses(ctx, pe.ID)
	if err != nil {
		return false, err
	}
	return counts.Wait == 0 && counts.Exit == 0, nil
}

// StatusCounts tallies the jobs of pe
func (r *Reconciler) StatusCounts(ctx context.Context, pe *jobstore.PluginExecution) (jobstore.StatusCounts, error) {
	return r.store.CountJobStatuses(ctx, pe.ID)
}

// Cancel marks pe and its WAIT jobs EXIT in the job store. Jobs already
// handed to the backend are not stopped there.
func (r *Reconciler) Cancel(ctx context.Context, pe *jobstore.PluginExecution) (int, error) {
	jobs, err := r.store.ListJobs(ctx, jobstore.JobFilter{
		PluginExecutionID: pe.ID,
		Statuses:          []jobstore.Status{jobstore.StatusWait},
	})
	if err != nil {
		return 0, err
	}
	if err := r.setAll(ctx, jobs, jobstore.StatusExit); err != nil {
		return 0, err
	}
	if err := r.store.UpdatePluginExecutionStatus(ctx, pe.ID, jobstore.StatusExit); err != nil {
		return 0, err
	}
	pe.Status = jobstore.StatusExit

	r.logger.Infow("Cancelled plugin execution",
		logger.FieldPluginExecutionID, pe.ID,
		logger.FieldCount, len(jobs))
	return len(jobs), nil
}

func (r *Reconciler) setAll(ctx context.Context, jobs []*jobstore.Job, status jobstore.Status) error {
	if len(jobs) == 0 {
		return nil
	}
	statuses := make(map[int64]jobstore.Status, len(jobs))
	for _, j := range jobs {
		statuses[j.ID] = status
	}
	if err := r.store.UpdateJobStatuses(ctx, statuses); err != nil {
		return err
	}
	for _, j := range jobs {
		j.Status = status
	}
	return nil
}
