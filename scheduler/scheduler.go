// Package scheduler turns an operator's launch request into plugin
// executions and jobs, in dependency order, and hands them to the
// execution backend.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/harvest/backend"
	"github.com/teranos/harvest/collected"
	"github.com/teranos/harvest/depgraph"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
	"github.com/teranos/harvest/logger"
)

// ErrUnfinished is returned when a plugin still has waiting jobs on the project
var ErrUnfinished = errors.Mark(errors.New("plugin has unfinished jobs on project"), errors.ErrConflict)

// LaunchRequest asks for one plugin to run on a project
type LaunchRequest struct {
	Plugin        *jobstore.Plugin
	ExecutionType jobstore.ExecutionType // revision-level plugins only
	Revisions     string                 // comma separated, for ExecutionRev
	RepositoryURL string                 // defaults to the project's first VCS system
	Queue         string                 // defaults to the backend's queue
	CoresPerJob   int                    // defaults to the backend's cores per job
	Arguments     map[string]string      // execute-time argument values by name
}

// Planned is a created execution with the jobs created for it
type Planned struct {
	Execution *jobstore.PluginExecution
	Plugin    *jobstore.Plugin
	Jobs      []*jobstore.Job
}

// Submission is the handle on a background hand-over to the backend
type Submission struct {
	Executions []*Planned
	done       chan error
}

// Done delivers the backend's answer once, then closes
func (s *Submission) Done() <-chan error { return s.done }

// Wait blocks until the hand-over finished or ctx is done
func (s *Submission) Wait(ctx context.Context) error {
	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scheduler creates executions and jobs and submits them
type Scheduler struct {
	store     *jobstore.Store
	collected collected.Store
	backend   backend.Backend
	logger    *zap.SugaredLogger
}

// New creates a scheduler. coll may be nil when no revision selection
// against the collected-data store is needed.
func New(store *jobstore.Store, coll collected.Store, be backend.Backend, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = logger.Logger
	}
	return &Scheduler{store: store, collected: coll, backend: be, logger: log.Named("scheduler")}
}

// Backend returns the backend jobs are submitted to
func (s *Scheduler) Backend() backend.Backend { return s.backend }

// HasUnfinishedJobs reports whether any execution of plugin on project still has WAIT jobs
func (s *Scheduler) HasUnfinishedJobs(ctx context.Context, pluginID, projectID int64) (bool, error) {
	executions, err := s.store.ListPluginExecutions(ctx, jobstore.ExecutionFilter{PluginID: pluginID, ProjectID: projectID})
	if err != nil {
		return false, err
	}
	for _, pe := range executions {
		counts, err := s.store.CountJobStatuses(ctx, pe.ID)
		if err != nil {
			return false, err
		}
		if counts.Wait > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Launch orders the requested plugins, creates one execution per plugin with
// its jobs and submits them in the background. Nothing is created when a
// plugin still has unfinished jobs on the project.
func (s *Scheduler) Launch(ctx context.Context, project *jobstore.Project, requests []LaunchRequest) (*Submission, error) {
	if len(requests) == 0 {
		return nil, errors.NewInvalidRequestError("nothing to launch on project %s", project.Name)
	}

	byID := make(map[int64]LaunchRequest, len(requests))
	plugins := make([]*jobstore.Plugin, 0, len(requests))
	for _, r := range requests {
		if _, dup := byID[r.Plugin.ID]; dup {
			return nil, errors.NewInvalidRequestError("plugin %s requested twice", r.Plugin)
		}
		byID[r.Plugin.ID] = r
		plugins = append(plugins, r.Plugin)
	}

	ordered, err := depgraph.Order(plugins)
	if err != nil {
		return nil, err
	}

	for _, p := range ordered {
		unfinished, err := s.HasUnfinishedJobs(ctx, p.ID, project.ID)
		if err != nil {
			return nil, err
		}
		if unfinished {
			return nil, errors.WithHint(
				errors.Wrapf(ErrUnfinished, "%s on %s", p, project.Name),
				"wait for the running execution, refresh its status or cancel it")
		}
	}

	var executions []*Planned
	for _, p := range ordered {
		pe, err := s.createExecution(ctx, project, byID[p.ID])
		if err != nil {
			return nil, err
		}
		executions = append(executions, &Planned{Execution: pe, Plugin: p})
	}

	if err := s.CreateJobs(ctx, project, executions); err != nil {
		return nil, err
	}
	return s.Submit(ctx, project, executions)
}

func (s *Scheduler) createExecution(ctx context.Context, project *jobstore.Project, req LaunchRequest) (*jobstore.PluginExecution, error) {
	p := req.Plugin
	pe := &jobstore.PluginExecution{
		PluginID:    p.ID,
		ProjectID:   project.ID,
		Queue:       req.Queue,
		CoresPerJob: req.CoresPerJob,
	}
	if pe.Queue == "" && s.backend != nil {
		pe.Queue = s.backend.DefaultQueue()
	}
	if pe.CoresPerJob == 0 && s.backend != nil {
		pe.CoresPerJob = s.backend.DefaultCoresPerJob()
	}

	if p.Type == jobstore.PluginTypeRepo || p.Type == jobstore.PluginTypeRev {
		url, err := s.repositoryURL(ctx, project, req.RepositoryURL)
		if err != nil {
			return nil, err
		}
		pe.RepositoryURL = url
	}
	if p.Type == jobstore.PluginTypeRev {
		pe.ExecutionType = req.ExecutionType
		if pe.ExecutionType == "" {
			pe.ExecutionType = jobstore.ExecutionAll
		}
		if !pe.ExecutionType.Valid() {
			return nil, errors.NewInvalidRequestError("unknown execution type %q", pe.ExecutionType)
		}
		if pe.ExecutionType == jobstore.ExecutionRev {
			pe.Revisions = req.Revisions
			if len(pe.RevisionList()) == 0 {
				return nil, errors.NewInvalidRequestError("execution type rev needs revisions for %s", p)
			}
		}
	}

	history, err := s.history(ctx, p, req.Arguments)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePluginExecution(ctx, pe, history); err != nil {
		return nil, err
	}
	s.logger.Infow("Created plugin execution",
		logger.FieldPluginExecutionID, pe.ID,
		logger.FieldPlugin, p.String(),
		logger.FieldProject, project.Name,
		"execution_type", pe.ExecutionType)
	return pe, nil
}

// history binds the supplied values to the plugin's execute arguments
func (s *Scheduler) history(ctx context.Context, p *jobstore.Plugin, values map[string]string) ([]jobstore.ExecutionHistory, error) {
	args, err := s.store.ListArguments(ctx, p.ID, jobstore.ArgumentExecute)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(args))
	history := make([]jobstore.ExecutionHistory, 0, len(args))
	var missing []string
	for _, a := range args {
		known[a.Name] = true
		v, ok := values[a.Name]
		if a.Required && strings.TrimSpace(v) == "" {
			missing = append(missing, a.Name)
			continue
		}
		if ok {
			history = append(history, jobstore.ExecutionHistory{ArgumentID: a.ID, Value: v})
		}
	}
	if len(missing) > 0 {
		return nil, errors.NewInvalidRequestError("%s: missing required arguments %s", p, strings.Join(missing, ", "))
	}
	for name := range values {
		if !known[name] {
			return nil, errors.NewInvalidRequestError("%s has no execute argument %q", p, name)
		}
	}
	return history, nil
}

// repositoryURL falls back to the first VCS system of the project in the collected-data store
func (s *Scheduler) repositoryURL(ctx context.Context, project *jobstore.Project, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if s.collected == nil {
		return "", errors.NewInvalidRequestError("no repository URL given for project %s", project.Name)
	}

	systems, err := collected.ProjectVCSSystems(ctx, s.collected, project.Name, project.MongoID)
	if err != nil {
		return "", errors.WithHint(err, "pass a repository URL explicitly")
	}
	return systems[0].URL, nil
}

// CreateJobs creates the jobs of each execution in order. Repository-level and
// other plugins get one job, revision-level plugins one per selected revision.
// A job requires every job created earlier in this batch for a plugin its
// plugin requires.
func (s *Scheduler) CreateJobs(ctx context.Context, project *jobstore.Project, executions []*Planned) error {
	created := make(map[int64][]int64) // plugin id → job ids

	for _, planned := range executions {
		var requires []int64
		for _, req := range planned.Plugin.Requires {
			requires = append(requires, created[req]...)
		}

		revisions := []string{""}
		if planned.Plugin.Type == jobstore.PluginTypeRev {
			revs, err := s.SelectRevisions(ctx, project, planned.Execution)
			if err != nil {
				return errors.Wrapf(err, "failed to select revisions for %s", planned.Plugin)
			}
			revisions = revs
		}

		jobs := make([]*jobstore.Job, len(revisions))
		for i, rev := range revisions {
			jobs[i] = &jobstore.Job{
				PluginExecutionID: planned.Execution.ID,
				RevisionHash:      rev,
				Requires:          append([]int64(nil), requires...),
			}
		}
		if err := s.store.CreateJobs(ctx, jobs); err != nil {
			return err
		}
		planned.Jobs = jobs
		for _, j := range jobs {
			created[planned.Plugin.ID] = append(created[planned.Plugin.ID], j.ID)
		}

		s.logger.Infow("Created jobs",
			logger.FieldPluginExecutionID, planned.Execution.ID,
			logger.FieldPlugin, planned.Plugin.String(),
			logger.FieldCount, len(jobs))
	}
	return nil
}

// Submit hands the executions to the backend on a goroutine. Executions
// without jobs are finished on the spot and left out of the hand-over.
func (s *Scheduler) Submit(ctx context.Context, project *jobstore.Project, executions []*Planned) (*Submission, error) {
	sub := &Submission{Executions: executions, done: make(chan error, 1)}

	var batches []backend.ExecutionBatch
	for _, planned := range executions {
		if len(planned.Jobs) == 0 {
			if err := s.store.UpdatePluginExecutionStatus(ctx, planned.Execution.ID, jobstore.StatusDone); err != nil {
				return nil, err
			}
			planned.Execution.Status = jobstore.StatusDone
			s.logger.Infow("No jobs to run, execution finished",
				logger.FieldPluginExecutionID, planned.Execution.ID,
				logger.FieldPlugin, planned.Plugin.String())
			continue
		}

		args, err := s.store.ExecutionArguments(ctx, planned.Execution.ID)
		if err != nil {
			return nil, err
		}
		batches = append(batches, backend.ExecutionBatch{
			Execution: planned.Execution,
			Plugin:    planned.Plugin,
			Arguments: args,
			Jobs:      planned.Jobs,
		})
	}

	if len(batches) == 0 {
		sub.done <- nil
		close(sub.done)
		return sub, nil
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		defer close(sub.done)
		start := time.Now()
		err := s.backend.ExecutePlugins(bg, project, batches)
		if err != nil {
			s.logger.Errorw("Submission to backend failed",
				logger.FieldProject, project.Name,
				logger.FieldBackend, s.backend.Identifier(),
				logger.FieldError, err)
			sub.done <- errors.Wrapf(err, "failed to submit %s", describe(batches))
			return
		}
		s.logger.Infow("Submitted to backend",
			logger.FieldProject, project.Name,
			logger.FieldBackend, s.backend.Identifier(),
			logger.FieldCount, len(batches),
			logger.FieldDurationMS, time.Since(start).Milliseconds())
		sub.done <- nil
	}()
	return sub, nil
}

func describe(batches []backend.ExecutionBatch) string {
	names := make([]string, len(batches))
	for i, b := range batches {
		names[i] = fmt.Sprintf("%s (execution %d)", b.Plugin, b.Execution.ID)
	}
	return strings.Join(names, ", ")
}
