// Package cluster implements the remote cluster backend: plugins and
// project checkouts live on a SLURM login node reached over SSH, jobs are
// submitted with sbatch from an uploaded script and polled with sacct.
package cluster

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/backend"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
	"github.com/teranos/harvest/logger"
)

// Backend submits plugin executions to a SLURM cluster
type Backend struct {
	id     string
	cfg    am.ClusterConfig
	mongo  am.MongoConfig
	store  *jobstore.Store // optional; used to look up prerequisites outside a submission
	dialer Dialer
	logger *zap.SugaredLogger

	submissions sync.WaitGroup
}

// New creates a cluster backend answering to id (GWDG or HPC)
func New(id string, cfg *am.Config, store *jobstore.Store, dialer Dialer, log *zap.SugaredLogger) *Backend {
	if log == nil {
		log = logger.Logger
	}
	log = log.Named("cluster")
	if dialer == nil {
		dialer = NewSSHDialer(cfg.Cluster, log)
	}
	return &Backend{
		id:     id,
		cfg:    cfg.Cluster,
		mongo:  cfg.Mongo,
		store:  store,
		dialer: dialer,
		logger: log,
	}
}

// Register adds the GWDG and HPC factories to reg
func Register(reg *backend.Registry) error {
	for _, id := range []string{am.BackendGWDG, am.BackendHPC} {
		id := id
		err := reg.Register(id, func(deps backend.Deps) (backend.Backend, error) {
			if deps.Config == nil {
				return nil, errors.NewInvalidRequestError("cluster backend %s needs a config", id)
			}
			return New(id, deps.Config, deps.Store, nil, deps.Logger), nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Identifier() string { return b.id }

func (b *Backend) DefaultQueue() string { return b.cfg.Queue }

func (b *Backend) DefaultCoresPerJob() int { return b.cfg.CoresPerJob }

// Wait blocks until background submissions have finished
func (b *Backend) Wait() { b.submissions.Wait() }

func (b *Backend) pluginPath() string { return path.Join(b.cfg.RootPath, "plugins") }

func (b *Backend) projectsPath() string { return path.Join(b.cfg.RootPath, "projects") }

func (b *Backend) projectPath(project *jobstore.Project) string {
	return path.Join(b.projectsPath(), project.Name)
}

func (b *Backend) logDir(peID int64) string {
	return path.Join(b.cfg.LogPath, strconv.FormatInt(peID, 10))
}

// ExecuteCommand runs command in its own session and returns stdout.
// Output on stderr is an error unless ignoreErrors is set.
func (b *Backend) ExecuteCommand(ctx context.Context, command string, ignoreErrors bool) ([]string, error) {
	b.logger.Infow("Execute command", logger.FieldCommand, command)

	var stdout, stderr []string
	err := withSession(ctx, b.dialer, func(s Session) error {
		var err error
		stdout, stderr, err = s.Run(ctx, command)
		return err
	})
	if err != nil {
		return nil, err
	}

	b.logger.Debugw("Command finished",
		logger.FieldCommand, command,
		"stdout", strings.Join(stdout, " "),
		"stderr", strings.Join(stderr, " "))
	if len(stderr) > 0 && !ignoreErrors {
		return stdout, &CommandError{Command: command, Stderr: stderr}
	}
	return stdout, nil
}

// SubmissionLine renders the sbatch call for one job.
// Cores and queue of the execution override the cluster defaults.
func (b *Backend) SubmissionLine(command string, project *jobstore.Project, pe *jobstore.PluginExecution, job *jobstore.Job, options ...string) string {
	cores := b.cfg.CoresPerJob
	queue := b.cfg.Queue
	if pe.CoresPerJob > 0 {
		cores = pe.CoresPerJob
	}
	if pe.Queue != "" {
		queue = pe.Queue
	}
	timeLimit := b.cfg.TimeLimit
	if timeLimit == "" {
		timeLimit = am.DefaultTimeLimit
	}

	parts := []string{
		"sbatch",
		"-n", strconv.Itoa(cores),
		"-t", timeLimit,
		"-p", queue,
		"-o", backend.LogFile(b.cfg.LogPath, job, backend.LogOut),
		"-e", backend.LogFile(b.cfg.LogPath, job, backend.LogErr),
		"-N", strconv.Itoa(b.cfg.HostsPerJob),
		"-J", strconv.Quote(strconv.FormatInt(job.ID, 10)),
	}
	if len(b.cfg.NodeFeatures) > 0 {
		parts = append(parts, "--constraint="+strconv.Quote(strings.Join(b.cfg.NodeFeatures, "&")))
	}
	parts = append(parts, options...)
	parts = append(parts, backend.JobCommand(command, b.projectPath(project), job))
	return strings.Join(parts, " ")
}

func (b *Backend) GetSentCommand(_ context.Context, project *jobstore.Project, batch backend.ExecutionBatch, job *jobstore.Job) (string, error) {
	command := backend.ExecutionCommand(b.pluginPath(), project, batch, b.mongo)
	return b.SubmissionLine(command, project, batch.Execution, job), nil
}

// ExecutePlugins prepares the checkout, creates the log directories and
// submits all jobs from one uploaded script in the background.
//
// Prerequisites submitted in the same script become afterok dependencies on
// the captured SLURM ids. Jobs whose prerequisite already failed are marked
// EXIT without being submitted. Jobs whose prerequisite from an earlier
// submission is still WAIT are held: they stay WAIT and are not submitted,
// and neither are their dependents in this submission.
func (b *Backend) ExecutePlugins(ctx context.Context, project *jobstore.Project, batches []backend.ExecutionBatch) error {
	b.logger.Infow("Preparing project", logger.FieldProject, project.Name)
	if err := b.prepareProject(ctx, project, batches); err != nil {
		return err
	}

	plan := newSubmissionPlan(batches)

	var lines []string
	var exited, held []int64
	for _, batch := range batches {
		if _, err := b.ExecuteCommand(ctx, "mkdir -p "+b.logDir(batch.Execution.ID), true); err != nil {
			return err
		}

		command := backend.ExecutionCommand(b.pluginPath(), project, batch, b.mongo)
		for _, job := range batch.Jobs {
			deps, state, err := b.dependencies(ctx, job, plan)
			if err != nil {
				return err
			}
			plan.settle(job.ID, state)
			switch state {
			case prereqFailed:
				exited = append(exited, job.ID)
			case prereqWaiting:
				held = append(held, job.ID)
			default:
				lines = append(lines, scriptLine(b.SubmissionLine(command, project, batch.Execution, job, submitOptions(deps)...), job))
			}
		}
	}
	if len(held) > 0 {
		b.logger.Warnw("Jobs held back, prerequisites from an earlier submission still waiting",
			logger.FieldProject, project.Name,
			"job_ids", held)
	}

	if len(exited) > 0 && b.store != nil {
		statuses := make(map[int64]jobstore.Status, len(exited))
		for _, id := range exited {
			statuses[id] = jobstore.StatusExit
		}
		if err := b.store.UpdateJobStatuses(ctx, statuses); err != nil {
			return errors.Wrap(err, "failed to fail jobs with failed prerequisites")
		}
	}

	b.logger.Infow("Sending submission script",
		logger.FieldProject, project.Name,
		logger.FieldCount, len(lines),
		"failed_prerequisites", len(exited),
		"held", len(held))
	_, err := b.SendAndExecute(ctx, lines, false)
	return err
}

type prereqState int

const (
	prereqReady prereqState = iota
	prereqFailed
	prereqWaiting
)

// submissionPlan tracks which jobs of one submission end up in the script
type submissionPlan struct {
	inScript map[int64]bool
	settled  map[int64]prereqState
}

func newSubmissionPlan(batches []backend.ExecutionBatch) *submissionPlan {
	p := &submissionPlan{inScript: make(map[int64]bool), settled: make(map[int64]prereqState)}
	for _, batch := range batches {
		for _, job := range batch.Jobs {
			p.inScript[job.ID] = true
		}
	}
	return p
}

func (p *submissionPlan) settle(id int64, state prereqState) {
	p.settled[id] = state
	if state != prereqReady {
		delete(p.inScript, id)
	}
}

// dependencies splits job.Requires into SLURM dependencies on jobs of the
// current submission and reports whether a prerequisite already failed or is
// still waiting outside the script. A failed prerequisite wins over a waiting one.
func (b *Backend) dependencies(ctx context.Context, job *jobstore.Job, plan *submissionPlan) ([]int64, prereqState, error) {
	var deps, outside []int64
	state := prereqReady
	for _, id := range job.Requires {
		switch {
		case plan.inScript[id]:
			deps = append(deps, id)
		case plan.settled[id] == prereqFailed:
			return nil, prereqFailed, nil
		case plan.settled[id] == prereqWaiting:
			state = prereqWaiting
		default:
			outside = append(outside, id)
		}
	}
	if len(outside) == 0 || b.store == nil {
		if state != prereqReady {
			return nil, state, nil
		}
		return deps, prereqReady, nil
	}

	required, err := b.store.ListJobs(ctx, jobstore.JobFilter{IDs: outside})
	if err != nil {
		return nil, prereqReady, errors.Wrapf(err, "failed to load prerequisites of job %d", job.ID)
	}
	for _, r := range required {
		switch r.Status {
		case jobstore.StatusExit:
			return nil, prereqFailed, nil
		case jobstore.StatusWait:
			state = prereqWaiting
		}
	}
	if state != prereqReady {
		return nil, state, nil
	}
	return deps, prereqReady, nil
}

func slurmVar(jobID int64) string { return "job_" + strconv.FormatInt(jobID, 10) }

func submitOptions(deps []int64) []string {
	opts := []string{"--parsable"}
	if len(deps) == 0 {
		return opts
	}
	refs := make([]string, len(deps))
	for i, id := range deps {
		refs[i] = "${" + slurmVar(id) + "}"
	}
	return append(opts, "--dependency=afterok:"+strings.Join(refs, ":"), "--kill-on-invalid-dep=yes")
}

// scriptLine captures the SLURM id of the submission for dependents
func scriptLine(submission string, job *jobstore.Job) string {
	return slurmVar(job.ID) + "=$(" + submission + ")"
}

// prepareProject re-clones the checkout when the VCS plugin is part of the
// batch and clones it only when absent otherwise
func (b *Backend) prepareProject(ctx context.Context, project *jobstore.Project, batches []backend.ExecutionBatch) error {
	pe, ok := backend.RepositoryExecution(batches)
	if !ok {
		return nil
	}
	checkout := b.projectPath(project)

	vcsPlugin := b.cfg.VCSPlugin
	if vcsPlugin == "" {
		vcsPlugin = am.DefaultVCSPlugin
	}
	fresh := false
	for _, batch := range batches {
		if strings.EqualFold(batch.Plugin.Name, vcsPlugin) {
			fresh = true
			break
		}
	}

	if fresh {
		b.logger.Infow("VCS plugin in batch, replacing checkout",
			logger.FieldProject, project.Name,
			logger.FieldPath, checkout)
		rm, err := backend.RemoveCommand(checkout)
		if err != nil {
			return err
		}
		if _, err := b.ExecuteCommand(ctx, rm, true); err != nil {
			return err
		}
		_, err = b.ExecuteCommand(ctx, backend.CloneCommand(pe.RepositoryURL, checkout), true)
		return err
	}

	out, err := b.ExecuteCommand(ctx, fmt.Sprintf("test -d %s && echo present", checkout), true)
	if err != nil {
		return err
	}
	if len(out) > 0 && out[0] == "present" {
		return nil
	}
	b.logger.Infow("Checkout missing, cloning",
		logger.FieldProject, project.Name,
		logger.FieldPath, checkout)
	_, err = b.ExecuteCommand(ctx, backend.CloneCommand(pe.RepositoryURL, checkout), true)
	return err
}

// Script renders the submission script, which removes itself when done
func Script(lines []string, remotePath string) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	sb.WriteString("rm -rf " + remotePath + "\n")
	return sb.String()
}

// SendAndExecute uploads lines as a script below the projects directory and
// runs it. Blocking runs return the script output; otherwise the script runs
// on a background goroutine that outlives ctx and only logs its outcome.
func (b *Backend) SendAndExecute(ctx context.Context, lines []string, blocking bool) ([]string, error) {
	remote := path.Join(b.projectsPath(), uuid.NewString()+".sh")
	script := Script(lines, remote)

	err := withSession(ctx, b.dialer, func(s Session) error {
		return s.Upload(ctx, strings.NewReader(script), remote)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to upload submission script %s", remote)
	}
	if _, err := b.ExecuteCommand(ctx, "chmod +x "+remote, false); err != nil {
		return nil, err
	}

	if blocking {
		return b.ExecuteCommand(ctx, remote, true)
	}

	bg := context.WithoutCancel(ctx)
	b.submissions.Add(1)
	go func() {
		defer b.submissions.Done()
		start := time.Now()
		out, err := b.ExecuteCommand(bg, remote, true)
		if err != nil {
			b.logger.Errorw("Submission script failed",
				logger.FieldPath, remote,
				logger.FieldError, err)
			return
		}
		b.logger.Infow("Submission script finished",
			logger.FieldPath, remote,
			logger.FieldCount, len(out),
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	}()
	return nil, nil
}

// InstallPlugins uploads and unpacks each plugin archive and runs its install script
func (b *Backend) InstallPlugins(ctx context.Context, plugins []backend.PluginInstall) []backend.InstallResult {
	results := make([]backend.InstallResult, 0, len(plugins))
	for _, pi := range plugins {
		result := backend.InstallResult{Plugin: pi.Plugin.String(), OK: true}
		if err := b.installPlugin(ctx, pi); err != nil {
			b.logger.Errorw("Plugin installation failed",
				logger.FieldPlugin, pi.Plugin.String(),
				logger.FieldError, err)
			result.OK = false
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results
}

func (b *Backend) installPlugin(ctx context.Context, pi backend.PluginInstall) error {
	p := pi.Plugin
	archive := filepath.Base(p.ArchivePath)
	dir := backend.PluginDir(b.pluginPath(), p)

	f, err := os.Open(p.ArchivePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open archive of %s", p)
	}
	defer f.Close()

	// relative to the remote home
	if err := withSession(ctx, b.dialer, func(s Session) error {
		return s.Upload(ctx, f, archive)
	}); err != nil {
		return errors.Wrapf(err, "failed to upload archive of %s", p)
	}

	if err := b.deletePlugin(ctx, p); err != nil {
		b.logger.Debugw("Ignoring failed removal of previous plugin directory",
			logger.FieldPlugin, p.String(),
			logger.FieldError, err)
	}

	commands := []string{
		"mkdir -p " + dir,
		fmt.Sprintf("tar -C %s -xvf %s", dir, archive),
		"rm -f ~/" + archive,
		"chmod +x " + path.Join(dir, "install.sh"),
		"chmod +x " + path.Join(dir, "execute.sh"),
		backend.InstallCommand(b.pluginPath(), p, pi.Arguments),
	}
	for _, c := range commands {
		if _, err := b.ExecuteCommand(ctx, c, false); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) deletePlugin(ctx context.Context, p *jobstore.Plugin) error {
	rm, err := backend.RemoveCommand(backend.PluginDir(b.pluginPath(), p))
	if err != nil {
		return err
	}
	_, err = b.ExecuteCommand(ctx, rm, false)
	return err
}

func (b *Backend) DeletePlugins(ctx context.Context, plugins []*jobstore.Plugin) error {
	for _, p := range plugins {
		if err := b.deletePlugin(ctx, p); err != nil {
			return errors.Wrapf(err, "failed to delete plugin %s", p)
		}
	}
	return nil
}

func (b *Backend) DeleteOutput(ctx context.Context, pe *jobstore.PluginExecution) error {
	rm, err := backend.RemoveCommand(b.logDir(pe.ID))
	if err != nil {
		return err
	}
	_, err = b.ExecuteCommand(ctx, rm, false)
	return err
}

func (b *Backend) GetOutputLog(ctx context.Context, job *jobstore.Job) ([]string, error) {
	return b.readLog(ctx, job, backend.LogOut)
}

func (b *Backend) GetErrorLog(ctx context.Context, job *jobstore.Job) ([]string, error) {
	return b.readLog(ctx, job, backend.LogErr)
}

// readLog prefers the local mirror of the log directory over SFTP
func (b *Backend) readLog(ctx context.Context, job *jobstore.Job, kind string) ([]string, error) {
	if b.cfg.LocalLogPath != "" {
		return backend.ReadLocalLog(backend.LogFile(b.cfg.LocalLogPath, job, kind))
	}

	remote := backend.LogFile(b.cfg.LogPath, job, kind)
	var lines []string
	err := withSession(ctx, b.dialer, func(s Session) error {
		f, err := s.Open(ctx, remote)
		if errors.Is(err, os.ErrNotExist) {
			lines = []string{backend.LogFileNotFound}
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "failed to open remote log %s", remote)
		}
		defer f.Close()
		lines, err = backend.ReadLogLines(f)
		return err
	})
	return lines, err
}
