// Package queue implements the local work queue backend: commands are
// persisted as JSON envelopes in the job store database and executed by
// a pool of local workers ("peons").
package queue

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	getter "github.com/hashicorp/go-getter"
	"go.uber.org/zap"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/backend"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
	"github.com/teranos/harvest/logger"
)

// Backend feeds the local work queue
type Backend struct {
	cfg    am.QueueConfig
	mongo  am.MongoConfig
	store  *jobstore.Store
	queue  *Queue
	logger *zap.SugaredLogger
}

// New creates the queue backend over the job store's database
func New(cfg *am.Config, store *jobstore.Store, log *zap.SugaredLogger) *Backend {
	if log == nil {
		log = logger.Logger
	}
	return &Backend{
		cfg:    cfg.Queue,
		mongo:  cfg.Mongo,
		store:  store,
		queue:  NewQueue(store.DB()),
		logger: log.Named("queue"),
	}
}

// Register adds the LOCALQUEUE factory to reg
func Register(reg *backend.Registry) error {
	return reg.Register(am.BackendLocalQueue, func(deps backend.Deps) (backend.Backend, error) {
		if deps.Config == nil || deps.Store == nil {
			return nil, errors.NewInvalidRequestError("queue backend needs a config and a job store")
		}
		return New(deps.Config, deps.Store, deps.Logger), nil
	})
}

// Queue exposes the underlying work queue
func (b *Backend) Queue() *Queue { return b.queue }

func (b *Backend) Identifier() string { return am.BackendLocalQueue }

func (b *Backend) DefaultQueue() string { return "default" }

func (b *Backend) DefaultCoresPerJob() int {
	if b.cfg.CoresPerJob > 0 {
		return b.cfg.CoresPerJob
	}
	return logicalCores()
}

func (b *Backend) projectPath(project *jobstore.Project) string {
	return path.Join(b.cfg.RootPath, project.Name)
}

func (b *Backend) outputPath(peID int64) string {
	return path.Join(b.cfg.OutputPath, strconv.FormatInt(peID, 10))
}

// ExecutePlugins enqueues a fresh clone of the project, the output directories
// and one envelope per job. Jobs with unfinished prerequisites are held.
func (b *Backend) ExecutePlugins(ctx context.Context, project *jobstore.Project, batches []backend.ExecutionBatch) error {
	batchID := uuid.NewString()
	var items []*WorkItem

	checkout := b.projectPath(project)
	if pe, ok := backend.RepositoryExecution(batches); ok {
		rm, err := backend.RemoveCommand(checkout)
		if err != nil {
			return err
		}
		items = append(items,
			&WorkItem{Batch: batchID, Barrier: true, Envelope: Envelope{Shell: rm}},
			&WorkItem{Batch: batchID, Barrier: true, Envelope: Envelope{Shell: backend.CloneCommand(pe.RepositoryURL, checkout)}},
		)
	}

	var exited []int64
	for _, batch := range batches {
		command := backend.ExecutionCommand(b.cfg.PluginPath, project, batch, b.mongo)
		items = append(items, &WorkItem{
			Batch: batchID, Barrier: true,
			Envelope: Envelope{Shell: "mkdir -p " + b.outputPath(batch.Execution.ID)},
		})

		for _, job := range batch.Jobs {
			status, err := b.prerequisiteState(ctx, job)
			if err != nil {
				return err
			}
			if status == jobstore.StatusExit {
				exited = append(exited, job.ID)
				continue
			}

			item := &WorkItem{
				Batch: batchID,
				Envelope: Envelope{
					Shell:             backend.JobCommand(command, checkout, job),
					JobID:             job.ID,
					PluginExecutionID: batch.Execution.ID,
				},
			}
			if status == jobstore.StatusWait {
				item.Status = ItemHeld
			}
			items = append(items, item)
		}
	}

	if err := b.queue.Push(ctx, items...); err != nil {
		return errors.Wrapf(err, "failed to enqueue execution of project %s", project.Name)
	}

	if len(exited) > 0 {
		statuses := make(map[int64]jobstore.Status, len(exited))
		for _, id := range exited {
			statuses[id] = jobstore.StatusExit
		}
		if err := b.store.UpdateJobStatuses(ctx, statuses); err != nil {
			return errors.Wrap(err, "failed to fail jobs with failed prerequisites")
		}
	}

	b.logger.Infow("Enqueued plugin executions",
		logger.FieldProject, project.Name,
		logger.FieldCount, len(items),
		"batch", batchID,
		"failed_prerequisites", len(exited))
	return nil
}

// prerequisiteState is DONE when every required job is DONE,
// EXIT when one of them failed, and WAIT otherwise
func (b *Backend) prerequisiteState(ctx context.Context, job *jobstore.Job) (jobstore.Status, error) {
	if len(job.Requires) == 0 {
		return jobstore.StatusDone, nil
	}
	required, err := b.store.ListJobs(ctx, jobstore.JobFilter{IDs: job.Requires})
	if err != nil {
		return "", errors.Wrapf(err, "failed to load prerequisites of job %d", job.ID)
	}

	state := jobstore.StatusDone
	for _, r := range required {
		switch r.Status {
		case jobstore.StatusExit:
			return jobstore.StatusExit, nil
		case jobstore.StatusWait:
			state = jobstore.StatusWait
		}
	}
	return state, nil
}

// GetJobStatuses answers WAIT: peons write job status directly
func (b *Backend) GetJobStatuses(_ context.Context, jobs []*jobstore.Job) ([]jobstore.Status, error) {
	statuses := make([]jobstore.Status, len(jobs))
	for i := range statuses {
		statuses[i] = jobstore.StatusWait
	}
	return statuses, nil
}

func (b *Backend) GetOutputLog(_ context.Context, job *jobstore.Job) ([]string, error) {
	return backend.ReadLocalLog(backend.LogFile(b.cfg.OutputPath, job, backend.LogOut))
}

func (b *Backend) GetErrorLog(_ context.Context, job *jobstore.Job) ([]string, error) {
	return backend.ReadLocalLog(backend.LogFile(b.cfg.OutputPath, job, backend.LogErr))
}

func (b *Backend) GetSentCommand(_ context.Context, project *jobstore.Project, batch backend.ExecutionBatch, job *jobstore.Job) (string, error) {
	command := backend.ExecutionCommand(b.cfg.PluginPath, project, batch, b.mongo)
	return backend.JobCommand(command, b.projectPath(project), job), nil
}

// DeletePlugins enqueues removal of each plugin directory
func (b *Backend) DeletePlugins(ctx context.Context, plugins []*jobstore.Plugin) error {
	items := make([]*WorkItem, 0, len(plugins))
	for _, p := range plugins {
		rm, err := backend.RemoveCommand(backend.PluginDir(b.cfg.PluginPath, p))
		if err != nil {
			return errors.Wrapf(err, "failed to delete plugin %s", p)
		}
		items = append(items, &WorkItem{Envelope: Envelope{Shell: rm}})
	}
	return b.queue.Push(ctx, items...)
}

// DeleteOutput enqueues removal of a plugin execution's output directory
func (b *Backend) DeleteOutput(ctx context.Context, pe *jobstore.PluginExecution) error {
	rm, err := backend.RemoveCommand(b.outputPath(pe.ID))
	if err != nil {
		return err
	}
	return b.queue.Push(ctx, &WorkItem{Envelope: Envelope{Shell: rm}})
}

// InstallPlugins extracts each archive locally and enqueues its install script.
// The queued install has no back channel, so a successful extraction reports ok.
func (b *Backend) InstallPlugins(ctx context.Context, plugins []backend.PluginInstall) []backend.InstallResult {
	results := make([]backend.InstallResult, 0, len(plugins))
	for _, p := range plugins {
		result := backend.InstallResult{Plugin: p.Plugin.String(), OK: true}
		if err := b.installPlugin(ctx, p); err != nil {
			b.logger.Warnw("Plugin install failed",
				logger.FieldPlugin, p.Plugin.String(),
				logger.FieldError, err)
			result.OK = false
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results
}

func (b *Backend) installPlugin(ctx context.Context, p backend.PluginInstall) error {
	dir := backend.PluginDir(b.cfg.PluginPath, p.Plugin)
	if err := backend.DeleteSanityCheck(dir); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to remove old plugin dir %s", dir)
	}
	if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create plugin dir %s", dir)
	}
	if err := extractArchive(p.Plugin.ArchivePath, dir); err != nil {
		return err
	}

	batchID := uuid.NewString()
	return b.queue.Push(ctx,
		&WorkItem{Batch: batchID, Barrier: true, Envelope: Envelope{Shell: "chmod +x " + path.Join(dir, "install.sh")}},
		&WorkItem{Batch: batchID, Barrier: true, Envelope: Envelope{Shell: "chmod +x " + path.Join(dir, "execute.sh")}},
		&WorkItem{Batch: batchID, Barrier: true, Envelope: Envelope{Shell: backend.InstallCommand(b.cfg.PluginPath, p.Plugin, p.Arguments)}},
	)
}

// extractArchive unpacks archive into dir with the decompressor matching its extension
func extractArchive(archive, dir string) error {
	if archive == "" {
		return errors.NewInvalidRequestError("plugin has no archive")
	}
	if _, err := os.Stat(archive); err != nil {
		return errors.Wrapf(err, "plugin archive %s", archive)
	}

	decompressor, ok := decompressorFor(archive)
	if !ok {
		return errors.NewInvalidRequestError("unsupported plugin archive %s", filepath.Base(archive))
	}
	if err := decompressor.Decompress(dir, archive, true, 0); err != nil {
		return errors.Wrapf(err, "failed to extract %s", archive)
	}
	return nil
}

func decompressorFor(archive string) (getter.Decompressor, bool) {
	exts := make([]string, 0, len(getter.Decompressors))
	for ext := range getter.Decompressors {
		exts = append(exts, ext)
	}
	// longest first so tar.gz wins over gz
	sort.Slice(exts, func(i, j int) bool { return len(exts[i]) > len(exts[j]) })

	name := strings.ToLower(archive)
	for _, ext := range exts {
		if strings.HasSuffix(name, "."+ext) {
			return getter.Decompressors[ext], true
		}
	}
	return nil, false
}
