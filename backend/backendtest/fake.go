// Package backendtest provides an in-memory Backend for tests of the
// packages built on top of backend.
package backendtest

import (
	"context"
	"sync"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/backend"
	"github.com/teranos/harvest/jobstore"
)

// Identifier of the fake backend
const Identifier = "FAKE"

// Backend records every call and answers from its maps
type Backend struct {
	mu sync.Mutex

	Installed []string
	Deleted   []string
	Executed  []backend.ExecutionBatch
	Cleared   []int64

	Statuses  map[int64]jobstore.Status
	OutLogs   map[int64][]string
	ErrLogs   map[int64][]string
	InstallFn func(p backend.PluginInstall) error
	ExecErr   error

	executed chan struct{}
}

// New returns an empty fake
func New() *Backend {
	return &Backend{
		Statuses: make(map[int64]jobstore.Status),
		OutLogs:  make(map[int64][]string),
		ErrLogs:  make(map[int64][]string),
		executed: make(chan struct{}, 64),
	}
}

// Factory registers the fake in a backend.Registry
func (b *Backend) Factory() backend.Factory {
	return func(backend.Deps) (backend.Backend, error) { return b, nil }
}

func (b *Backend) Identifier() string { return Identifier }

func (b *Backend) InstallPlugins(_ context.Context, plugins []backend.PluginInstall) []backend.InstallResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	results := make([]backend.InstallResult, len(plugins))
	for i, p := range plugins {
		results[i] = backend.InstallResult{Plugin: p.Plugin.String(), OK: true}
		if b.InstallFn != nil {
			if err := b.InstallFn(p); err != nil {
				results[i] = backend.InstallResult{Plugin: p.Plugin.String(), Error: err.Error()}
				continue
			}
		}
		b.Installed = append(b.Installed, p.Plugin.String())
	}
	return results
}

func (b *Backend) DeletePlugins(_ context.Context, plugins []*jobstore.Plugin) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range plugins {
		b.Deleted = append(b.Deleted, p.String())
	}
	return nil
}

func (b *Backend) ExecutePlugins(_ context.Context, _ *jobstore.Project, batches []backend.ExecutionBatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer func() { b.executed <- struct{}{} }()

	if b.ExecErr != nil {
		return b.ExecErr
	}
	b.Executed = append(b.Executed, batches...)
	return nil
}

// WaitExecuted blocks until ExecutePlugins has been called or ctx is done
func (b *Backend) WaitExecuted(ctx context.Context) bool {
	select {
	case <-b.executed:
		return true
	case <-ctx.Done():
		return false
	}
}

// Batches returns a copy of the executed batches
func (b *Backend) Batches() []backend.ExecutionBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.ExecutionBatch(nil), b.Executed...)
}

func (b *Backend) GetJobStatuses(_ context.Context, jobs []*jobstore.Job) ([]jobstore.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]jobstore.Status, len(jobs))
	for i, j := range jobs {
		if s, ok := b.Statuses[j.ID]; ok {
			out[i] = s
		} else {
			out[i] = jobstore.StatusWait
		}
	}
	return out, nil
}

func (b *Backend) GetOutputLog(_ context.Context, job *jobstore.Job) ([]string, error) {
	return b.log(b.OutLogs, job), nil
}

func (b *Backend) GetErrorLog(_ context.Context, job *jobstore.Job) ([]string, error) {
	return b.log(b.ErrLogs, job), nil
}

func (b *Backend) log(logs map[int64][]string, job *jobstore.Job) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lines, ok := logs[job.ID]; ok {
		return lines
	}
	return []string{backend.LogFileNotFound}
}

func (b *Backend) GetSentCommand(_ context.Context, project *jobstore.Project, batch backend.ExecutionBatch, job *jobstore.Job) (string, error) {
	cmd := backend.ExecutionCommand("/plugins", project, batch, am.MongoConfig{})
	return backend.JobCommand(cmd, "/projects/"+project.Name, job), nil
}

func (b *Backend) DeleteOutput(_ context.Context, pe *jobstore.PluginExecution) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Cleared = append(b.Cleared, pe.ID)
	return nil
}

func (b *Backend) DefaultQueue() string    { return "default" }
func (b *Backend) DefaultCoresPerJob() int { return 1 }
