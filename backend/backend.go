// Package backend defines the execution backend contract shared by the
// remote cluster and the local work queue, along with the command
// rendering both of them use.
package backend

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/jobstore"
)

// PluginInstall is a plugin together with its install-time arguments
type PluginInstall struct {
	Plugin    *jobstore.Plugin
	Arguments []jobstore.Argument
}

// InstallResult is the per-plugin outcome of an install batch
type InstallResult struct {
	Plugin string
	OK     bool
	Error  string
}

// ExecutionBatch is one plugin execution with the jobs to run for it
type ExecutionBatch struct {
	Execution *jobstore.PluginExecution
	Plugin    *jobstore.Plugin
	Arguments []jobstore.ArgumentValue
	Jobs      []*jobstore.Job
}

// Backend runs plugin commands somewhere and reports on them.
// Everything above this layer is backend-agnostic.
type Backend interface {
	Identifier() string

	// InstallPlugins reports one result per plugin; a failure does not stop the batch
	InstallPlugins(ctx context.Context, plugins []PluginInstall) []InstallResult
	DeletePlugins(ctx context.Context, plugins []*jobstore.Plugin) error

	// ExecutePlugins hands the batches over and returns without waiting for the jobs
	ExecutePlugins(ctx context.Context, project *jobstore.Project, batches []ExecutionBatch) error

	// GetJobStatuses answers in the order of jobs
	GetJobStatuses(ctx context.Context, jobs []*jobstore.Job) ([]jobstore.Status, error)

	GetOutputLog(ctx context.Context, job *jobstore.Job) ([]string, error)
	GetErrorLog(ctx context.Context, job *jobstore.Job) ([]string, error)
	GetSentCommand(ctx context.Context, project *jobstore.Project, batch ExecutionBatch, job *jobstore.Job) (string, error)
	DeleteOutput(ctx context.Context, pe *jobstore.PluginExecution) error

	DefaultQueue() string
	DefaultCoresPerJob() int
}

// Deps are the collaborators a backend factory may draw on
type Deps struct {
	Config *am.Config
	Store  *jobstore.Store
	Logger *zap.SugaredLogger
}

// Factory constructs a backend from its dependencies
type Factory func(deps Deps) (Backend, error)
