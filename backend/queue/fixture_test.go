package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	harvesttest "github.com/teranos/harvest/internal/testing"
	"github.com/teranos/harvest/jobstore"
)

type fixture struct {
	store   *jobstore.Store
	queue   *Queue
	plugin  *jobstore.Plugin
	project *jobstore.Project
	pe      *jobstore.PluginExecution
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := jobstore.NewStore(harvesttest.CreateTestDB(t))

	p := &jobstore.Plugin{Name: "mecoshark", Version: "0.2.0", Type: jobstore.PluginTypeRev, Active: true, Installed: true}
	require.NoError(t, store.CreatePlugin(ctx, p, nil))
	project := &jobstore.Project{Name: "ant"}
	require.NoError(t, store.CreateProject(ctx, project))
	pe := &jobstore.PluginExecution{PluginID: p.ID, ProjectID: project.ID, RepositoryURL: "https://example.org/ant.git"}
	require.NoError(t, store.CreatePluginExecution(ctx, pe, nil))

	return &fixture{store: store, queue: NewQueue(store.DB()), plugin: p, project: project, pe: pe}
}

func (f *fixture) job(t *testing.T, revision string, requires ...*jobstore.Job) *jobstore.Job {
	t.Helper()
	job := &jobstore.Job{PluginExecutionID: f.pe.ID, RevisionHash: revision}
	for _, r := range requires {
		job.Requires = append(job.Requires, r.ID)
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func (f *fixture) jobStatus(t *testing.T, id int64) jobstore.Status {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}
