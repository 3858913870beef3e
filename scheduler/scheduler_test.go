package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/harvest/backend/backendtest"
	"github.com/teranos/harvest/collected"
	"github.com/teranos/harvest/depgraph"
	"github.com/teranos/harvest/errors"
	harvesttest "github.com/teranos/harvest/internal/testing"
	"github.com/teranos/harvest/jobstore"
)

const antURL = "https://example.org/ant.git"

var cutoff = time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store   *jobstore.Store
	mem     *collected.Memory
	fake    *backendtest.Backend
	sched   *Scheduler
	project *jobstore.Project
	vcs     *jobstore.Plugin
	meco    *jobstore.Plugin
}

// newFixture stores commits c1..c3 up to the cutoff and c4 after it
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := jobstore.NewStore(harvesttest.CreateTestDB(t))
	mem := collected.NewMemory()

	projectID, err := mem.InsertProject(ctx, "ant")
	require.NoError(t, err)
	vcsID, err := mem.Insert(collected.CollectionVCSSystem, collected.VCSSystem{ProjectID: projectID, URL: antURL, LastUpdated: cutoff})
	require.NoError(t, err)
	for i, rev := range []string{"c1", "c2", "c3", "c4"} {
		date := cutoff.AddDate(0, 0, i-2)
		_, err := mem.Insert(collected.CollectionCommit, collected.Commit{VCSSystemID: vcsID, RevisionHash: rev, CommitterDate: date})
		require.NoError(t, err)
	}

	project := &jobstore.Project{Name: "ant", MongoID: projectID.Hex()}
	require.NoError(t, store.CreateProject(ctx, project))

	vcs := &jobstore.Plugin{Name: "vcsshark", Version: "0.1.0", Type: jobstore.PluginTypeRepo, Active: true, Installed: true}
	require.NoError(t, store.CreatePlugin(ctx, vcs, nil))
	meco := &jobstore.Plugin{
		Name: "mecoshark", Version: "0.2.0", Type: jobstore.PluginTypeRev, Active: true, Installed: true,
		Requirements: []jobstore.Requirement{{Name: "vcsshark", Operator: ">=", Version: "0.1.0"}},
		Requires:     []int64{vcs.ID},
	}
	args := []jobstore.Argument{
		{Name: "path", Type: jobstore.ArgumentExecute, Position: 1, Required: true},
		{Name: "debug", Type: jobstore.ArgumentExecute, Position: 2},
	}
	require.NoError(t, store.CreatePlugin(ctx, meco, args))

	fake := backendtest.New()
	return &fixture{
		store:   store,
		mem:     mem,
		fake:    fake,
		sched:   New(store, mem, fake, zaptest.NewLogger(t).Sugar()),
		project: project,
		vcs:     vcs,
		meco:    meco,
	}
}

func (f *fixture) mecoRequest(typ jobstore.ExecutionType) LaunchRequest {
	return LaunchRequest{Plugin: f.meco, ExecutionType: typ, Arguments: map[string]string{"path": "${path}"}}
}

func waitSubmitted(t *testing.T, sub *Submission) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sub.Wait(ctx))
}

// priorExecution stores a finished execution of meco with one job per revision status
func (f *fixture) priorExecution(t *testing.T, jobs map[string]jobstore.Status) {
	t.Helper()
	ctx := context.Background()
	pe := &jobstore.PluginExecution{PluginID: f.meco.ID, ProjectID: f.project.ID, RepositoryURL: antURL, Status: jobstore.StatusDone}
	require.NoError(t, f.store.CreatePluginExecution(ctx, pe, nil))
	for rev, status := range jobs {
		require.NoError(t, f.store.CreateJob(ctx, &jobstore.Job{PluginExecutionID: pe.ID, RevisionHash: rev, Status: status}))
	}
}

func revisionsOf(jobs []*jobstore.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.RevisionHash
	}
	return out
}

func TestLaunch_OrdersPluginsAndWiresJobRequires(t *testing.T) {
	f := newFixture(t)

	// requested dependent first
	sub, err := f.sched.Launch(context.Background(), f.project, []LaunchRequest{
		f.mecoRequest(jobstore.ExecutionAll),
		{Plugin: f.vcs},
	})
	require.NoError(t, err)
	waitSubmitted(t, sub)

	require.Len(t, sub.Executions, 2)
	vcsRun, mecoRun := sub.Executions[0], sub.Executions[1]
	assert.Equal(t, "vcsshark", vcsRun.Plugin.Name)
	assert.Equal(t, antURL, vcsRun.Execution.RepositoryURL, "repository URL comes from the collected-data store")

	require.Len(t, vcsRun.Jobs, 1)
	assert.Empty(t, vcsRun.Jobs[0].RevisionHash)

	assert.Equal(t, []string{"c1", "c2", "c3"}, revisionsOf(mecoRun.Jobs), "c4 is after the last synchronization")
	for _, j := range mecoRun.Jobs {
		assert.Equal(t, []int64{vcsRun.Jobs[0].ID}, j.Requires)
	}

	batches := f.fake.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, "default", batches[1].Execution.Queue)
	assert.Equal(t, 1, batches[1].Execution.CoresPerJob)
	require.Len(t, batches[1].Arguments, 1)
	assert.Equal(t, "${path}", batches[1].Arguments[0].Value)
}

func TestLaunch_RefusesUnfinished(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sub, err := f.sched.Launch(ctx, f.project, []LaunchRequest{{Plugin: f.vcs}})
	require.NoError(t, err)
	waitSubmitted(t, sub)

	_, err = f.sched.Launch(ctx, f.project, []LaunchRequest{{Plugin: f.vcs}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnfinished))
	assert.True(t, errors.IsConflictError(err))

	executions, err := f.store.ListPluginExecutions(ctx, jobstore.ExecutionFilter{PluginID: f.vcs.ID})
	require.NoError(t, err)
	assert.Len(t, executions, 1, "refused launch creates nothing")
}

func TestLaunch_CyclicRequest(t *testing.T) {
	f := newFixture(t)
	a := &jobstore.Plugin{ID: 100, Name: "a", Version: "1.0.0", Type: jobstore.PluginTypeOther, Requires: []int64{101}}
	b := &jobstore.Plugin{ID: 101, Name: "b", Version: "1.0.0", Type: jobstore.PluginTypeOther, Requires: []int64{100}}

	_, err := f.sched.Launch(context.Background(), f.project, []LaunchRequest{{Plugin: a}, {Plugin: b}})
	var cyclic *depgraph.CyclicDependencyError
	assert.True(t, errors.As(err, &cyclic))
}

func TestLaunch_SubmissionFailureKeepsJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fake.ExecErr = errors.New("cluster unreachable")

	sub, err := f.sched.Launch(ctx, f.project, []LaunchRequest{{Plugin: f.vcs}})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = sub.Wait(waitCtx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster unreachable")

	jobs, err := f.store.ListJobs(ctx, jobstore.JobFilter{PluginExecutionID: sub.Executions[0].Execution.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobstore.StatusWait, jobs[0].Status)
}

func TestLaunch_Arguments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.sched.Launch(ctx, f.project, []LaunchRequest{{Plugin: f.meco, ExecutionType: jobstore.ExecutionAll}})
	assert.True(t, errors.IsInvalidRequestError(err), "required argument missing")

	req := f.mecoRequest(jobstore.ExecutionAll)
	req.Arguments["nope"] = "x"
	_, err = f.sched.Launch(ctx, f.project, []LaunchRequest{req})
	assert.True(t, errors.IsInvalidRequestError(err), "unknown argument")
}

func TestLaunch_NoRevisionsFinishesExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sub, err := f.sched.Launch(ctx, f.project, []LaunchRequest{f.mecoRequest(jobstore.ExecutionError)})
	require.NoError(t, err)
	waitSubmitted(t, sub)

	assert.Empty(t, f.fake.Batches())
	pe, err := f.store.GetPluginExecution(ctx, sub.Executions[0].Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusDone, pe.Status)
}

func TestSelectRevisions(t *testing.T) {
	ctx := context.Background()

	t.Run("rev", func(t *testing.T) {
		f := newFixture(t)
		pe := &jobstore.PluginExecution{PluginID: f.meco.ID, ExecutionType: jobstore.ExecutionRev, Revisions: " a, b,,a "}
		revs, err := f.sched.SelectRevisions(ctx, f.project, pe)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, revs)
	})

	t.Run("new", func(t *testing.T) {
		f := newFixture(t)
		f.priorExecution(t, map[string]jobstore.Status{"c1": jobstore.StatusExit})
		pe := &jobstore.PluginExecution{PluginID: f.meco.ID, ExecutionType: jobstore.ExecutionNew, RepositoryURL: antURL}
		revs, err := f.sched.SelectRevisions(ctx, f.project, pe)
		require.NoError(t, err)
		assert.Equal(t, []string{"c2", "c3"}, revs)
	})

	t.Run("error", func(t *testing.T) {
		f := newFixture(t)
		// r1 failed then succeeded, r2 only ever failed, r3 succeeded
		f.priorExecution(t, map[string]jobstore.Status{"r1": jobstore.StatusExit, "r2": jobstore.StatusExit, "r3": jobstore.StatusDone})
		f.priorExecution(t, map[string]jobstore.Status{"r1": jobstore.StatusDone, "r2": jobstore.StatusExit})
		pe := &jobstore.PluginExecution{PluginID: f.meco.ID, ExecutionType: jobstore.ExecutionError}
		revs, err := f.sched.SelectRevisions(ctx, f.project, pe)
		require.NoError(t, err)
		assert.Equal(t, []string{"r2"}, revs)
	})

	t.Run("ver", func(t *testing.T) {
		f := newFixture(t)
		for _, cv := range []*jobstore.CommitValidation{
			{RevisionHash: "ok", Valid: true, CoastValid: true, MecoValid: true},
			{RevisionHash: "analysis", Valid: true, CoastValid: false, MecoValid: true},
			{RevisionHash: "broken", Valid: false},
			{RevisionHash: "elsewhere", Valid: false, VCSSystem: "https://example.org/other.git"},
		} {
			cv.ProjectID = f.project.ID
			if cv.VCSSystem == "" {
				cv.VCSSystem = antURL
			}
			_, err := f.store.UpsertCommitValidation(ctx, cv)
			require.NoError(t, err)
		}
		pe := &jobstore.PluginExecution{PluginID: f.meco.ID, ExecutionType: jobstore.ExecutionVer, RepositoryURL: antURL}
		revs, err := f.sched.SelectRevisions(ctx, f.project, pe)
		require.NoError(t, err)
		assert.Equal(t, []string{"broken", "analysis"}, revs)
	})

	t.Run("all without stored repository", func(t *testing.T) {
		f := newFixture(t)
		pe := &jobstore.PluginExecution{PluginID: f.meco.ID, ExecutionType: jobstore.ExecutionAll, RepositoryURL: "https://example.org/unknown.git"}
		_, err := f.sched.SelectRevisions(ctx, f.project, pe)
		assert.True(t, errors.IsNotFoundError(err))
	})
}

func TestCreateJobs_RequiresOnlyEarlierPlugins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	vcsPE := &jobstore.PluginExecution{PluginID: f.vcs.ID, ProjectID: f.project.ID, RepositoryURL: antURL}
	require.NoError(t, f.store.CreatePluginExecution(ctx, vcsPE, nil))
	mecoPE := &jobstore.PluginExecution{PluginID: f.meco.ID, ProjectID: f.project.ID, RepositoryURL: antURL, ExecutionType: jobstore.ExecutionRev, Revisions: "c1,c2"}
	require.NoError(t, f.store.CreatePluginExecution(ctx, mecoPE, nil))

	// meco alone: its requirement is not part of the batch
	alone := []*Planned{{Execution: mecoPE, Plugin: f.meco}}
	require.NoError(t, f.sched.CreateJobs(ctx, f.project, alone))
	for _, j := range alone[0].Jobs {
		assert.Empty(t, j.Requires)
	}

	both := []*Planned{{Execution: vcsPE, Plugin: f.vcs}, {Execution: mecoPE, Plugin: f.meco}}
	require.NoError(t, f.sched.CreateJobs(ctx, f.project, both))
	require.Len(t, both[1].Jobs, 2)
	assert.Equal(t, []int64{both[0].Jobs[0].ID}, both[1].Jobs[1].Requires)
}
