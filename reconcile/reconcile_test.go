package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/harvest/backend"
	"github.com/teranos/harvest/backend/backendtest"
	"github.com/teranos/harvest/errors"
	harvesttest "github.com/teranos/harvest/internal/testing"
	"github.com/teranos/harvest/jobstore"
	"github.com/teranos/harvest/scheduler"
)

const repoURL = "https://example.org/ant.git"

type fixture struct {
	store   *jobstore.Store
	fake    *backendtest.Backend
	sched   *scheduler.Scheduler
	rec     *Reconciler
	project *jobstore.Project
	base    *jobstore.Plugin // other
	perRev  *jobstore.Plugin // rev, requires base
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := jobstore.NewStore(harvesttest.CreateTestDB(t))

	project := &jobstore.Project{Name: "ant"}
	require.NoError(t, store.CreateProject(ctx, project))

	base := &jobstore.Plugin{Name: "linkshark", Version: "1.0.0", Type: jobstore.PluginTypeOther, Active: true, Installed: true}
	require.NoError(t, store.CreatePlugin(ctx, base, nil))
	perRev := &jobstore.Plugin{
		Name: "coastshark", Version: "2.0.0", Type: jobstore.PluginTypeRev, Active: true, Installed: true,
		Requirements: []jobstore.Requirement{{Name: "linkshark", Operator: ">=", Version: "1.0.0"}},
		Requires:     []int64{base.ID},
	}
	require.NoError(t, store.CreatePlugin(ctx, perRev, nil))

	log := zaptest.NewLogger(t).Sugar()
	fake := backendtest.New()
	sched := scheduler.New(store, nil, fake, log)
	return &fixture{
		store:   store,
		fake:    fake,
		sched:   sched,
		rec:     New(store, sched, log),
		project: project,
		base:    base,
		perRev:  perRev,
	}
}

func wait(t *testing.T, sub *scheduler.Submission) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sub.Wait(ctx))
}

// launch runs base and perRev on revisions a and b
func (f *fixture) launch(t *testing.T) (*scheduler.Planned, *scheduler.Planned) {
	t.Helper()
	sub, err := f.sched.Launch(context.Background(), f.project, []scheduler.LaunchRequest{
		{Plugin: f.base},
		{Plugin: f.perRev, ExecutionType: jobstore.ExecutionRev, Revisions: "a,b", RepositoryURL: repoURL},
	})
	require.NoError(t, err)
	wait(t, sub)
	require.Len(t, sub.Executions, 2)
	return sub.Executions[0], sub.Executions[1]
}

func (f *fixture) jobs(t *testing.T, peID int64) []*jobstore.Job {
	t.Helper()
	jobs, err := f.store.ListJobs(context.Background(), jobstore.JobFilter{PluginExecutionID: peID})
	require.NoError(t, err)
	return jobs
}

func (f *fixture) executionStatus(t *testing.T, peID int64) jobstore.Status {
	t.Helper()
	pe, err := f.store.GetPluginExecution(context.Background(), peID)
	require.NoError(t, err)
	return pe.Status
}

func TestExecutionStatus(t *testing.T) {
	tests := []struct {
		name   string
		counts jobstore.StatusCounts
		want   jobstore.Status
	}{
		{"all done", jobstore.StatusCounts{Done: 3}, jobstore.StatusDone},
		{"one waiting", jobstore.StatusCounts{Wait: 1, Done: 2, Exit: 1}, jobstore.StatusWait},
		{"finished with failure", jobstore.StatusCounts{Done: 2, Exit: 1}, jobstore.StatusExit},
		{"no jobs", jobstore.StatusCounts{}, jobstore.StatusDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExecutionStatus(tt.counts))
		})
	}
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base, perRev := f.launch(t)

	f.fake.Statuses[base.Jobs[0].ID] = jobstore.StatusDone
	f.fake.Statuses[perRev.Jobs[0].ID] = jobstore.StatusDone

	all := append(f.jobs(t, base.Execution.ID), f.jobs(t, perRev.Execution.ID)...)
	changed, err := f.rec.Refresh(ctx, all)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	assert.Equal(t, jobstore.StatusDone, f.executionStatus(t, base.Execution.ID))
	assert.Equal(t, jobstore.StatusWait, f.executionStatus(t, perRev.Execution.ID))

	unfinished, err := f.rec.HasUnfinishedJobs(ctx, perRev.Execution)
	require.NoError(t, err)
	assert.True(t, unfinished)

	f.fake.Statuses[perRev.Jobs[1].ID] = jobstore.StatusExit
	changed, err = f.rec.RefreshExecution(ctx, perRev.Execution)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Equal(t, jobstore.StatusExit, f.executionStatus(t, perRev.Execution.ID))

	ok, err := f.rec.WasSuccessful(ctx, perRev.Execution)
	require.NoError(t, err)
	assert.False(t, ok)

	counts, err := f.rec.StatusCounts(ctx, perRev.Execution)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCounts{Done: 1, Exit: 1}, counts)
}

func TestRefresh_SkipsFinishedJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base, _ := f.launch(t)

	require.NoError(t, f.rec.MarkDone(ctx, base.Jobs))
	// the backend no longer knows the job; a finished job must not be asked about
	f.fake.Statuses[base.Jobs[0].ID] = jobstore.StatusExit

	changed, err := f.rec.Refresh(ctx, f.jobs(t, base.Execution.ID))
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Equal(t, jobstore.StatusDone, f.jobs(t, base.Execution.ID)[0].Status)
}

func TestRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, perRev := f.launch(t)

	_, err := f.rec.Restart(ctx, perRev.Execution)
	assert.True(t, errors.Is(err, ErrUnfinished), "waiting jobs block a restart")

	require.NoError(t, f.rec.MarkExit(ctx, perRev.Jobs))

	sub, err := f.rec.Restart(ctx, perRev.Execution)
	require.NoError(t, err)
	wait(t, sub)

	require.Len(t, sub.Executions, 1)
	clone := sub.Executions[0]
	assert.NotEqual(t, perRev.Execution.ID, clone.Execution.ID)
	assert.Equal(t, perRev.Execution.Revisions, clone.Execution.Revisions)

	fresh := f.jobs(t, clone.Execution.ID)
	require.Len(t, fresh, 2)
	for _, j := range fresh {
		assert.Equal(t, jobstore.StatusWait, j.Status)
		assert.Empty(t, j.Requires, "base is not part of the restart")
	}

	// prior records stay as they were
	for _, j := range f.jobs(t, perRev.Execution.ID) {
		assert.Equal(t, jobstore.StatusExit, j.Status)
	}
	assert.Len(t, f.fake.Batches(), 3)
}

func TestRestart_RefusedWhileCloneWaits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, perRev := f.launch(t)
	require.NoError(t, f.rec.MarkExit(ctx, perRev.Jobs))

	sub, err := f.rec.Restart(ctx, perRev.Execution)
	require.NoError(t, err)
	wait(t, sub)

	// the original is finished but its clone still waits
	_, err = f.rec.Restart(ctx, perRev.Execution)
	assert.True(t, errors.Is(err, ErrUnfinished))
	assert.True(t, errors.IsConflictError(err))

	executions, err := f.store.ListPluginExecutions(ctx, jobstore.ExecutionFilter{PluginID: f.perRev.ID, ProjectID: f.project.ID})
	require.NoError(t, err)
	assert.Len(t, executions, 2)
	assert.Len(t, f.fake.Batches(), 3)
}

func TestRestartJobs_RefusedWhileJobsWait(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, perRev := f.launch(t)
	require.NoError(t, f.rec.MarkExit(ctx, perRev.Jobs[:1]))

	_, err := f.rec.RestartJobs(ctx, f.jobs(t, perRev.Execution.ID)[:1])
	assert.True(t, errors.Is(err, ErrUnfinished), "job b still waits")

	executions, err := f.store.ListPluginExecutions(ctx, jobstore.ExecutionFilter{PluginID: f.perRev.ID, ProjectID: f.project.ID})
	require.NoError(t, err)
	assert.Len(t, executions, 1, "nothing is cloned")
	assert.Len(t, f.fake.Batches(), 2)
}

func TestRestartJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base, perRev := f.launch(t)
	require.NoError(t, f.rec.MarkExit(ctx, append(base.Jobs, perRev.Jobs...)))

	restart := []*jobstore.Job{f.jobs(t, perRev.Execution.ID)[1], f.jobs(t, base.Execution.ID)[0]}
	subs, err := f.rec.RestartJobs(ctx, restart)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	wait(t, subs[0])

	planned := subs[0].Executions
	require.Len(t, planned, 2)
	assert.Equal(t, f.base.ID, planned[0].Plugin.ID, "executions follow job order")
	assert.NotEqual(t, base.Execution.ID, planned[0].Execution.ID)

	require.Len(t, planned[1].Jobs, 1)
	copied := planned[1].Jobs[0]
	assert.Equal(t, "b", copied.RevisionHash)
	assert.Equal(t, jobstore.StatusWait, copied.Status)
	assert.Equal(t, []int64{planned[0].Jobs[0].ID}, copied.Requires)

	stored, err := f.store.GetJob(ctx, copied.ID)
	require.NoError(t, err)
	assert.Equal(t, copied.Requires, stored.Requires)

	batches := f.fake.Batches()
	require.Len(t, batches, 4)
	assert.Len(t, batches[3].Jobs, 1, "only the given job is resubmitted")
}

func TestSetJobStates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, perRev := f.launch(t)

	change, err := f.rec.SetJobStates(ctx, f.perRev, f.project, jobstore.StatusWait, jobstore.StatusExit, false)
	require.NoError(t, err)
	assert.False(t, change.Executed)
	assert.Len(t, change.Jobs, 2)
	for _, j := range f.jobs(t, perRev.Execution.ID) {
		assert.Equal(t, jobstore.StatusWait, j.Status, "dry run writes nothing")
	}

	change, err = f.rec.SetJobStates(ctx, f.perRev, f.project, jobstore.StatusWait, jobstore.StatusExit, true)
	require.NoError(t, err)
	assert.True(t, change.Executed)
	for _, j := range f.jobs(t, perRev.Execution.ID) {
		assert.Equal(t, jobstore.StatusExit, j.Status)
	}
	assert.Equal(t, jobstore.StatusExit, f.executionStatus(t, perRev.Execution.ID))

	_, err = f.rec.SetJobStates(ctx, f.perRev, f.project, "BROKEN", jobstore.StatusExit, true)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestSetFromBackend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base, _ := f.launch(t)

	require.NoError(t, f.rec.MarkExit(ctx, base.Jobs))
	f.fake.Statuses[base.Jobs[0].ID] = jobstore.StatusDone

	require.NoError(t, f.rec.SetFromBackend(ctx, f.jobs(t, base.Execution.ID)))
	assert.Equal(t, jobstore.StatusDone, f.jobs(t, base.Execution.ID)[0].Status)
	assert.Equal(t, jobstore.StatusDone, f.executionStatus(t, base.Execution.ID))
}

func TestFilterJobLogs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, perRev := f.launch(t)

	f.fake.ErrLogs[perRev.Jobs[0].ID] = []string{"Traceback", "ParseError: unexpected token"}
	f.fake.ErrLogs[perRev.Jobs[1].ID] = []string{"MemoryError"}

	match, err := f.rec.FilterJobLogs(ctx, f.perRev, f.project, jobstore.StatusWait, backend.LogErr, "ParseError")
	require.NoError(t, err)
	assert.Equal(t, 2, match.Jobs)
	assert.Equal(t, []string{"a"}, match.Found)
	assert.Equal(t, []string{"b"}, match.NotFound)

	match, err = f.rec.FilterJobLogs(ctx, f.perRev, f.project, jobstore.StatusWait, backend.LogOut, "ParseError")
	require.NoError(t, err)
	assert.Empty(t, match.Found, "missing output logs match nothing")

	_, err = f.rec.FilterJobLogs(ctx, f.perRev, f.project, jobstore.StatusWait, "stdout", "x")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, perRev := f.launch(t)
	require.NoError(t, f.rec.MarkDone(ctx, perRev.Jobs[:1]))

	n, err := f.rec.Cancel(ctx, perRev.Execution)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs := f.jobs(t, perRev.Execution.ID)
	assert.Equal(t, jobstore.StatusDone, jobs[0].Status)
	assert.Equal(t, jobstore.StatusExit, jobs[1].Status)
	assert.Equal(t, jobstore.StatusExit, f.executionStatus(t, perRev.Execution.ID))

	// the plugin may run on the project again
	unfinished, err := f.sched.HasUnfinishedJobs(ctx, f.perRev.ID, f.project.ID)
	require.NoError(t, err)
	assert.False(t, unfinished)
}
