package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/harvest/jobstore"
)

func TestQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.queue.Push(ctx,
		&WorkItem{Envelope: Envelope{Shell: "first"}},
		&WorkItem{Envelope: Envelope{Shell: "second"}},
	))

	item, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "first", item.Envelope.Shell)
	assert.Equal(t, ItemRunning, item.Status)
	assert.NotNil(t, item.StartedAt)

	item, err = f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", item.Envelope.Shell)

	item, err = f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestQueue_BarrierBlocksLaterItemsOfBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.queue.Push(ctx,
		&WorkItem{Batch: "b1", Barrier: true, Envelope: Envelope{Shell: "clone"}},
		&WorkItem{Batch: "b1", Envelope: Envelope{Shell: "job-1"}},
		&WorkItem{Batch: "b1", Envelope: Envelope{Shell: "job-2"}},
		&WorkItem{Envelope: Envelope{Shell: "unrelated"}},
	))

	clone, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "clone", clone.Envelope.Shell)

	// clone still running: only the unbatched item is poppable
	next, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "unrelated", next.Envelope.Shell)

	next, err = f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, f.queue.Complete(ctx, clone.ID, ""))

	j1, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	j2, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", j1.Envelope.Shell)
	assert.Equal(t, "job-2", j2.Envelope.Shell)
}

func TestQueue_ReleaseDependents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := f.job(t, "")
	b := f.job(t, "")
	dependent := f.job(t, "rev", a, b)

	require.NoError(t, f.queue.Push(ctx, &WorkItem{
		Status:   ItemHeld,
		Envelope: Envelope{Shell: "dep", JobID: dependent.ID, PluginExecutionID: f.pe.ID},
	}))

	require.NoError(t, f.store.UpdateJobStatus(ctx, a.ID, jobstore.StatusDone))
	released, err := f.queue.ReleaseDependents(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, released, "b is not done yet")

	item, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, item)

	require.NoError(t, f.store.UpdateJobStatus(ctx, b.ID, jobstore.StatusDone))
	released, err = f.queue.ReleaseDependents(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{dependent.ID}, released)

	item, err = f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, dependent.ID, item.Envelope.JobID)
}

func TestQueue_FailDependentsIsTransitive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	root := f.job(t, "")
	mid := f.job(t, "", root)
	leaf := f.job(t, "", mid)

	require.NoError(t, f.queue.Push(ctx,
		&WorkItem{Status: ItemHeld, Envelope: Envelope{Shell: "mid", JobID: mid.ID}},
		&WorkItem{Status: ItemHeld, Envelope: Envelope{Shell: "leaf", JobID: leaf.ID}},
	))

	failed, err := f.queue.FailDependents(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{mid.ID, leaf.ID}, failed)

	items, err := f.queue.List(ctx, ItemFailed, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Contains(t, items[0].Error, "did not finish successfully")
}

func TestQueue_WaitHonoursContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	item, err := f.queue.Wait(ctx, 10*time.Millisecond)
	assert.Nil(t, item)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_CountsAndRequeue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.queue.Push(ctx,
		&WorkItem{Envelope: Envelope{Shell: "a"}},
		&WorkItem{Envelope: Envelope{Shell: "b"}},
	))
	_, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)

	counts, err := f.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[ItemQueued])
	assert.Equal(t, 1, counts[ItemRunning])

	n, err := f.queue.RequeueRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err = f.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[ItemQueued])
}
