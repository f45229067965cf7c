package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savegress/dicomveil/pkg/log"
)

func waitJob(t *testing.T, r *Jobs, id string, want JobState) JobSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := r.Get(id)
		require.True(t, ok, "job %s disappeared", id)
		if snap.State == want {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return JobSnapshot{}
}

func TestJobs_RunToCompletion(t *testing.T) {
	t.Parallel()
	r := NewJobs(log.NewNopLogger())

	job := r.Start("noop", func(ctx context.Context, update func(string, any)) error {
		update("step", "done")
		return nil
	})

	snap := waitJob(t, r, job.ID(), JobCompleted)
	assert.Equal(t, "noop", snap.Kind)
	assert.Empty(t, snap.Error)
	require.NotNil(t, snap.FinishedAt)
	assert.Equal(t, "done", snap.Items["step"])
}

func TestJobs_FailureKeepsMessage(t *testing.T) {
	t.Parallel()
	r := NewJobs(log.NewNopLogger())

	job := r.Start("boom", func(ctx context.Context, update func(string, any)) error {
		return errors.New("remote refused")
	})

	snap := waitJob(t, r, job.ID(), JobFailed)
	assert.Equal(t, "remote refused", snap.Error)
}

func TestJobs_AbortCancels(t *testing.T) {
	t.Parallel()
	r := NewJobs(log.NewNopLogger())

	job := r.Start("block", func(ctx context.Context, update func(string, any)) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.True(t, r.Abort(job.ID()))
	snap := waitJob(t, r, job.ID(), JobCancelled)
	assert.Empty(t, snap.Error)

	assert.False(t, r.Abort("no-such-job"))
}

func TestJobs_ListNewestFirst(t *testing.T) {
	t.Parallel()
	r := NewJobs(log.NewNopLogger())

	release := make(chan struct{})
	hold := func(ctx context.Context, update func(string, any)) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	first := r.Start("a", hold)
	time.Sleep(5 * time.Millisecond) // distinct start times for the sort
	second := r.Start("b", hold)
	defer close(release)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID(), list[0].ID)
	assert.Equal(t, first.ID(), list[1].ID)
}

func TestJobs_PruneDropsOldestFinished(t *testing.T) {
	t.Parallel()
	r := NewJobs(log.NewNopLogger())

	noop := func(ctx context.Context, update func(string, any)) error { return nil }

	var ids []string
	for i := 0; i < retainFinished+4; i++ {
		job := r.Start("noop", noop)
		ids = append(ids, job.ID())
		waitJob(t, r, job.ID(), JobCompleted)
	}

	_, ok := r.Get(ids[0])
	assert.False(t, ok, "oldest finished job should be pruned")
	_, ok = r.Get(ids[len(ids)-1])
	assert.True(t, ok)
}
