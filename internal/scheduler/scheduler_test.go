package scheduler

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-ci/foundry/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/foundry.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestTickEnqueuesDueScheduleAndAdvances(t *testing.T) {
	s := newTestStore(t)
	repoID, err := s.UpsertRepo(store.UpsertRepoInput{Owner: "o", Name: "r"})
	require.NoError(t, err)
	schedID, err := s.UpsertSchedule(repoID, "*/1 * * * *", "main", "UTC")
	require.NoError(t, err)
	// A new schedule's first fire is in the future; move it into the
	// past so this tick finds it due.
	past := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, s.AdvanceSchedule(schedID, past))

	sched := New(s, testLogger(), time.Hour, time.Hour)
	sched.runTick(context.Background())

	jobs, err := s.ListJobs(10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "RESOLVE:main", jobs[0].GitSHA)

	schedules, err := s.ListSchedules()
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	require.Equal(t, schedID, schedules[0].ID)
	require.NotNil(t, schedules[0].LastRunAt)
	assert.True(t, schedules[0].LastRunAt.After(past))
}

func TestTickSkipsDisabledSchedule(t *testing.T) {
	s := newTestStore(t)
	repoID, err := s.UpsertRepo(store.UpsertRepoInput{Owner: "o", Name: "r"})
	require.NoError(t, err)
	schedID, err := s.UpsertSchedule(repoID, "*/1 * * * *", "main", "UTC")
	require.NoError(t, err)
	_, err = s.ToggleSchedule(schedID)
	require.NoError(t, err)

	sched := New(s, testLogger(), time.Hour, time.Hour)
	sched.runTick(context.Background())

	jobs, err := s.ListJobs(10)
	require.NoError(t, err)
	assert.Len(t, jobs, 0)
}

func TestTickReapsExpiredLease(t *testing.T) {
	s := newTestStore(t)
	repoID, err := s.UpsertRepo(store.UpsertRepoInput{Owner: "o", Name: "r"})
	require.NoError(t, err)
	_, err = s.EnqueuePushJob(repoID, store.PushData{Ref: "refs/heads/main", After: "sha1"})
	require.NoError(t, err)

	claim, err := s.ClaimNext("agent-x")
	require.NoError(t, err)
	require.NotNil(t, claim)

	sched := New(s, testLogger(), time.Hour, time.Nanosecond)
	sched.runTick(context.Background())

	job, err := s.GetJob(claim.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobQueued, job.Status)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestStore(t)
	sched := New(s, testLogger(), 10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}
