package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := t.TempDir() + "/foundry.db"
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigration(t *testing.T) {
	s := newTestStore(t)
	tables := []string{"repo", "job", "job_log", "job_commit", "webhook_event", "scheduled_job"}
	for _, table := range tables {
		var name string
		err := s.conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestUpsertRepoMergesPartialFields(t *testing.T) {
	s := newTestStore(t)

	id, err := s.UpsertRepo(UpsertRepoInput{Owner: "o", Name: "r", CloneURL: "https://host/o/r.git", DefaultBranch: "main"})
	require.NoError(t, err)

	// Second call omits DefaultBranch but changes CloneURL; the
	// first call's DefaultBranch must survive the COALESCE-style merge.
	_, err = s.UpsertRepo(UpsertRepoInput{Owner: "o", Name: "r", CloneURL: "https://host/o/r2.git"})
	require.NoError(t, err)

	repo, err := s.GetRepo(id)
	require.NoError(t, err)
	require.NotNil(t, repo)
	assert.Equal(t, "https://host/o/r2.git", repo.CloneURL)
	assert.Equal(t, "main", repo.DefaultBranch)
}

func TestShouldBuildBranchDefaultsWhenRepoUnknown(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.ShouldBuildBranch("ghost", "repo", "main")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ShouldBuildBranch("ghost", "repo", "feature-x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestE1PushEnqueuesQueuedJob(t *testing.T) {
	s := newTestStore(t)

	repoID, err := s.UpsertRepo(UpsertRepoInput{Owner: "o", Name: "r", CloneURL: "https://host/o/r.git", DefaultBranch: "main"})
	require.NoError(t, err)

	jobID, err := s.EnqueuePushJob(repoID, PushData{Ref: "refs/heads/main", After: "abc123"})
	require.NoError(t, err)

	job, err := s.GetJob(jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobQueued, job.Status)
	assert.Equal(t, "abc123", job.GitSHA)
	assert.Equal(t, TriggerPush, job.TriggerType)
}

func TestClaimNextMutualExclusion(t *testing.T) {
	s := newTestStore(t)
	repoID, err := s.UpsertRepo(UpsertRepoInput{Owner: "o", Name: "r", CloneURL: "https://host/o/r.git"})
	require.NoError(t, err)
	jobID, err := s.EnqueuePushJob(repoID, PushData{Ref: "refs/heads/main", After: "abc123"})
	require.NoError(t, err)

	const agents = 8
	var wg sync.WaitGroup
	claims := make([]*ClaimedJob, agents)
	errs := make([]error, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claims[i], errs[i] = s.ClaimNext("agent-x")
		}(i)
	}
	wg.Wait()

	var won int
	for i := 0; i < agents; i++ {
		require.NoError(t, errs[i])
		if claims[i] != nil {
			won++
			assert.Equal(t, jobID, claims[i].ID)
		}
	}
	assert.Equal(t, 1, won, "exactly one agent should win the claim")

	job, err := s.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, job.Status)
}

func TestClaimNextEmptyQueue(t *testing.T) {
	s := newTestStore(t)
	claim, err := s.ClaimNext("agent-x")
	require.NoError(t, err)
	assert.Nil(t, claim)
}

func TestE2LeaseAndFinish(t *testing.T) {
	s := newTestStore(t)
	repoID, err := s.UpsertRepo(UpsertRepoInput{Owner: "o", Name: "r", CloneURL: "https://host/o/r.git"})
	require.NoError(t, err)
	_, err = s.EnqueuePushJob(repoID, PushData{Ref: "refs/heads/main", After: "abc123"})
	require.NoError(t, err)

	claim, err := s.ClaimNext("agent-A")
	require.NoError(t, err)
	require.NotNil(t, claim)

	empty, err := s.ClaimNext("agent-B")
	require.NoError(t, err)
	assert.Nil(t, empty)

	ok, err := s.AppendLog(claim.ID, claim.ClaimToken, "hello")
	require.NoError(t, err)
	assert.True(t, ok)

	logs, err := s.GetLogs(claim.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	assert.Equal(t, "hello", logs[0].Line)

	applied, err := s.Finish(claim.ID, claim.ClaimToken, true)
	require.NoError(t, err)
	assert.True(t, applied)

	job, err := s.GetJob(claim.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSuccess, job.Status)
	assert.NotNil(t, job.FinishedAt)

	// Second finish call is idempotent-rejecting.
	applied, err = s.Finish(claim.ID, claim.ClaimToken, true)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestE3StolenTokenRejected(t *testing.T) {
	s := newTestStore(t)
	repoID, err := s.UpsertRepo(UpsertRepoInput{Owner: "o", Name: "r", CloneURL: "https://host/o/r.git"})
	require.NoError(t, err)
	_, err = s.EnqueuePushJob(repoID, PushData{Ref: "refs/heads/main", After: "abc123"})
	require.NoError(t, err)

	claim, err := s.ClaimNext("agent-A")
	require.NoError(t, err)
	require.NotNil(t, claim)

	ok, err := s.AppendLog(claim.ID, "not-the-real-token", "x")
	require.NoError(t, err)
	assert.False(t, ok)

	logs, err := s.GetLogs(claim.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 0)
}

func TestStoreCommitsIdempotent(t *testing.T) {
	s := newTestStore(t)
	repoID, err := s.UpsertRepo(UpsertRepoInput{Owner: "o", Name: "r"})
	require.NoError(t, err)
	jobID, err := s.EnqueuePushJob(repoID, PushData{Ref: "refs/heads/main", After: "abc123"})
	require.NoError(t, err)

	commit := CommitRecord{SHA: "abc123", Author: "alice"}
	require.NoError(t, s.StoreCommits(jobID, []CommitRecord{commit}))
	require.NoError(t, s.StoreCommits(jobID, []CommitRecord{commit}))

	commits, err := s.ListCommits(jobID)
	require.NoError(t, err)
	assert.Len(t, commits, 1)
}

func TestUpsertScheduleIdempotentAndDelete(t *testing.T) {
	s := newTestStore(t)
	repoID, err := s.UpsertRepo(UpsertRepoInput{Owner: "o", Name: "r"})
	require.NoError(t, err)

	id1, err := s.UpsertSchedule(repoID, "*/5 * * * *", "main", "UTC")
	require.NoError(t, err)
	id2, err := s.UpsertSchedule(repoID, "0 * * * *", "main", "UTC")
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same (repo,branch) should update in place")

	deleted, err := s.DeleteSchedule(repoID, "main")
	require.NoError(t, err)
	assert.True(t, deleted)

	deletedAgain, err := s.DeleteSchedule(repoID, "main")
	require.NoError(t, err)
	assert.False(t, deletedAgain)
}

func TestUpsertScheduleRejectsInvalidCron(t *testing.T) {
	s := newTestStore(t)
	repoID, err := s.UpsertRepo(UpsertRepoInput{Owner: "o", Name: "r"})
	require.NoError(t, err)

	_, err = s.UpsertSchedule(repoID, "not a cron", "main", "UTC")
	assert.Error(t, err)
}

func TestE5SchedulerMonotonicity(t *testing.T) {
	s := newTestStore(t)
	repoID, err := s.UpsertRepo(UpsertRepoInput{Owner: "o", Name: "r"})
	require.NoError(t, err)
	schedID, err := s.UpsertSchedule(repoID, "*/5 * * * *", "main", "UTC")
	require.NoError(t, err)

	fireTime := time.Now().UTC()
	jobID, err := s.EnqueueScheduledJob(schedID, repoID, "main")
	require.NoError(t, err)
	require.NoError(t, s.AdvanceSchedule(schedID, fireTime))

	job, err := s.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, "RESOLVE:main", job.GitSHA)
	assert.Equal(t, TriggerManual, job.TriggerType)

	schedules, err := s.ListSchedules()
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	require.NotNil(t, schedules[0].NextRunAt)
	assert.True(t, schedules[0].NextRunAt.After(fireTime))
}

func TestRerunRejectsInFlightJob(t *testing.T) {
	s := newTestStore(t)
	repoID, err := s.UpsertRepo(UpsertRepoInput{Owner: "o", Name: "r"})
	require.NoError(t, err)
	jobID, err := s.EnqueuePushJob(repoID, PushData{Ref: "refs/heads/main", After: "abc"})
	require.NoError(t, err)

	claim, err := s.ClaimNext("agent-A")
	require.NoError(t, err)
	require.NotNil(t, claim)

	newID, err := s.Rerun(jobID)
	require.NoError(t, err)
	assert.Zero(t, newID, "rerunning a running job must be rejected")

	_, err = s.Finish(claim.ID, claim.ClaimToken, true)
	require.NoError(t, err)

	newID, err = s.Rerun(jobID)
	require.NoError(t, err)
	assert.NotZero(t, newID)

	rerunJob, err := s.GetJob(newID)
	require.NoError(t, err)
	require.NotNil(t, rerunJob.ParentJobID)
	assert.Equal(t, jobID, *rerunJob.ParentJobID)
	assert.Equal(t, JobQueued, rerunJob.Status)
}

func TestReapExpiredClaims(t *testing.T) {
	s := newTestStore(t)
	repoID, err := s.UpsertRepo(UpsertRepoInput{Owner: "o", Name: "r"})
	require.NoError(t, err)
	_, err = s.EnqueuePushJob(repoID, PushData{Ref: "refs/heads/main", After: "abc"})
	require.NoError(t, err)

	claim, err := s.ClaimNext("agent-A")
	require.NoError(t, err)
	require.NotNil(t, claim)

	reaped, err := s.ReapExpiredClaims(0)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, claim.ID, reaped[0])

	job, err := s.GetJob(claim.ID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status)
	assert.Empty(t, job.ClaimToken)
}

func TestDashboardStats(t *testing.T) {
	s := newTestStore(t)
	repoID, err := s.UpsertRepo(UpsertRepoInput{Owner: "o", Name: "r"})
	require.NoError(t, err)
	jobID1, err := s.EnqueuePushJob(repoID, PushData{Ref: "refs/heads/main", After: "a"})
	require.NoError(t, err)
	_, err = s.EnqueuePushJob(repoID, PushData{Ref: "refs/heads/main", After: "b"})
	require.NoError(t, err)

	claim, err := s.ClaimNext("agent-A")
	require.NoError(t, err)
	require.Equal(t, jobID1, claim.ID)
	_, err = s.Finish(claim.ID, claim.ClaimToken, true)
	require.NoError(t, err)

	stats, err := s.DashboardStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalJobs)
	assert.Equal(t, int64(1), stats.QueuedCount)
	assert.Equal(t, float64(100), stats.SuccessRatePct)
}
