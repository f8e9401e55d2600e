package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueuePushJob inserts one queued job for a push event. The canonical
// git_sha is the push payload's "after" SHA.
func (s *Store) EnqueuePushJob(repoID int64, push PushData) (int64, error) {
	filesJSON, _ := json.Marshal(push.FilesChanged)
	res, err := s.conn.Exec(`
		INSERT INTO job (repo_id, status, trigger_type, git_sha, git_ref, created_at,
			commit_message, commit_author, commit_url, files_changed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		repoID, JobQueued, TriggerPush, push.After, push.Ref, time.Now().UTC(),
		push.CommitMessage, push.CommitAuthor, push.CommitURL, string(filesJSON),
	)
	if err != nil {
		return 0, wrapStorage("enqueue_push_job", err)
	}
	return res.LastInsertId()
}

// EnqueuePRJob inserts one queued job for a pull_request event.
// git_ref is refs/pull/<n>/head.
func (s *Store) EnqueuePRJob(repoID int64, pr PRData) (int64, error) {
	ref := fmt.Sprintf("refs/pull/%d/head", pr.Number)
	res, err := s.conn.Exec(`
		INSERT INTO job (repo_id, status, trigger_type, git_sha, git_ref, created_at,
			pr_number, pr_title, pr_url, pr_author, pr_base_ref, pr_base_sha)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		repoID, JobQueued, TriggerPullRequest, pr.SHA, ref, time.Now().UTC(),
		pr.Number, pr.Title, pr.URL, pr.Author, pr.BaseRef, pr.BaseSHA,
	)
	if err != nil {
		return 0, wrapStorage("enqueue_pr_job", err)
	}
	return res.LastInsertId()
}

// EnqueueScheduledJob inserts one queued job for a cron fire, writing the
// RESOLVE: sentinel sha the agent interprets at checkout time.
func (s *Store) EnqueueScheduledJob(scheduledID, repoID int64, branch string) (int64, error) {
	sha := ResolveSentinelPrefix + branch
	ref := "refs/heads/" + branch
	res, err := s.conn.Exec(`
		INSERT INTO job (repo_id, status, trigger_type, git_sha, git_ref, created_at, scheduled_job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		repoID, JobQueued, TriggerManual, sha, ref, time.Now().UTC(), scheduledID,
	)
	if err != nil {
		return 0, wrapStorage("enqueue_scheduled_job", err)
	}
	return res.LastInsertId()
}

// Rerun copies the identity fields of an existing job into a new queued
// row. Only terminal (success/failed) jobs may be rerun: rerunning an
// in-flight job is rejected rather than racing its own claim token.
// Returns (0, nil) if the job does not exist or is not terminal.
func (s *Store) Rerun(jobID int64) (int64, error) {
	src, err := s.GetJob(jobID)
	if err != nil {
		return 0, err
	}
	if src == nil {
		return 0, nil
	}
	if src.Status != JobSuccess && src.Status != JobFailed {
		return 0, nil
	}

	res, err := s.conn.Exec(`
		INSERT INTO job (repo_id, status, trigger_type, git_sha, git_ref, created_at,
			commit_message, commit_author, commit_url, pr_number, pr_title, pr_url, pr_author,
			pr_base_ref, pr_base_sha, files_changed, parent_job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.RepoID, JobQueued, src.TriggerType, src.GitSHA, src.GitRef, time.Now().UTC(),
		src.CommitMessage, src.CommitAuthor, src.CommitURL, src.PRNumber, src.PRTitle, src.PRURL, src.PRAuthor,
		src.PRBaseRef, src.PRBaseSHA, mustJSON(src.FilesChanged), jobID,
	)
	if err != nil {
		return 0, wrapStorage("rerun", err)
	}
	return res.LastInsertId()
}

// ClaimNext atomically selects the oldest queued job, ties broken by
// created_at then row id, and transitions it to running under a freshly
// minted claim token. Returns nil, nil if there is no candidate.
func (s *Store) ClaimNext(agentID string) (*ClaimedJob, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return nil, wrapStorage("claim_next begin", err)
	}
	defer tx.Rollback()

	// This is a plain deferred transaction, not BEGIN IMMEDIATE. The
	// Store's pool holds one connection, so concurrent claims run one
	// transaction at a time; the status guard on the UPDATE below is a
	// second check that the row is still queued.
	var jobID int64
	err = tx.QueryRow(`
		SELECT id FROM job WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`, JobQueued).Scan(&jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage("claim_next select", err)
	}

	token := uuid.NewString()
	now := time.Now().UTC()
	res, err := tx.Exec(`
		UPDATE job SET status = ?, claimed_by = ?, claim_token = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		JobRunning, agentID, token, now, jobID, JobQueued,
	)
	if err != nil {
		return nil, wrapStorage("claim_next update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, wrapStorage("claim_next rows_affected", err)
	}
	if n == 0 {
		// Lost the race to another transaction between select and update.
		return nil, nil
	}

	var cj ClaimedJob
	var image string
	err = tx.QueryRow(`
		SELECT job.id, job.repo_id, repo.owner, repo.name, repo.clone_url, job.git_sha, job.git_ref, job.claim_token,
			repo.config_json
		FROM job JOIN repo ON repo.id = job.repo_id WHERE job.id = ?`, jobID).Scan(
		&cj.ID, &cj.RepoID, &cj.RepoOwner, &cj.RepoName, &cj.CloneURL, &cj.GitSHA, &cj.GitRef, &cj.ClaimToken, &image,
	)
	if err != nil {
		return nil, wrapStorage("claim_next join", err)
	}
	cj.Image = imageFromConfigJSON(image)

	if err := tx.Commit(); err != nil {
		return nil, wrapStorage("claim_next commit", err)
	}
	return &cj, nil
}

// imageFromConfigJSON pulls build.image out of a repo's last-synced raw
// config blob, falling back to the documented default.
func imageFromConfigJSON(configJSON string) string {
	if configJSON == "" {
		return "ubuntu:latest"
	}
	var parsed struct {
		Build struct {
			Image string `json:"image"`
		} `json:"build"`
	}
	if err := json.Unmarshal([]byte(configJSON), &parsed); err != nil || parsed.Build.Image == "" {
		return "ubuntu:latest"
	}
	return parsed.Build.Image
}

// AppendLog inserts a log row iff a running job with that (id,
// claim_token) exists; the guard check and the insert run inside one
// transaction.
func (s *Store) AppendLog(jobID int64, claimToken, line string) (bool, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return false, wrapStorage("append_log begin", err)
	}
	defer tx.Rollback()

	ok, err := jobIsRunningWithToken(tx, jobID, claimToken)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if _, err := tx.Exec(`INSERT INTO job_log (job_id, ts, line) VALUES (?, ?, ?)`, jobID, time.Now().UTC(), line); err != nil {
		return false, wrapStorage("append_log insert", err)
	}
	if err := tx.Commit(); err != nil {
		return false, wrapStorage("append_log commit", err)
	}
	return true, nil
}

// Finish transitions a running job to its terminal status iff the
// token matches; a second call (terminal already) returns false.
func (s *Store) Finish(jobID int64, claimToken string, success bool) (bool, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return false, wrapStorage("finish begin", err)
	}
	defer tx.Rollback()

	var repoID int64
	err = tx.QueryRow(`SELECT repo_id FROM job WHERE id = ? AND status = ? AND claim_token = ?`, jobID, JobRunning, claimToken).Scan(&repoID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapStorage("finish lookup", err)
	}

	status := JobFailed
	if success {
		status = JobSuccess
	}
	now := time.Now().UTC()
	res, err := tx.Exec(`UPDATE job SET status = ?, finished_at = ? WHERE id = ? AND status = ? AND claim_token = ?`,
		status, now, jobID, JobRunning, claimToken)
	if err != nil {
		return false, wrapStorage("finish update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapStorage("finish rows_affected", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := s.recordJobOutcome(tx, repoID, success); err != nil {
		return false, wrapStorage("finish record_outcome", err)
	}
	if err := tx.Commit(); err != nil {
		return false, wrapStorage("finish commit", err)
	}
	return true, nil
}

// VerifyJobToken passes only if a running job under repoID holds
// claimToken, for the repo-scoped sync endpoints.
func (s *Store) VerifyJobToken(repoID int64, claimToken string) (bool, error) {
	var n int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM job WHERE repo_id = ? AND status = ? AND claim_token = ?`,
		repoID, JobRunning, claimToken).Scan(&n)
	if err != nil {
		return false, wrapStorage("verify_job_token", err)
	}
	return n > 0, nil
}

// StoreMetrics attaches a metrics blob to the job under the same token
// guard as AppendLog, but does not require the job still be running -
// the small window while finish is arriving is allowed.
func (s *Store) StoreMetrics(jobID int64, claimToken string, metricsJSON string) (bool, error) {
	res, err := s.conn.Exec(`UPDATE job SET metrics_json = ? WHERE id = ? AND claim_token = ?`, metricsJSON, jobID, claimToken)
	if err != nil {
		return false, wrapStorage("store_metrics", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapStorage("store_metrics rows_affected", err)
	}
	return n > 0, nil
}

func jobIsRunningWithToken(tx *sql.Tx, jobID int64, claimToken string) (bool, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM job WHERE id = ? AND status = ? AND claim_token = ?`, jobID, JobRunning, claimToken).Scan(&n)
	if err != nil {
		return false, wrapStorage("job_is_running_with_token", err)
	}
	return n > 0, nil
}

const jobColumns = `id, repo_id, status, trigger_type, git_sha, git_ref, claimed_by, claim_token,
	started_at, finished_at, created_at, commit_message, commit_author, commit_url,
	pr_number, pr_title, pr_url, pr_author, pr_base_ref, pr_base_sha, files_changed,
	parent_job_id, scheduled_job_id, metrics_json`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var filesJSON string
	var parentID, scheduledID sql.NullInt64
	err := row.Scan(
		&j.ID, &j.RepoID, &j.Status, &j.TriggerType, &j.GitSHA, &j.GitRef, &j.ClaimedBy, &j.ClaimToken,
		&j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.CommitMessage, &j.CommitAuthor, &j.CommitURL,
		&j.PRNumber, &j.PRTitle, &j.PRURL, &j.PRAuthor, &j.PRBaseRef, &j.PRBaseSHA, &filesJSON,
		&parentID, &scheduledID, &j.MetricsJSON,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(filesJSON), &j.FilesChanged)
	if parentID.Valid {
		j.ParentJobID = &parentID.Int64
	}
	if scheduledID.Valid {
		j.ScheduledJobID = &scheduledID.Int64
	}
	return &j, nil
}

// GetJob loads a job by id. Returns nil, nil if not found.
func (s *Store) GetJob(id int64) (*Job, error) {
	row := s.conn.QueryRow(`SELECT `+jobColumns+` FROM job WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage("get_job", err)
	}
	return j, nil
}

// ListJobs returns up to limit jobs, most recent first.
func (s *Store) ListJobs(limit int) ([]*Job, error) {
	rows, err := s.conn.Query(`SELECT `+jobColumns+` FROM job ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapStorage("list_jobs", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, wrapStorage("list_jobs scan", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// GetLogs returns every log line for a job, in append order.
func (s *Store) GetLogs(jobID int64) ([]LogLine, error) {
	rows, err := s.conn.Query(`SELECT id, job_id, ts, line FROM job_log WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, wrapStorage("get_logs", err)
	}
	defer rows.Close()

	var out []LogLine
	for rows.Next() {
		var l LogLine
		if err := rows.Scan(&l.ID, &l.JobID, &l.Ts, &l.Line); err != nil {
			return nil, wrapStorage("get_logs scan", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}
