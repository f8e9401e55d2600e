package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// defaultBuildBranches is the fallback trigger-branch set used when a
// repo has not yet synced its own filters.
var defaultBuildBranches = []string{"main", "master"}

// UpsertRepo inserts or updates a repository keyed on (owner, name).
// clone_url, private, and timestamps always overwrite; the remaining
// optional fields overwrite only when the new value is non-empty, a
// COALESCE-style merge.
func (s *Store) UpsertRepo(in UpsertRepoInput) (int64, error) {
	now := time.Now().UTC()

	var id int64
	err := s.conn.QueryRow(`SELECT id FROM repo WHERE owner = ? AND name = ?`, in.Owner, in.Name).Scan(&id)
	if err == sql.ErrNoRows {
		res, err := s.conn.Exec(`
			INSERT INTO repo (owner, name, clone_url, private, vcs_id, full_name, html_url, ssh_url,
				default_branch, language, description, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.Owner, in.Name, in.CloneURL, in.Private, in.VCSID, in.FullName, in.HTMLURL, in.SSHURL,
			in.DefaultBranch, in.Language, in.Description, now, now,
		)
		if err != nil {
			return 0, wrapStorage("upsert_repo insert", err)
		}
		return res.LastInsertId()
	}
	if err != nil {
		return 0, wrapStorage("upsert_repo lookup", err)
	}

	_, err = s.conn.Exec(`
		UPDATE repo SET
			clone_url = ?,
			private = ?,
			vcs_id = CASE WHEN ? != 0 THEN ? ELSE vcs_id END,
			full_name = CASE WHEN ? != '' THEN ? ELSE full_name END,
			html_url = CASE WHEN ? != '' THEN ? ELSE html_url END,
			ssh_url = CASE WHEN ? != '' THEN ? ELSE ssh_url END,
			default_branch = CASE WHEN ? != '' THEN ? ELSE default_branch END,
			language = CASE WHEN ? != '' THEN ? ELSE language END,
			description = CASE WHEN ? != '' THEN ? ELSE description END,
			updated_at = ?
		WHERE id = ?`,
		in.CloneURL, in.Private,
		in.VCSID, in.VCSID,
		in.FullName, in.FullName,
		in.HTMLURL, in.HTMLURL,
		in.SSHURL, in.SSHURL,
		in.DefaultBranch, in.DefaultBranch,
		in.Language, in.Language,
		in.Description, in.Description,
		now, id,
	)
	if err != nil {
		return 0, wrapStorage("upsert_repo update", err)
	}
	return id, nil
}

// GetRepo loads a repo by id. Returns nil, nil if not found.
func (s *Store) GetRepo(id int64) (*Repo, error) {
	return s.scanRepoRow(s.conn.QueryRow(`SELECT `+repoColumns+` FROM repo WHERE id = ?`, id))
}

func (s *Store) getRepoByOwnerName(owner, name string) (*Repo, error) {
	return s.scanRepoRow(s.conn.QueryRow(`SELECT `+repoColumns+` FROM repo WHERE owner = ? AND name = ?`, owner, name))
}

const repoColumns = `id, owner, name, clone_url, vcs_id, full_name, html_url, ssh_url, private,
	default_branch, language, description, trigger_branches, trigger_pull_requests, trigger_pr_targets,
	config_json, build_count, success_count, failure_count, last_build_at, created_at, updated_at`

func (s *Store) scanRepoRow(row *sql.Row) (*Repo, error) {
	var r Repo
	var branchesJSON string
	var targetsJSON sql.NullString
	err := row.Scan(
		&r.ID, &r.Owner, &r.Name, &r.CloneURL, &r.VCSID, &r.FullName, &r.HTMLURL, &r.SSHURL, &r.Private,
		&r.DefaultBranch, &r.Language, &r.Description, &branchesJSON, &r.TriggerPullRequests, &targetsJSON,
		&r.ConfigJSON, &r.BuildCount, &r.SuccessCount, &r.FailureCount, &r.LastBuildAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage("get_repo", err)
	}
	_ = json.Unmarshal([]byte(branchesJSON), &r.TriggerBranches)
	if targetsJSON.Valid {
		_ = json.Unmarshal([]byte(targetsJSON.String), &r.TriggerPRTargets)
	}
	return &r, nil
}

// ListRepos returns up to limit repos, most recently updated first.
func (s *Store) ListRepos(limit int) ([]*Repo, error) {
	rows, err := s.conn.Query(`SELECT `+repoColumns+` FROM repo ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapStorage("list_repos", err)
	}
	defer rows.Close()

	var out []*Repo
	for rows.Next() {
		var r Repo
		var branchesJSON string
		var targetsJSON sql.NullString
		if err := rows.Scan(
			&r.ID, &r.Owner, &r.Name, &r.CloneURL, &r.VCSID, &r.FullName, &r.HTMLURL, &r.SSHURL, &r.Private,
			&r.DefaultBranch, &r.Language, &r.Description, &branchesJSON, &r.TriggerPullRequests, &targetsJSON,
			&r.ConfigJSON, &r.BuildCount, &r.SuccessCount, &r.FailureCount, &r.LastBuildAt, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, wrapStorage("list_repos scan", err)
		}
		_ = json.Unmarshal([]byte(branchesJSON), &r.TriggerBranches)
		if targetsJSON.Valid {
			_ = json.Unmarshal([]byte(targetsJSON.String), &r.TriggerPRTargets)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SyncRepoTriggers overwrites the per-repo trigger filter fields, the
// write side of the trigger-sync protocol.
func (s *Store) SyncRepoTriggers(repoID int64, branches []string, pullRequests bool, prTargets []string, configJSON string) error {
	branchesJSON, _ := json.Marshal(branches)
	var targetsJSON sql.NullString
	if prTargets != nil {
		b, _ := json.Marshal(prTargets)
		targetsJSON = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.conn.Exec(`
		UPDATE repo SET trigger_branches = ?, trigger_pull_requests = ?, trigger_pr_targets = ?,
			config_json = CASE WHEN ? != '' THEN ? ELSE config_json END, updated_at = ?
		WHERE id = ?`,
		string(branchesJSON), pullRequests, targetsJSON, configJSON, configJSON, time.Now().UTC(), repoID,
	)
	if err != nil {
		return wrapStorage("sync_repo_triggers", err)
	}
	return nil
}

// ShouldBuildBranch reports whether a push to branch should trigger a
// build, defaulting to {main, master} when the repo is not yet known.
func (s *Store) ShouldBuildBranch(owner, name, branch string) (bool, error) {
	repo, err := s.getRepoByOwnerName(owner, name)
	if err != nil {
		return false, err
	}
	branches := defaultBuildBranches
	if repo != nil && len(repo.TriggerBranches) > 0 {
		branches = repo.TriggerBranches
	}
	for _, b := range branches {
		if b == branch {
			return true, nil
		}
	}
	return false, nil
}

// ShouldBuildPR reports whether a PR targeting targetBranch should
// trigger a build.
func (s *Store) ShouldBuildPR(owner, name, targetBranch string) (bool, error) {
	repo, err := s.getRepoByOwnerName(owner, name)
	if err != nil {
		return false, err
	}
	if repo == nil {
		return true, nil
	}
	if !repo.TriggerPullRequests {
		return false, nil
	}
	if len(repo.TriggerPRTargets) == 0 {
		return true, nil
	}
	for _, t := range repo.TriggerPRTargets {
		if t == targetBranch {
			return true, nil
		}
	}
	return false, nil
}

// recordJobOutcome bumps the repo's denormalized build counters. Called
// by Finish on the terminal transition.
func (s *Store) recordJobOutcome(tx *sql.Tx, repoID int64, success bool) error {
	now := time.Now().UTC()
	if success {
		_, err := tx.Exec(`UPDATE repo SET build_count = build_count + 1, success_count = success_count + 1, last_build_at = ? WHERE id = ?`, now, repoID)
		return err
	}
	_, err := tx.Exec(`UPDATE repo SET build_count = build_count + 1, failure_count = failure_count + 1, last_build_at = ? WHERE id = ?`, now, repoID)
	return err
}
