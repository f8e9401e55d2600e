package store

import "encoding/json"

// StoreCommits upserts per-(job_id, sha) commit rows, doing nothing on
// conflict so that replayed webhooks stay idempotent.
func (s *Store) StoreCommits(jobID int64, commits []CommitRecord) error {
	for _, c := range commits {
		filesJSON, _ := json.Marshal(c.FilesChanged)
		_, err := s.conn.Exec(`
			INSERT INTO job_commit (job_id, sha, author, committer, tree_id, files_changed, is_distinct)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(job_id, sha) DO NOTHING`,
			jobID, c.SHA, c.Author, c.Committer, c.TreeID, string(filesJSON), c.Distinct,
		)
		if err != nil {
			return wrapStorage("store_commits", err)
		}
	}
	return nil
}

// ListCommits returns every commit row recorded for a job.
func (s *Store) ListCommits(jobID int64) ([]CommitRecord, error) {
	rows, err := s.conn.Query(`SELECT sha, author, committer, tree_id, files_changed, is_distinct
		FROM job_commit WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, wrapStorage("list_commits", err)
	}
	defer rows.Close()

	var out []CommitRecord
	for rows.Next() {
		var c CommitRecord
		var filesJSON string
		if err := rows.Scan(&c.SHA, &c.Author, &c.Committer, &c.TreeID, &filesJSON, &c.Distinct); err != nil {
			return nil, wrapStorage("list_commits scan", err)
		}
		_ = json.Unmarshal([]byte(filesJSON), &c.FilesChanged)
		out = append(out, c)
	}
	return out, rows.Err()
}
