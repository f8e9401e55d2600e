// Package store is the durable, transactional home for every piece of
// state the controller touches: repositories, jobs, log lines, commit
// records, the webhook archive, and cron schedules. Every primitive it
// exposes either succeeds, returns a typed not-applied boolean for a
// lease/token guard, or fails with a StorageError.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite connection. Serialized transactions are this
// implementation's reading of "skip-locked": the pool holds a single
// connection, so a second concurrent claim_next waits for the first
// transaction to finish and then finds the row already running, and
// the claim's UPDATE only applies to a row that is still queued.
type Store struct {
	conn *sql.DB
}

// Open creates or opens a SQLite-backed Store at path, enabling WAL mode
// and foreign keys, and runs migrations.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1) // single-writer: SQLite serializes writes anyway; this keeps retries out of the driver pool

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS repo (
	id                         INTEGER PRIMARY KEY AUTOINCREMENT,
	owner                      TEXT NOT NULL,
	name                       TEXT NOT NULL,
	clone_url                  TEXT NOT NULL DEFAULT '',
	vcs_id                     INTEGER NOT NULL DEFAULT 0,
	full_name                  TEXT NOT NULL DEFAULT '',
	html_url                   TEXT NOT NULL DEFAULT '',
	ssh_url                    TEXT NOT NULL DEFAULT '',
	private                    INTEGER NOT NULL DEFAULT 0,
	default_branch             TEXT NOT NULL DEFAULT '',
	language                   TEXT NOT NULL DEFAULT '',
	description                TEXT NOT NULL DEFAULT '',
	trigger_branches           TEXT NOT NULL DEFAULT '[]',
	trigger_pull_requests      INTEGER NOT NULL DEFAULT 1,
	trigger_pr_targets         TEXT,
	config_json                TEXT NOT NULL DEFAULT '',
	build_count                INTEGER NOT NULL DEFAULT 0,
	success_count              INTEGER NOT NULL DEFAULT 0,
	failure_count              INTEGER NOT NULL DEFAULT 0,
	last_build_at              DATETIME,
	created_at                 DATETIME NOT NULL,
	updated_at                 DATETIME NOT NULL,
	UNIQUE(owner, name)
);

CREATE TABLE IF NOT EXISTS job (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id          INTEGER NOT NULL REFERENCES repo(id),
	status           TEXT NOT NULL,
	trigger_type     TEXT NOT NULL,
	git_sha          TEXT NOT NULL,
	git_ref          TEXT NOT NULL DEFAULT '',
	claimed_by       TEXT NOT NULL DEFAULT '',
	claim_token      TEXT NOT NULL DEFAULT '',
	started_at       DATETIME,
	finished_at      DATETIME,
	created_at       DATETIME NOT NULL,
	commit_message   TEXT NOT NULL DEFAULT '',
	commit_author    TEXT NOT NULL DEFAULT '',
	commit_url       TEXT NOT NULL DEFAULT '',
	pr_number        INTEGER NOT NULL DEFAULT 0,
	pr_title         TEXT NOT NULL DEFAULT '',
	pr_url           TEXT NOT NULL DEFAULT '',
	pr_author        TEXT NOT NULL DEFAULT '',
	pr_base_ref      TEXT NOT NULL DEFAULT '',
	pr_base_sha      TEXT NOT NULL DEFAULT '',
	files_changed    TEXT NOT NULL DEFAULT '[]',
	parent_job_id    INTEGER,
	scheduled_job_id INTEGER,
	metrics_json     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_job_status_created ON job(status, created_at);
CREATE INDEX IF NOT EXISTS idx_job_repo ON job(repo_id);

CREATE TABLE IF NOT EXISTS job_log (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL REFERENCES job(id),
	ts     DATETIME NOT NULL,
	line   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_log_job ON job_log(job_id, id);

CREATE TABLE IF NOT EXISTS job_commit (
	job_id        INTEGER NOT NULL REFERENCES job(id),
	sha           TEXT NOT NULL,
	author        TEXT NOT NULL DEFAULT '',
	committer     TEXT NOT NULL DEFAULT '',
	tree_id       TEXT NOT NULL DEFAULT '',
	files_changed TEXT NOT NULL DEFAULT '[]',
	is_distinct   INTEGER NOT NULL DEFAULT 1,
	UNIQUE(job_id, sha)
);

CREATE TABLE IF NOT EXISTS webhook_event (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type  TEXT NOT NULL,
	delivery_id TEXT NOT NULL UNIQUE,
	raw_body    BLOB NOT NULL,
	job_id      INTEGER,
	processed   INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduled_job (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id      INTEGER NOT NULL REFERENCES repo(id),
	branch       TEXT NOT NULL DEFAULT 'main',
	cron         TEXT NOT NULL,
	timezone     TEXT NOT NULL DEFAULT 'UTC',
	enabled      INTEGER NOT NULL DEFAULT 1,
	last_run_at  DATETIME,
	next_run_at  DATETIME,
	UNIQUE(repo_id, branch)
);
`
	_, err := s.conn.Exec(schema)
	return err
}
