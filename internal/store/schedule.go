package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// UpsertSchedule validates the cron expression, computes the first
// future fire time under the configured timezone (UTC if unset), and
// persists it keyed on (repo_id, branch) with branch defaulting to
// "main".
func (s *Store) UpsertSchedule(repoID int64, cronExpr string, branch, timezone string) (int64, error) {
	if branch == "" {
		branch = "main"
	}
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return 0, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	next := schedule.Next(time.Now().In(loc)).UTC()

	var id int64
	err = s.conn.QueryRow(`SELECT id FROM scheduled_job WHERE repo_id = ? AND branch = ?`, repoID, branch).Scan(&id)
	if err == sql.ErrNoRows {
		res, err := s.conn.Exec(`
			INSERT INTO scheduled_job (repo_id, branch, cron, timezone, enabled, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			repoID, branch, cronExpr, timezone, true, next,
		)
		if err != nil {
			return 0, wrapStorage("upsert_schedule insert", err)
		}
		return res.LastInsertId()
	}
	if err != nil {
		return 0, wrapStorage("upsert_schedule lookup", err)
	}

	_, err = s.conn.Exec(`
		UPDATE scheduled_job SET cron = ?, timezone = ?, enabled = ?, next_run_at = ? WHERE id = ?`,
		cronExpr, timezone, true, next, id,
	)
	if err != nil {
		return 0, wrapStorage("upsert_schedule update", err)
	}
	return id, nil
}

// DeleteSchedule removes a schedule row, branch defaulting to "main".
// Returns true iff a row was actually deleted.
func (s *Store) DeleteSchedule(repoID int64, branch string) (bool, error) {
	if branch == "" {
		branch = "main"
	}
	res, err := s.conn.Exec(`DELETE FROM scheduled_job WHERE repo_id = ? AND branch = ?`, repoID, branch)
	if err != nil {
		return false, wrapStorage("delete_schedule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapStorage("delete_schedule rows_affected", err)
	}
	return n > 0, nil
}

// DeleteScheduleByID removes a schedule row by its primary key, used by
// the read API's DELETE /api/schedule/{id}.
func (s *Store) DeleteScheduleByID(id int64) (bool, error) {
	res, err := s.conn.Exec(`DELETE FROM scheduled_job WHERE id = ?`, id)
	if err != nil {
		return false, wrapStorage("delete_schedule_by_id", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapStorage("delete_schedule_by_id rows_affected", err)
	}
	return n > 0, nil
}

// ToggleSchedule flips enabled for the schedule and returns its new
// value.
func (s *Store) ToggleSchedule(id int64) (bool, error) {
	var enabled bool
	err := s.conn.QueryRow(`SELECT enabled FROM scheduled_job WHERE id = ?`, id).Scan(&enabled)
	if err != nil {
		return false, wrapStorage("toggle_schedule lookup", err)
	}
	newVal := !enabled
	if _, err := s.conn.Exec(`UPDATE scheduled_job SET enabled = ? WHERE id = ?`, newVal, id); err != nil {
		return false, wrapStorage("toggle_schedule update", err)
	}
	return newVal, nil
}

const scheduleColumns = `id, repo_id, branch, cron, timezone, enabled, last_run_at, next_run_at`

func scanSchedule(row interface{ Scan(...any) error }) (*ScheduledEntry, error) {
	var e ScheduledEntry
	if err := row.Scan(&e.ID, &e.RepoID, &e.Branch, &e.Cron, &e.Timezone, &e.Enabled, &e.LastRunAt, &e.NextRunAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListSchedules returns every schedule entry.
func (s *Store) ListSchedules() ([]*ScheduledEntry, error) {
	rows, err := s.conn.Query(`SELECT ` + scheduleColumns + ` FROM scheduled_job ORDER BY id`)
	if err != nil {
		return nil, wrapStorage("list_schedules", err)
	}
	defer rows.Close()

	var out []*ScheduledEntry
	for rows.Next() {
		e, err := scanSchedule(rows)
		if err != nil {
			return nil, wrapStorage("list_schedules scan", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DueSchedules returns every enabled entry whose next_run_at is null or
// has passed, the scheduler tick's candidate set.
func (s *Store) DueSchedules(now time.Time) ([]*ScheduledEntry, error) {
	rows, err := s.conn.Query(`
		SELECT `+scheduleColumns+` FROM scheduled_job
		WHERE enabled = 1 AND (next_run_at IS NULL OR next_run_at <= ?)`, now.UTC())
	if err != nil {
		return nil, wrapStorage("due_schedules", err)
	}
	defer rows.Close()

	var out []*ScheduledEntry
	for rows.Next() {
		e, err := scanSchedule(rows)
		if err != nil {
			return nil, wrapStorage("due_schedules scan", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AdvanceSchedule atomically records that an entry fired at now and
// recomputes its next future fire time, honoring the entry's timezone.
func (s *Store) AdvanceSchedule(id int64, now time.Time) error {
	var cronExpr, timezone string
	if err := s.conn.QueryRow(`SELECT cron, timezone FROM scheduled_job WHERE id = ?`, id).Scan(&cronExpr, &timezone); err != nil {
		return wrapStorage("advance_schedule lookup", err)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("advance_schedule: re-parsing stored cron %q: %w", cronExpr, err)
	}
	next := schedule.Next(now.In(loc)).UTC()

	_, err = s.conn.Exec(`UPDATE scheduled_job SET last_run_at = ?, next_run_at = ? WHERE id = ?`, now.UTC(), next, id)
	if err != nil {
		return wrapStorage("advance_schedule update", err)
	}
	return nil
}

// ReapExpiredClaims resets to queued every running job whose lease has
// outlived ttl, the lease-expiry option chosen for the crashed-agent
// reaper open question. Returns the ids reset.
func (s *Store) ReapExpiredClaims(ttl time.Duration) ([]int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	rows, err := s.conn.Query(`SELECT id FROM job WHERE status = ? AND started_at <= ?`, JobRunning, cutoff)
	if err != nil {
		return nil, wrapStorage("reap_expired_claims select", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, wrapStorage("reap_expired_claims scan", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("reap_expired_claims iterate", err)
	}

	for _, id := range ids {
		_, err := s.conn.Exec(`UPDATE job SET status = ?, claimed_by = '', claim_token = '', started_at = NULL
			WHERE id = ? AND status = ?`, JobQueued, id, JobRunning)
		if err != nil {
			return nil, wrapStorage("reap_expired_claims reset", err)
		}
	}
	return ids, nil
}
