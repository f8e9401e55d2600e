package store

import "time"

// DashboardStats computes the read API's aggregate view on demand; it
// is never materialized.
func (s *Store) DashboardStats() (*DashboardStats, error) {
	var stats DashboardStats

	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM job`).Scan(&stats.TotalJobs); err != nil {
		return nil, wrapStorage("dashboard_stats total", err)
	}

	startOfDay := time.Now().UTC().Truncate(24 * time.Hour)
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM job WHERE created_at >= ?`, startOfDay).Scan(&stats.JobsToday); err != nil {
		return nil, wrapStorage("dashboard_stats today", err)
	}

	var queued, running, succeeded, failed int64
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM job WHERE status = ?`, JobQueued).Scan(&queued); err != nil {
		return nil, wrapStorage("dashboard_stats queued", err)
	}
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM job WHERE status = ?`, JobRunning).Scan(&running); err != nil {
		return nil, wrapStorage("dashboard_stats running", err)
	}
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM job WHERE status = ?`, JobSuccess).Scan(&succeeded); err != nil {
		return nil, wrapStorage("dashboard_stats success", err)
	}
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM job WHERE status = ?`, JobFailed).Scan(&failed); err != nil {
		return nil, wrapStorage("dashboard_stats failed", err)
	}
	stats.QueuedCount = queued
	stats.RunningCount = running

	terminal := succeeded + failed
	if terminal > 0 {
		stats.SuccessRatePct = float64(succeeded) / float64(terminal) * 100
	}

	return &stats, nil
}
