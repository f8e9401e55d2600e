package runner

// StageMetrics records one pipeline stage's or single-container run's
// outcome.
type StageMetrics struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	ExitCode   *int   `json:"exit_code,omitempty"`
}

// JobMetrics is the blob POSTed to /agent/metrics before a job's
// finish call.
type JobMetrics struct {
	CloneDurationMs int64          `json:"clone_duration_ms"`
	BuildDurationMs *int64         `json:"build_duration_ms,omitempty"`
	Stages          []StageMetrics `json:"stages,omitempty"`
	TotalDurationMs int64          `json:"total_duration_ms"`
}
