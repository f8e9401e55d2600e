package store

import "time"

// JobStatus is the closed enum a job's status must belong to.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// TriggerType identifies what caused a job to be enqueued.
type TriggerType string

const (
	TriggerPush        TriggerType = "push"
	TriggerPullRequest TriggerType = "pull_request"
	TriggerManual      TriggerType = "manual"
)

// ResolveSentinelPrefix marks a job's git_sha as "resolve HEAD of this
// branch at checkout time" rather than a literal SHA. Used by
// scheduler-originated jobs.
const ResolveSentinelPrefix = "RESOLVE:"

// Repo is the persisted Repository entity.
type Repo struct {
	ID                  int64
	Owner               string
	Name                string
	CloneURL            string
	VCSID               int64
	FullName            string
	HTMLURL             string
	SSHURL              string
	Private             bool
	DefaultBranch       string
	Language            string
	Description         string
	TriggerBranches     []string
	TriggerPullRequests bool
	TriggerPRTargets    []string
	ConfigJSON          string
	BuildCount          int64
	SuccessCount        int64
	FailureCount        int64
	LastBuildAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// UpsertRepoInput carries the fields a webhook or trigger-sync can supply.
// Zero-value string/int fields mean "no new value" and are left alone by
// UpsertRepo's COALESCE-style merge.
type UpsertRepoInput struct {
	Owner         string
	Name          string
	CloneURL      string
	Private       bool
	VCSID         int64
	FullName      string
	HTMLURL       string
	SSHURL        string
	DefaultBranch string
	Language      string
	Description   string
}

// Job is the persisted Job entity.
type Job struct {
	ID             int64
	RepoID         int64
	Status         JobStatus
	TriggerType    TriggerType
	GitSHA         string
	GitRef         string
	ClaimedBy      string
	ClaimToken     string
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	CommitMessage  string
	CommitAuthor   string
	CommitURL      string
	PRNumber       int64
	PRTitle        string
	PRURL          string
	PRAuthor       string
	PRBaseRef      string
	PRBaseSHA      string
	FilesChanged   []string
	ParentJobID    *int64
	ScheduledJobID *int64
	MetricsJSON    string
}

// ClaimedJob is everything an agent needs to run a job, returned by
// ClaimNext.
type ClaimedJob struct {
	ID         int64
	RepoID     int64
	RepoOwner  string
	RepoName   string
	CloneURL   string
	GitSHA     string
	GitRef     string
	Image      string
	ClaimToken string
}

// PushData is the denormalized subset of a push webhook payload that
// EnqueuePushJob persists onto the job row.
type PushData struct {
	Ref           string
	After         string
	CommitMessage string
	CommitAuthor  string
	CommitURL     string
	FilesChanged  []string
}

// PRData is the denormalized subset of a pull_request webhook payload
// that EnqueuePRJob persists onto the job row.
type PRData struct {
	Number  int64
	SHA     string
	Title   string
	URL     string
	Author  string
	BaseRef string
	BaseSHA string
	HeadRef string
}

// CommitRecord is one row of the per-(job,sha) immutable commit archive.
type CommitRecord struct {
	SHA          string
	Author       string
	Committer    string
	TreeID       string
	FilesChanged []string
	Distinct     bool
}

// LogLine is one append-only log row.
type LogLine struct {
	ID    int64
	JobID int64
	Ts    time.Time
	Line  string
}

// WebhookEvent is one immutable archived webhook delivery.
type WebhookEvent struct {
	ID         int64
	EventType  string
	DeliveryID string
	RawBody    []byte
	JobID      *int64
	Processed  bool
	CreatedAt  time.Time
}

// ScheduledEntry is the persisted Scheduled entry entity.
type ScheduledEntry struct {
	ID        int64
	RepoID    int64
	Branch    string
	Cron      string
	Timezone  string
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// DashboardStats is the aggregation dashboard_stats() returns.
type DashboardStats struct {
	TotalJobs      int64
	JobsToday      int64
	SuccessRatePct float64
	QueuedCount    int64
	RunningCount   int64
}
