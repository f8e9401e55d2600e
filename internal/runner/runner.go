// Package runner implements the agent side of foundry: a poll loop
// that claims jobs from the controller, checks out their revision,
// runs the declared build inside a container, streams logs back, and
// reports the outcome. Workspace lifecycle mirrors
// internal/worker/worker.go's per-unit worktree handling, generalized
// from a persistent worktree to a disposable per-job clone.
package runner

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/foundry-ci/foundry/internal/buildconfig"
	"github.com/foundry-ci/foundry/internal/config"
	"github.com/foundry-ci/foundry/internal/container"
	"github.com/foundry-ci/foundry/internal/ghapp"
	"github.com/foundry-ci/foundry/internal/gitcheckout"
	"github.com/foundry-ci/foundry/internal/store"
	"github.com/foundry-ci/foundry/internal/syncproto"
)

// Runner drives the agent's claim/run/report loop.
type Runner struct {
	cfg        *config.AgentConfig
	client     *ControllerClient
	containers container.Manager
	ghapp      *ghapp.Client
	log        *logrus.Logger
}

func New(cfg *config.AgentConfig, client *ControllerClient, containers container.Manager, log *logrus.Logger) *Runner {
	r := &Runner{cfg: cfg, client: client, containers: containers, log: log}

	if cfg.GitHubAppID != "" {
		key, err := loadAppPrivateKey(cfg)
		if err != nil {
			log.WithError(err).Warn("runner: could not load GitHub App private key, check-run reporting disabled")
		} else {
			r.ghapp = ghapp.New(cfg.GitHubAppID, cfg.GitHubInstallationID, key)
		}
	}
	return r
}

func loadAppPrivateKey(cfg *config.AgentConfig) (*rsa.PrivateKey, error) {
	raw := []byte(cfg.GitHubAppPrivateKey)
	if len(raw) == 0 && cfg.GitHubAppPrivateKeyPath != "" {
		data, err := os.ReadFile(cfg.GitHubAppPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		raw = data
	}
	return ghapp.ParsePrivateKeyPEM(raw)
}

// Run polls for work until ctx is cancelled. An empty queue or a
// transient claim error both back off by PollInterval; the loop never
// exits on a single job's failure.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := r.client.Claim(ctx, r.cfg.AgentID)
		if err != nil {
			r.log.WithError(err).Warn("runner: claim failed")
			sleepOrDone(ctx, r.cfg.PollInterval)
			continue
		}
		if claimed == nil {
			sleepOrDone(ctx, r.cfg.PollInterval)
			continue
		}

		r.log.WithField("job_id", claimed.ID).WithField("repo", claimed.RepoOwner+"/"+claimed.RepoName).Info("runner: claimed job")
		if err := r.RunJob(ctx, claimed); err != nil {
			r.log.WithError(err).WithField("job_id", claimed.ID).Error("runner: job failed")
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// jobContext threads the state RunJob's steps share.
type jobContext struct {
	claimed      *store.ClaimedJob
	workspaceDir string
	config       *buildconfig.Config
	authedURL    string
	safeURL      string
}

// RunJob executes every step of a claimed job: workspace prep,
// credential rewriting, checkout, config read + trigger/schedule
// sync, dispatch, metrics, and cleanup. It always reports finish to
// the controller exactly once, even on failure.
func (r *Runner) RunJob(ctx context.Context, claimed *store.ClaimedJob) error {
	jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	jc := &jobContext{
		claimed:      claimed,
		workspaceDir: filepath.Join(r.cfg.WorkspaceDir, fmt.Sprintf("job-%d", claimed.ID), "repo"),
		safeURL:      claimed.CloneURL,
		authedURL:    claimed.CloneURL,
	}
	defer r.cleanup(jc)

	totalStart := time.Now()

	if strings.Contains(claimed.CloneURL, r.cfg.SelfRepoSubstring) && r.cfg.SelfRepoSubstring != "" {
		success := r.runSelfDeploy(jobCtx, jc)
		return r.finish(jobCtx, jc, success, JobMetrics{TotalDurationMs: time.Since(totalStart).Milliseconds()})
	}

	if err := os.RemoveAll(jc.workspaceDir); err != nil {
		return r.finish(jobCtx, jc, false, JobMetrics{})
	}
	if err := os.MkdirAll(jc.workspaceDir, 0o755); err != nil {
		return r.finish(jobCtx, jc, false, JobMetrics{})
	}

	cloneStart := time.Now()
	if token, err := r.installationToken(jobCtx); err == nil && token != "" {
		jc.authedURL = ghapp.AuthenticatedCloneURL(claimed.CloneURL, token)
	}

	if err := gitcheckout.Checkout(jobCtx, jc.workspaceDir, jc.authedURL, claimed.GitSHA); err != nil {
		r.log.WithField("job_id", claimed.ID).Error("runner: checkout failed: " + sanitizeStderr(err.Error(), jc.authedURL, jc.safeURL))
		return r.finish(jobCtx, jc, false, JobMetrics{CloneDurationMs: time.Since(cloneStart).Milliseconds()})
	}
	cloneDuration := time.Since(cloneStart)

	cfg, err := buildconfig.ParseFile(filepath.Join(jc.workspaceDir, "foundry.toml"))
	if err != nil {
		r.log.WithError(err).WithField("job_id", claimed.ID).Warn("runner: foundry.toml parse failed, using defaults")
		cfg = &buildconfig.Config{}
		cfg.ApplyDefaults()
	}
	jc.config = cfg
	r.syncConfig(jobCtx, jc)

	result, dispatchErr := r.dispatch(jobCtx, jc)
	if dispatchErr != nil {
		r.log.WithField("job_id", claimed.ID).Error("runner: dispatch error: " + sanitizeStderr(dispatchErr.Error(), jc.authedURL, jc.safeURL))
	}

	metrics := JobMetrics{
		CloneDurationMs: cloneDuration.Milliseconds(),
		Stages:          result.stages,
		TotalDurationMs: time.Since(totalStart).Milliseconds(),
	}
	return r.finish(jobCtx, jc, result.success, metrics)
}

func (r *Runner) dispatch(ctx context.Context, jc *jobContext) (dispatchResult, error) {
	switch {
	case jc.config.Deploy.Enabled():
		return r.runDeploy(ctx, jc)
	case jc.config.HasStages():
		return r.runPipeline(ctx, jc)
	default:
		return r.runSingleContainer(ctx, jc)
	}
}

func (r *Runner) installationToken(ctx context.Context) (string, error) {
	if r.ghapp == nil {
		return "", nil
	}
	return r.ghapp.GetInstallationToken(ctx)
}

// syncConfig pushes the repo's declared triggers and schedule back to
// the controller. Failures are logged as warnings, never fatal.
func (r *Runner) syncConfig(ctx context.Context, jc *jobContext) {
	triggerReq := syncproto.TriggerSyncRequest{
		RepoID:           jc.claimed.RepoID,
		ClaimToken:       jc.claimed.ClaimToken,
		Branches:         jc.config.Triggers.Branches,
		PullRequests:     *jc.config.Triggers.PullRequests,
		PRTargetBranches: jc.config.Triggers.PRTargetBranches,
	}
	if err := r.client.SyncTriggers(ctx, triggerReq); err != nil {
		r.log.WithError(err).WithField("job_id", jc.claimed.ID).Warn("runner: trigger sync failed")
	}

	scheduleReq := syncproto.ScheduleSyncRequest{
		RepoID:     jc.claimed.RepoID,
		ClaimToken: jc.claimed.ClaimToken,
		Enabled:    jc.config.Schedule.Enabled != nil && *jc.config.Schedule.Enabled && jc.config.Schedule.Cron != "",
		Cron:       jc.config.Schedule.Cron,
		Branch:     jc.config.Schedule.Branch,
		Timezone:   jc.config.Schedule.Timezone,
	}
	if err := r.client.SyncSchedule(ctx, scheduleReq); err != nil {
		r.log.WithError(err).WithField("job_id", jc.claimed.ID).Warn("runner: schedule sync failed")
	}
}

func (r *Runner) finish(ctx context.Context, jc *jobContext, success bool, metrics JobMetrics) error {
	if err := r.client.Metrics(ctx, jc.claimed.ID, jc.claimed.ClaimToken, metrics); err != nil {
		r.log.WithError(err).WithField("job_id", jc.claimed.ID).Warn("runner: metrics post failed")
	}
	if err := r.client.Finish(ctx, jc.claimed.ID, jc.claimed.ClaimToken, success); err != nil {
		return fmt.Errorf("report finish: %w", err)
	}
	return nil
}

func (r *Runner) cleanup(jc *jobContext) {
	if jc.workspaceDir == "" {
		return
	}
	if err := os.RemoveAll(jc.workspaceDir); err != nil {
		r.log.WithError(err).WithField("job_id", jc.claimed.ID).Warn("runner: workspace cleanup failed")
	}
}
