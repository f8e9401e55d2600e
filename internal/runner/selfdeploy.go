package runner

import (
	"context"
	"os"
	"os/exec"
)

// runSelfDeploy handles the distinct path taken when a job's clone URL
// names the agent's own deployment repo: instead of checking out and
// containerizing a build, it runs a local deploy script directly on
// the host, passing an installation token through as GITHUB_TOKEN when
// one is available. Output streams to the same log endpoint as every
// other job.
func (r *Runner) runSelfDeploy(ctx context.Context, jc *jobContext) bool {
	script := r.cfg.SelfDeployScript

	cmd := exec.CommandContext(ctx, script)
	cmd.Env = os.Environ()
	if token, err := r.installationToken(ctx); err == nil && token != "" {
		cmd.Env = append(cmd.Env, "GITHUB_TOKEN="+token)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.log.WithError(err).WithField("job_id", jc.claimed.ID).Error("runner: self-deploy stdout pipe failed")
		return false
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.log.WithError(err).WithField("job_id", jc.claimed.ID).Error("runner: self-deploy stderr pipe failed")
		return false
	}

	if err := cmd.Start(); err != nil {
		r.log.WithError(err).WithField("job_id", jc.claimed.ID).Error("runner: self-deploy script failed to start")
		return false
	}

	streamLogs(ctx, r.client, jc.claimed.ID, jc.claimed.ClaimToken, stdout, stderr)

	return cmd.Wait() == nil
}
