package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/foundry-ci/foundry/internal/buildconfig"
	"github.com/foundry-ci/foundry/internal/container"
)

// dispatchResult carries what a single container/pipeline/deploy run
// produced, for RunJob to fold into the job's final metrics and
// success/failure verdict.
type dispatchResult struct {
	success bool
	stages  []StageMetrics
}

// runSingleContainer runs the configured (or default) image and
// command as one container, bounded by the build's timeout.
func (r *Runner) runSingleContainer(ctx context.Context, jc *jobContext) (dispatchResult, error) {
	cmd := jc.config.Build.Command
	if cmd == "" {
		cmd = r.cfg.DefaultCommand
	}
	timeout := time.Duration(jc.config.Build.Timeout) * time.Second

	start := time.Now()
	status, exitCode, err := r.runContainerStep(ctx, jc, "build", jc.config.Build.Image, cmd, jc.config.Env, timeout)
	duration := time.Since(start)

	stage := StageMetrics{Name: "build", Status: status, DurationMs: duration.Milliseconds(), ExitCode: exitCode}
	return dispatchResult{success: status == "success", stages: []StageMetrics{stage}}, err
}

// runPipeline executes stages in declared order, honoring each
// stage's condition against the running any_failed flag.
func (r *Runner) runPipeline(ctx context.Context, jc *jobContext) (dispatchResult, error) {
	isPR := strings.HasPrefix(jc.claimed.GitRef, "refs/pull/")
	anyFailed := false
	var stages []StageMetrics

	for _, stage := range jc.config.Stages {
		if !shouldRunStage(stage.Condition, anyFailed, isPR) {
			continue
		}

		env := mergeEnv(jc.config.Env, stage.Env)
		image := stage.Image
		if image == "" {
			image = jc.config.Build.Image
		}
		timeout := time.Duration(stage.Timeout) * time.Second

		start := time.Now()
		status, exitCode, err := r.runContainerStep(ctx, jc, stage.Name, image, stage.Command, env, timeout)
		duration := time.Since(start)
		stages = append(stages, StageMetrics{Name: stage.Name, Status: status, DurationMs: duration.Milliseconds(), ExitCode: exitCode})

		if status != "success" {
			if stage.AllowFailure {
				continue
			}
			anyFailed = true
		}
		if err != nil {
			return dispatchResult{success: false, stages: stages}, err
		}
	}

	return dispatchResult{success: !anyFailed, stages: stages}, nil
}

func shouldRunStage(cond buildconfig.StageCondition, anyFailed, isPR bool) bool {
	switch cond {
	case buildconfig.ConditionAlways:
		return true
	case buildconfig.ConditionOnFailure:
		return anyFailed
	case buildconfig.ConditionOnPR:
		return isPR
	case buildconfig.ConditionOnPush:
		return !isPR
	default: // on_success
		return !anyFailed
	}
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// runDeploy creates and starts one long-running container from the
// build image, with the declared volumes, the config's env and the job
// label, and returns once it has started. It does not run compose (the
// compose file setting is ignored) and publishes no ports. Mount
// sources are validated against the deny-list before the runtime CLI
// ever sees them.
func (r *Runner) runDeploy(ctx context.Context, jc *jobContext) (dispatchResult, error) {
	var mounts []container.Mount
	for _, v := range jc.config.Deploy.Volumes {
		parts := strings.SplitN(v, ":", 2)
		if len(parts) != 2 {
			continue
		}
		mounts = append(mounts, container.Mount{Source: parts[0], Target: parts[1]})
	}
	if err := container.ValidateMounts(mounts); err != nil {
		return dispatchResult{success: false}, err
	}

	name := jc.config.Deploy.Name
	if name == "" {
		name = fmt.Sprintf("foundry-deploy-%d", jc.claimed.ID)
	}

	cfg := container.ContainerConfig{
		Image:   jc.config.Build.Image,
		Name:    name,
		Env:     jc.config.Env,
		Mounts:  mounts,
		Labels:  map[string]string{"foundry.job_id": fmt.Sprintf("%d", jc.claimed.ID)},
		WorkDir: jc.workspaceDir,
	}

	start := time.Now()
	id, err := r.containers.Create(ctx, cfg)
	if err != nil {
		return dispatchResult{success: false}, fmt.Errorf("deploy: create: %w", err)
	}
	if err := r.containers.Start(ctx, id); err != nil {
		return dispatchResult{success: false}, fmt.Errorf("deploy: start: %w", err)
	}

	duration := time.Since(start)
	stage := StageMetrics{Name: "deploy", Status: "success", DurationMs: duration.Milliseconds()}
	return dispatchResult{success: true, stages: []StageMetrics{stage}}, nil
}

// runContainerStep runs one container to completion (or until ctx's
// deadline fires), streaming its logs, and returns a {success,failed,
// timeout} status plus the exit code when known.
func (r *Runner) runContainerStep(ctx context.Context, jc *jobContext, name, image, cmd string, env map[string]string, timeout time.Duration) (status string, exitCode *int, err error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := container.ContainerConfig{
		Image:   image,
		Name:    fmt.Sprintf("foundry-job-%d-%s", jc.claimed.ID, name),
		Env:     env,
		Cmd:     []string{"sh", "-c", cmd},
		WorkDir: jc.workspaceDir,
		Labels:  map[string]string{"foundry.job_id": fmt.Sprintf("%d", jc.claimed.ID)},
	}

	id, err := r.containers.Create(ctx, cfg)
	if err != nil {
		return "failed", nil, fmt.Errorf("create container: %w", err)
	}
	defer r.containers.Remove(context.Background(), id)

	if err := r.containers.Start(ctx, id); err != nil {
		return "failed", nil, fmt.Errorf("start container: %w", err)
	}

	stdout, stderr, err := r.containers.Logs(ctx, id)
	if err == nil {
		go func() {
			defer stdout.Close()
			defer stderr.Close()
			streamLogs(ctx, r.client, jc.claimed.ID, jc.claimed.ClaimToken, stdout, stderr)
		}()
	}

	code, err := r.containers.Wait(stepCtx, id)
	if stepCtx.Err() != nil {
		r.log.WithField("job_id", jc.claimed.ID).Warn("runner: container step timed out, sweeping labeled containers")
		r.containers.Stop(context.Background(), id, 5*time.Second)
		if n, sweepErr := r.containers.KillByLabel(context.Background(), "foundry.job_id", fmt.Sprintf("%d", jc.claimed.ID)); sweepErr == nil && n > 0 {
			r.log.WithField("job_id", jc.claimed.ID).WithField("count", n).Warn("runner: swept lingering labeled containers after timeout")
		}
		return "timeout", nil, fmt.Errorf("step %s timed out after %s", name, timeout)
	}
	if err != nil {
		return "failed", nil, fmt.Errorf("wait for container: %w", err)
	}

	if code != 0 {
		return "failed", &code, nil
	}
	return "success", &code, nil
}
