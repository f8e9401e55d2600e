package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Agent-side defaults.
const (
	DefaultServerURL        = "http://localhost:8080"
	DefaultPollInterval     = 5 * time.Second
	DefaultWorkspaceDir     = "/tmp/foundry-workspace"
	DefaultDefaultCommand   = "make ci"
	DefaultJobTimeout       = 30 * time.Minute
	DefaultSelfDeployScript = "/app/scripts/deploy.sh"
)

// AgentConfig holds everything foundry-agent needs to poll the
// controller, check out a job's commit, run its build, and report
// back. GitHub App identity fields are optional: an agent that never
// deploys or opens check runs can omit them entirely.
type AgentConfig struct {
	AgentID                 string        `envconfig:"FOUNDRY_AGENT_ID"`
	ServerURL               string        `envconfig:"FOUNDRY_SERVER_URL" default:"http://localhost:8080"`
	WorkspaceDir            string        `envconfig:"FOUNDRY_WORKSPACE_DIR" default:"/tmp/foundry-workspace"`
	PollInterval            time.Duration `envconfig:"FOUNDRY_POLL_INTERVAL" default:"5s"`
	DefaultCommand          string        `envconfig:"FOUNDRY_DEFAULT_COMMAND" default:"make ci"`
	JobTimeout              time.Duration `envconfig:"FOUNDRY_JOB_TIMEOUT" default:"30m"`
	LogLevel                string        `envconfig:"FOUNDRY_LOG_LEVEL" default:"info"`
	GitHubAppID             string        `envconfig:"GITHUB_APP_ID"`
	GitHubInstallationID    string        `envconfig:"GITHUB_INSTALLATION_ID"`
	GitHubAppPrivateKey     string        `envconfig:"GITHUB_APP_PRIVATE_KEY"`
	GitHubAppPrivateKeyPath string        `envconfig:"GITHUB_APP_PRIVATE_KEY_PATH"`
	ContainerRuntime        string        `envconfig:"FOUNDRY_CONTAINER_RUNTIME" default:"docker"`
	SelfRepoSubstring       string        `envconfig:"FOUNDRY_SELF_REPO_SUBSTRING"`
	SelfDeployScript        string        `envconfig:"FOUNDRY_SELF_DEPLOY_SCRIPT" default:"/app/scripts/deploy.sh"`
}

// LoadAgentConfig binds AgentConfig from the environment.
func LoadAgentConfig() (*AgentConfig, error) {
	var cfg AgentConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading agent config: %w", err)
	}
	if cfg.AgentID == "" {
		cfg.AgentID = generateAgentID()
	}
	if err := validateAgentConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateAgentConfig(cfg *AgentConfig) error {
	var errs []error
	if cfg.ServerURL == "" {
		errs = append(errs, &ValidationError{Field: "server_url", Value: "", Message: "must not be empty"})
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, &ValidationError{Field: "poll_interval", Value: cfg.PollInterval, Message: "must be positive"})
	}
	if cfg.JobTimeout <= 0 {
		errs = append(errs, &ValidationError{Field: "job_timeout", Value: cfg.JobTimeout, Message: "must be positive"})
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, &ValidationError{Field: "log_level", Value: cfg.LogLevel, Message: "must be one of: debug, info, warn, error"})
	}
	if cfg.ContainerRuntime != "docker" && cfg.ContainerRuntime != "podman" {
		errs = append(errs, &ValidationError{Field: "container_runtime", Value: cfg.ContainerRuntime, Message: "must be docker or podman"})
	}
	if (cfg.GitHubAppID != "") != (cfg.GitHubInstallationID != "") {
		errs = append(errs, &ValidationError{Field: "github_app", Value: cfg.GitHubAppID, Message: "app id and installation id must be set together"})
	}
	return joinErrs(errs)
}
