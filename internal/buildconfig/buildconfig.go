// Package buildconfig parses a repository's foundry.toml into the
// struct the agent runner dispatches on. Parsing uses
// github.com/pelletier/go-toml the way internal/config's env-binding
// layer uses envconfig: declarative struct tags over hand-rolled key
// lookups.
package buildconfig

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml"
)

const (
	DefaultImage          = "ubuntu:latest"
	DefaultBuildContext   = "."
	DefaultTimeoutSecs    = 1800
	DefaultStageTimeout   = 600
	DefaultScheduleTZ     = "UTC"
	DefaultScheduleBranch = "main"
)

var DefaultTriggerBranches = []string{"main", "master"}

// Config is the parsed shape of foundry.toml. Zero-value fields mean
// "absent"; ApplyDefaults fills in the documented defaults.
type Config struct {
	Build    BuildSection      `toml:"build"`
	Deploy   DeploySection     `toml:"deploy"`
	Triggers TriggersSection   `toml:"triggers"`
	Schedule ScheduleSection   `toml:"schedule"`
	Stages   []Stage           `toml:"stages"`
	Env      map[string]string `toml:"env"`
}

type BuildSection struct {
	Image      string   `toml:"image"`
	Dockerfile string   `toml:"dockerfile"`
	Context    string   `toml:"context"`
	Command    string   `toml:"command"`
	Args       []string `toml:"args"`
	Timeout    int      `toml:"timeout"`
}

type DeploySection struct {
	Name        string   `toml:"name"`
	Domain      string   `toml:"domain"`
	Domains     []string `toml:"domains"`
	Port        int      `toml:"port"`
	ComposeFile string   `toml:"compose_file"`
	Healthcheck string   `toml:"healthcheck"`
	Volumes     []string `toml:"volumes"`
	EnvFile     string   `toml:"env_file"`
}

// Enabled reports whether [deploy] was present at all; go-toml leaves
// the section's fields zero when absent, so any non-empty field
// signals the section was declared.
func (d DeploySection) Enabled() bool {
	return d.Name != "" || d.Domain != "" || len(d.Domains) > 0 || d.Port != 0 ||
		d.ComposeFile != "" || d.Healthcheck != "" || len(d.Volumes) > 0 || d.EnvFile != ""
}

type TriggersSection struct {
	Branches         []string `toml:"branches"`
	PullRequests     *bool    `toml:"pull_requests"`
	PRTargetBranches []string `toml:"pr_target_branches"`
}

type ScheduleSection struct {
	Cron     string `toml:"cron"`
	Branch   string `toml:"branch"`
	Timezone string `toml:"timezone"`
	Enabled  *bool  `toml:"enabled"`
}

type StageCondition string

const (
	ConditionAlways    StageCondition = "always"
	ConditionOnSuccess StageCondition = "on_success"
	ConditionOnFailure StageCondition = "on_failure"
	ConditionOnPR      StageCondition = "on_pr"
	ConditionOnPush    StageCondition = "on_push"
)

type Stage struct {
	Name         string            `toml:"name"`
	Image        string            `toml:"image"`
	Command      string            `toml:"command"`
	Timeout      int               `toml:"timeout"`
	AllowFailure bool              `toml:"allow_failure"`
	Env          map[string]string `toml:"env"`
	DependsOn    []string          `toml:"depends_on"`
	Condition    StageCondition    `toml:"condition"`
}

// Parse decodes raw TOML bytes into a Config, then applies every
// documented default for an absent field.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("buildconfig: parse: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ParseFile reads foundry.toml from path; a missing file is not an
// error — it returns a defaulted Config, matching the runner's "file
// may be absent" read step.
func ParseFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := &Config{}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("buildconfig: read %s: %w", path, err)
	}
	return Parse(raw)
}

func (c *Config) ApplyDefaults() {
	if c.Build.Image == "" {
		c.Build.Image = DefaultImage
	}
	if c.Build.Context == "" {
		c.Build.Context = DefaultBuildContext
	}
	if c.Build.Timeout == 0 {
		c.Build.Timeout = DefaultTimeoutSecs
	}
	if len(c.Triggers.Branches) == 0 {
		c.Triggers.Branches = DefaultTriggerBranches
	}
	if c.Triggers.PullRequests == nil {
		enabled := true
		c.Triggers.PullRequests = &enabled
	}
	if c.Schedule.Branch == "" {
		c.Schedule.Branch = DefaultScheduleBranch
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = DefaultScheduleTZ
	}
	if c.Schedule.Enabled == nil {
		enabled := true
		c.Schedule.Enabled = &enabled
	}
	for i := range c.Stages {
		if c.Stages[i].Timeout == 0 {
			c.Stages[i].Timeout = DefaultStageTimeout
		}
		if c.Stages[i].Condition == "" {
			c.Stages[i].Condition = ConditionOnSuccess
		}
	}
	if c.Env == nil {
		c.Env = map[string]string{}
	}
}

// HasStages reports whether pipeline mode should dispatch instead of
// a single-container run.
func (c *Config) HasStages() bool {
	return len(c.Stages) > 0
}
