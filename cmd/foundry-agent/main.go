// Command foundry-agent is the worker binary: it polls foundryd for
// claimed jobs, checks them out, runs their build inside a container
// (or, for the self-deploy repo, directly on the host), and streams
// logs and results back. Structured the same thin cobra shell as
// cmd/foundryd.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/foundry-ci/foundry/internal/config"
	"github.com/foundry-ci/foundry/internal/container"
	"github.com/foundry-ci/foundry/internal/runner"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "foundry-agent",
		Short:         "Foundry CI/CD build agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("foundry-agent %s (%s) built %s\n", version, commit, date)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the controller and execute jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}
}

func runAgent(ctx context.Context) error {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		return fmt.Errorf("loading agent config: %w", err)
	}

	log := logrus.New()
	if lvl, lvlErr := logrus.ParseLevel(cfg.LogLevel); lvlErr == nil {
		log.SetLevel(lvl)
	}
	log.SetFormatter(&logrus.TextFormatter{
		DisableColors: !term.IsTerminal(int(os.Stdout.Fd())),
		FullTimestamp: true,
	})

	runtime := cfg.ContainerRuntime
	if detected, derr := container.DetectRuntime(); derr == nil {
		runtime = detected
	} else if runtime == "" {
		return fmt.Errorf("detecting container runtime: %w", derr)
	}

	client := runner.NewControllerClient(cfg.ServerURL)
	containers := container.NewCLIManager(runtime)
	agent := runner.New(cfg, client, containers, log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"server":  cfg.ServerURL,
		"runtime": runtime,
	}).Info("foundry-agent: starting poll loop")

	agent.Run(ctx)
	return nil
}
