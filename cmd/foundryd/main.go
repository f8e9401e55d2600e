// Command foundryd is the controller binary: it wires the store,
// webhook ingest, agent API, scheduler, and read API behind one HTTP
// server. It follows a thin cmd -> internal/cli split, narrowed to a
// single "run the daemon" entry point plus a version command.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/foundry-ci/foundry/internal/agentapi"
	"github.com/foundry-ci/foundry/internal/config"
	"github.com/foundry-ci/foundry/internal/httpmw"
	"github.com/foundry-ci/foundry/internal/readapi"
	"github.com/foundry-ci/foundry/internal/scheduler"
	"github.com/foundry-ci/foundry/internal/store"
	"github.com/foundry-ci/foundry/internal/webhook"
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
		Use:           "foundryd",
		Short:         "Foundry CI/CD controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("foundryd %s (%s) built %s\n", version, commit, date)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the controller (webhook ingest, agent API, scheduler, read API)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadControllerConfig()
	if err != nil {
		return fmt.Errorf("loading controller config: %w", err)
	}

	log := logrus.New()
	if lvl, lvlErr := logrus.ParseLevel(cfg.LogLevel); lvlErr == nil {
		log.SetLevel(lvl)
	}

	s, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	router := mux.NewRouter()
	router.Use(httpmw.WithLogging(log))

	webhook.New(s, cfg.WebhookSecret, log).Register(router)
	agentapi.New(s, log).Register(router)
	readAPI := readapi.New(s, log)

	if cfg.AuthToken != "" {
		auth := httpmw.NewTokenAuthenticator(cfg.AuthToken)
		sub := router.PathPrefix("/api").Subrouter()
		sub.Use(httpmw.RequireAuth(auth, "/login", "/api/"))
		readAPI.Register(sub)
	} else {
		readAPI.Register(router)
	}

	router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)

	sched := scheduler.New(s, log, cfg.SchedulerTick, cfg.LeaseTTL)
	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	go sched.Run(schedCtx)

	server := &http.Server{Addr: cfg.BindAddr, Handler: router}
	go func() {
		log.WithField("addr", cfg.BindAddr).Info("foundryd: listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("foundryd: server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","version":%q}`, version)
}
