// Package cli implements the jobmatrix command-line interface.
//
// Commands are built with Cobra and receive their collaborators through an
// [App], so tests can swap the instance runner, stores and printer without
// touching the process environment.
//
// Key types:
//   - [App] holds the configured services shared by all commands
//   - [ExitError] carries a non-zero exit code out of a command
//   - [ExecuteResult] is the outcome of [RunWithConfig]
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"jobmatrix/internal/action"
	"jobmatrix/internal/artifact"
	"jobmatrix/internal/cache"
	"jobmatrix/internal/concurrency"
	"jobmatrix/internal/config"
	"jobmatrix/internal/ctxlog"
	"jobmatrix/internal/lifecycle"
	"jobmatrix/internal/output"
	"jobmatrix/internal/shell"
	"jobmatrix/internal/status"
	"jobmatrix/internal/workflow"
)

// RunLister reads stored run reports. The [status.Reader] type implements it.
type RunLister interface {
	Read(id string) (*status.RunReport, error)
	List() ([]*status.RunReport, error)
}

// CacheStore inspects the cache. The [cache.Manager] type implements it.
type CacheStore interface {
	List() ([]cache.Entry, error)
	Clear() error
}

// ArtifactLister lists the artifacts of a run. The [artifact.Store] type
// implements it.
type ArtifactLister interface {
	List(runID string) ([]artifact.Artifact, error)
}

// App holds the services shared by all commands.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Runner     workflow.InstanceRunner
	Controller *concurrency.Controller
	Reports    workflow.ReportWriter
	Runs       RunLister
	Cache      CacheStore
	Artifacts  ArtifactLister
	Printer    output.Printer
}

// NewApp wires the production services for cfg.
func NewApp(cfg *config.Config) *App {
	app := &App{Config: cfg}
	app.wire()
	return app
}

// wire (re)builds every service from the current config.
func (a *App) wire() {
	cfg := a.Config

	a.Logger = ctxlog.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	printer := output.NewPrinter()
	printer.MaxLines = cfg.Output.TruncateLines
	if !cfg.Output.Color {
		printer.DisableColor()
	}
	a.Printer = printer

	caches := cache.NewManager(cfg.Cache.Dir)
	artifacts := artifact.NewStore(cfg.Artifacts.Dir)
	a.Cache = caches
	a.Artifacts = artifacts

	sh := shell.NewExecutor(cfg.Runner.TempDir)
	if cfg.Runner.Docker != "" {
		sh.Docker = cfg.Runner.Docker
	}
	registry := action.NewDefaultRegistry(action.Deps{
		Cache:        caches,
		Artifacts:    artifacts,
		CacheEnabled: cfg.Cache.Enabled,
	})
	executor := lifecycle.NewExecutor(sh, registry, lifecycle.Options{
		Workspace: cfg.Runner.Workspace,
		TempDir:   cfg.Runner.TempDir,
		Shell:     cfg.Runner.Shell,
		RunnerOS:  cfg.Runner.OS,
		Strict:    cfg.Expressions.Strict,
	})
	executor.SetProgressCallback(printer.Step)
	a.Runner = executor

	logger := a.Logger
	a.Controller = concurrency.NewController()
	a.Controller.Trace = func(event, group, runID string) {
		logger.Debug("concurrency", "event", event, "group", group, "run", runID)
	}

	a.Reports = status.NewWriter(cfg.State.Dir)
	a.Runs = status.NewReader(cfg.State.Dir)
}

// orchestrator builds an orchestrator over the app's services.
func (a *App) orchestrator() *workflow.Orchestrator {
	o := workflow.NewOrchestrator(a.Runner, a.Controller)
	o.SetPrinter(a.Printer)
	if a.Reports != nil {
		o.SetReportWriter(a.Reports)
	}
	if a.Config != nil {
		o.SetMaxParallel(a.Config.Runner.MaxParallel)
		o.SetStrict(a.Config.Expressions.Strict)
	}
	return o
}

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand(app *App) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "jobmatrix",
		Short: "Run CI workflow matrices locally",
		Long: `jobmatrix runs declarative CI workflows on the local machine.

It expands every job's strategy matrix, runs the instances concurrently
with fail-fast and max-parallel semantics, evaluates ${{ }} expressions,
restores and saves caches, and honors concurrency groups.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				cfg, err := config.NewLoader().LoadFromFile(configPath)
				if err != nil {
					return err
				}
				app.Config = cfg
				app.wire()
			}
			if app.Logger != nil {
				cmd.SetContext(ctxlog.WithLogger(cmd.Context(), app.Logger))
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (overrides the search order)")

	rootCmd.AddCommand(
		newRunCommand(app),
		newMatrixCommand(app),
		newValidateCommand(app),
		newRunsCommand(app),
		newCacheCommand(app),
	)
	return rootCmd
}

// ExecuteResult is the outcome of a CLI invocation.
type ExecuteResult struct {
	ExitCode int
	Err      error
}

// RunWithConfig executes the CLI with args against cfg. Interrupts cancel
// the running workflows, which then report as cancelled.
func RunWithConfig(cfg *config.Config, args []string) ExecuteResult {
	app := NewApp(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := NewRootCommand(app)
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if code, ok := IsExitError(err); ok {
			return ExecuteResult{ExitCode: code, Err: err}
		}
		return ExecuteResult{ExitCode: 1, Err: err}
	}
	return ExecuteResult{}
}

// Execute loads the configuration, runs the CLI with the process
// arguments and exits with the resulting code.
func Execute() {
	cfg, err := config.NewLoader().Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	result := RunWithConfig(cfg, os.Args[1:])
	if result.Err != nil {
		if _, ok := IsExitError(result.Err); !ok {
			fmt.Fprintf(os.Stderr, "Error: %v\n", result.Err)
		}
	}
	os.Exit(result.ExitCode)
}
