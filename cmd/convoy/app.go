package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/convoy/internal/config"
	"github.com/aristath/convoy/internal/events"
	"github.com/aristath/convoy/internal/orchestrator"
	"github.com/aristath/convoy/internal/persistence"
)

// app holds the state shared by every subcommand. Config and logger are set
// up before any command runs; the store and engine open on first use.
type app struct {
	configFile string
	dbPath     string
	jsonOut    bool
	verbose    bool

	cfg         *config.Config
	globalPath  string
	projectPath string
	logger      *zap.Logger
	bus         *events.EventBus

	store  persistence.Store
	engine *orchestrator.Engine
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "convoy",
		Short:         "Outcome-driven task scheduler for coding-agent workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	root.PersistentFlags().StringVar(&a.configFile, "config", "", "Project config file (default .convoy/config.yaml)")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "Database path (overrides database.path)")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "Print results as JSON")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Development logging")

	root.AddCommand(
		newReconcileCmd(a),
		newWorkerCmd(a),
		newOutcomeCmd(a),
		newTaskCmd(a),
		newReviewCmd(a),
		newBoardCmd(a),
	)
	return root
}

func (a *app) setup() error {
	global, project, err := config.DefaultPaths()
	if err != nil {
		return err
	}
	if a.configFile != "" {
		project = a.configFile
	}
	cfg, err := config.Load(global, project)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Database.Path = a.dbPath
	}

	logger, err := newLogger(cfg.Log.Development || a.verbose)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}

	a.cfg = cfg
	a.globalPath = global
	a.projectPath = project
	a.logger = logger
	a.bus = events.NewEventBus()
	return nil
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// logToFile swaps the stderr logger for one writing next to the database, so
// log lines do not tear a full-screen board. Call before openEngine.
func (a *app) logToFile(name string) error {
	logger, err := newFileLogger(a.cfg.Log.Development || a.verbose, filepath.Join(filepath.Dir(a.cfg.Database.Path), name))
	if err != nil {
		return err
	}
	_ = a.logger.Sync()
	a.logger = logger
	return nil
}

// newFileLogger builds the same logger writing to path.
func newFileLogger(development bool, path string) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}
	return cfg.Build()
}

// openEngine opens the store and builds the engine. With reconcile set it
// also runs recovery, which claims require.
func (a *app) openEngine(ctx context.Context, reconcile bool) (*orchestrator.Engine, error) {
	if a.engine == nil {
		store, err := persistence.NewSQLiteStore(ctx, a.cfg.Database.Path, persistence.Options{
			BusyTimeout: a.cfg.Database.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("opening store %s: %w", a.cfg.Database.Path, err)
		}
		a.store = store
		a.engine = orchestrator.NewEngine(store,
			orchestrator.WithLogger(a.logger),
			orchestrator.WithEventBus(a.bus),
			orchestrator.WithTaskDefaults(a.cfg.Tasks.DefaultMaxAttempts, a.cfg.Tasks.DefaultPriority),
			orchestrator.WithConvergenceWindow(a.cfg.Convergence.Window),
		)
	}
	if reconcile && !a.engine.Ready() {
		report, err := a.engine.Reconcile(ctx)
		if err != nil {
			return nil, fmt.Errorf("reconcile: %w", err)
		}
		if report.Writes() > 0 {
			a.logger.Info("startup reconcile repaired state",
				zap.Int("workers_orphaned", report.WorkersOrphaned),
				zap.Int("tasks_reset", report.TasksReset),
				zap.Int("pids_cleared", report.PidsCleared),
				zap.Int("capability_corrected", report.CapabilityCorrected))
		}
	}
	return a.engine, nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil && a.logger != nil {
			a.logger.Warn("closing store", zap.Error(err))
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// print writes v as indented JSON with --json, or through text otherwise.
func (a *app) print(w io.Writer, v any, text func(io.Writer)) error {
	if a.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
