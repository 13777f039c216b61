package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/convoy/internal/backend"
	"github.com/aristath/convoy/internal/config"
	"github.com/aristath/convoy/internal/orchestrator"
	"github.com/aristath/convoy/internal/tui"
	"github.com/aristath/convoy/internal/worktree"
)

// agentShutdownGrace is how long agents get to exit on SIGTERM before the
// worker kills their process groups.
const agentShutdownGrace = 5 * time.Second

type workerFlags struct {
	outcomeID string
	workerID  string
	slots     int
	name      string
	workDir   string
	drain     bool
	board     bool
	isolate   bool
}

func newWorkerCmd(a *app) *cobra.Command {
	var f workerFlags
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run worker slots that claim and execute an outcome's tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("isolate") {
				f.isolate = a.cfg.Workspace.Isolate
			}
			return a.runWorkers(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.outcomeID, "outcome", "", "Outcome to work on (required)")
	cmd.Flags().StringVar(&f.workerID, "worker", "", "Resume an existing worker id (single slot)")
	cmd.Flags().IntVar(&f.slots, "slots", 1, "Number of concurrent worker slots")
	cmd.Flags().StringVar(&f.name, "name", "worker", "Worker name prefix")
	cmd.Flags().StringVar(&f.workDir, "workdir", "", "Working directory for agent processes (default cwd)")
	cmd.Flags().BoolVar(&f.drain, "exit-when-drained", false, "Stop once nothing is claimable or in flight")
	cmd.Flags().BoolVar(&f.board, "board", false, "Show the live board while working")
	cmd.Flags().BoolVar(&f.isolate, "isolate", false, "Run each task in its own git worktree (default from workspace.isolate)")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func (a *app) runWorkers(ctx context.Context, f workerFlags) error {
	if f.workerID != "" && f.slots > 1 {
		return errors.New("--worker resumes a single slot; drop --slots")
	}
	if f.workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		f.workDir = wd
	}
	workDir, err := filepath.Abs(f.workDir)
	if err != nil {
		return err
	}
	f.workDir = workDir

	if f.board {
		if err := a.logToFile("worker.log"); err != nil {
			return err
		}
	}

	var workspaces orchestrator.WorkspaceProvider
	if f.isolate {
		strategy, err := worktree.ParseStrategy(a.cfg.Workspace.Strategy)
		if err != nil {
			return err
		}
		wm := worktree.NewManager(worktree.Config{
			RepoPath:   f.workDir,
			BaseBranch: a.cfg.Workspace.BaseBranch,
			Dir:        a.cfg.Workspace.Dir,
			Strategy:   strategy,
			Logger:     a.logger,
		})
		// Worktrees of a crashed worker leave stale metadata behind.
		if err := wm.Prune(ctx); err != nil {
			return fmt.Errorf("--isolate needs a git repository at %s: %w", f.workDir, err)
		}
		workspaces = wm
	}

	e, err := a.openEngine(ctx, true)
	if err != nil {
		return err
	}
	if _, err := e.GetOutcome(ctx, f.outcomeID); err != nil {
		return err
	}
	if f.workerID != "" {
		if _, err := e.GetWorker(ctx, f.workerID); err != nil {
			return err
		}
	}

	maintenance, err := orchestrator.NewMaintenance(e, a.cfg.Maintenance.Schedule, a.logger)
	if err != nil {
		return err
	}

	pm := backend.NewProcessManager()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := orchestrator.PoolConfig{
		Slots:      f.slots,
		NamePrefix: f.name,
		Runner: orchestrator.RunnerConfig{
			WorkerID:          f.workerID,
			OutcomeID:         f.outcomeID,
			DefaultRole:       a.cfg.Worker.Agent,
			PollInterval:      a.cfg.Worker.PollInterval,
			MaxPollInterval:   a.cfg.Worker.MaxPollInterval,
			HeartbeatInterval: a.cfg.Worker.HeartbeatInterval,
			ExitWhenDrained:   f.drain,
			BackendFactory:    backendFactory(a.cfg, pm, f.workDir),
			Workspaces:        workspaces,
			Logger:            a.logger,
		},
	}

	maintenance.Start(ctx)
	defer maintenance.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := orchestrator.RunPool(gctx, e, pool)
		if !f.board {
			cancel()
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		// Agent subprocesses run in their own process groups.
		if err := pm.Shutdown(agentShutdownGrace); err != nil {
			a.logger.Warn("killing agent processes", zap.Error(err))
		}
		return nil
	})
	if f.board {
		g.Go(func() error {
			defer cancel()
			return tui.Run(gctx, tui.Options{
				Source:      tui.EngineSource{Engine: e},
				OutcomeID:   f.outcomeID,
				Bus:         a.bus,
				Config:      a.cfg,
				GlobalPath:  a.globalPath,
				ProjectPath: a.projectPath,
			})
		})
	}
	return g.Wait()
}

// backendFactory resolves an agent role to its provider and builds a backend
// whose subprocesses are tracked by pm. A task workspace overrides workDir.
func backendFactory(cfg *config.Config, pm *backend.ProcessManager, workDir string) orchestrator.BackendFactory {
	return func(role, dir string) (backend.Backend, error) {
		if dir == "" {
			dir = workDir
		}
		agent, provider, err := cfg.ResolveAgent(role)
		if err != nil {
			return nil, err
		}
		b, err := backend.New(backend.Config{
			Type:         provider.Type,
			Command:      provider.Command,
			Args:         provider.Args,
			WorkDir:      dir,
			Model:        agent.Model,
			SystemPrompt: agent.SystemPrompt,
			Tools:        agent.Tools,
		}, pm)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", role, err)
		}
		return b, nil
	}
}
