package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/convoy/internal/backend"
	"github.com/aristath/convoy/internal/events"
	"github.com/aristath/convoy/internal/scheduler"
)

// BackendFactory creates the agent backend that runs tasks of agentRole in
// workDir. An empty workDir means the factory's default directory.
type BackendFactory func(agentRole, workDir string) (backend.Backend, error)

// WorkspaceProvider isolates task attempts in their own directories.
// Release is called once per successful Prepare; an error from a successful
// attempt's Release fails the attempt.
type WorkspaceProvider interface {
	Prepare(ctx context.Context, taskID string) (dir string, err error)
	Release(ctx context.Context, taskID string, success bool) error
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	WorkerID    string
	OutcomeID   string
	Pid         int    // Recorded process id (default os.Getpid())
	DefaultRole string // Agent role for tasks without one

	PollInterval      time.Duration // First wait after an empty claim (default 2s)
	MaxPollInterval   time.Duration // Cap on the idle backoff (default 30s)
	HeartbeatInterval time.Duration // Heartbeat period (default 15s)

	// ExitWhenDrained stops the runner once the outcome has nothing claimable
	// and nothing in flight, marking the worker completed.
	ExitWhenDrained bool

	Retry          RetryConfig
	Breakers       *CircuitBreakerRegistry // Shared across runners (default: private registry)
	BackendFactory BackendFactory
	Workspaces     WorkspaceProvider // Optional
	Logger         *zap.Logger
}

// Runner drives one worker: it polls for claims, runs each task through the
// agent backend and reports the result back to the engine.
type Runner struct {
	engine *Engine
	cfg    RunnerConfig
	logger *zap.Logger

	mu        sync.Mutex
	iteration int
	progress  string
	drained   bool
}

// NewRunner validates cfg and fills defaults.
func NewRunner(engine *Engine, cfg RunnerConfig) (*Runner, error) {
	if cfg.WorkerID == "" || cfg.OutcomeID == "" {
		return nil, errors.New("runner requires a worker id and an outcome id")
	}
	if cfg.BackendFactory == nil {
		return nil, errors.New("runner requires a backend factory")
	}
	if cfg.Pid <= 0 {
		cfg.Pid = os.Getpid()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = 30 * time.Second
		if cfg.MaxPollInterval < cfg.PollInterval {
			cfg.MaxPollInterval = cfg.PollInterval
		}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewCircuitBreakerRegistry(cfg.Logger)
	}

	return &Runner{
		engine: engine,
		cfg:    cfg,
		logger: cfg.Logger.Named("runner").With(zap.String("worker_id", cfg.WorkerID)),
	}, nil
}

// Run activates the worker and works until ctx is cancelled, an unrecoverable
// store error occurs, or (with ExitWhenDrained) the outcome runs dry. On the
// way out the worker leaves running and any task it still owns goes back to
// pending.
func (r *Runner) Run(ctx context.Context) (err error) {
	if _, err := r.engine.ActivateWorker(ctx, r.cfg.WorkerID, r.cfg.Pid); err != nil {
		return fmt.Errorf("activate worker %s: %w", r.cfg.WorkerID, err)
	}
	r.logger.Info("worker started", zap.String("outcome_id", r.cfg.OutcomeID), zap.Int("pid", r.cfg.Pid))

	defer func() {
		status := scheduler.WorkerPaused
		if r.isDrained() {
			status = scheduler.WorkerCompleted
		}
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if stopErr := r.engine.StopWorker(stopCtx, r.cfg.WorkerID, status); stopErr != nil {
			r.logger.Error("failed to stop worker", zap.Error(stopErr))
			err = errors.Join(err, stopErr)
			return
		}
		r.logger.Info("worker stopped", zap.String("status", string(status)))
	}()

	g, gctx := errgroup.WithContext(ctx)
	workCtx, stopHeartbeat := context.WithCancel(gctx)
	defer stopHeartbeat()

	g.Go(func() error {
		r.heartbeatLoop(workCtx)
		return nil
	})
	g.Go(func() error {
		defer stopHeartbeat()
		return r.loop(workCtx)
	})
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context) error {
	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = r.cfg.PollInterval
	poll.MaxInterval = r.cfg.MaxPollInterval
	poll.MaxElapsedTime = 0 // poll forever
	poll.RandomizationFactor = 0.2
	poll.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}

		task, ok, err := r.engine.Claim(ctx, r.cfg.OutcomeID, r.cfg.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("claim: %w", err)
		}

		if ok {
			poll.Reset()
			if err := r.execute(ctx, task); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}

		if r.cfg.ExitWhenDrained {
			drained, err := r.outcomeDrained(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if drained {
				r.mu.Lock()
				r.drained = true
				r.mu.Unlock()
				r.logger.Info("outcome drained")
				return nil
			}
		}

		wait := poll.NextBackOff()
		r.logger.Debug("no work available", zap.Duration("next_poll", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// execute runs one claimed task to a terminal report. Only store failures are
// returned; agent failures become failed attempts.
func (r *Runner) execute(ctx context.Context, claimed *scheduler.Task) error {
	task, err := r.engine.Start(ctx, claimed.ID, r.cfg.WorkerID)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidTransition) {
			// Ownership moved on, e.g. a reconcile reset the claim.
			r.logger.Warn("lost claimed task before start", zap.String("task_id", claimed.ID), zap.Error(err))
			return nil
		}
		return err
	}

	iteration := r.advance(fmt.Sprintf("running %s (attempt %d/%d)", task.Title, task.Attempts, task.MaxAttempts))
	if _, err := r.engine.UpdateWorker(ctx, r.cfg.WorkerID, scheduler.WorkerUpdate{Iteration: &iteration}); err != nil {
		return err
	}

	output, sendErr := r.attempt(ctx, task)
	if ctx.Err() != nil {
		// Shutting down. The interrupted attempt stays counted; StopWorker
		// returns the task to pending, or fails it if that was its last.
		return nil
	}

	result := FinishResult{Success: sendErr == nil, Output: output, Err: sendErr}
	if _, err := r.engine.Finish(ctx, task.ID, r.cfg.WorkerID, result); err != nil {
		if errors.Is(err, scheduler.ErrInvalidTransition) {
			r.logger.Warn("lost running task before finish", zap.String("task_id", task.ID), zap.Error(err))
			return nil
		}
		return err
	}
	r.advance("idle")
	return nil
}

// attempt runs the agent, inside a prepared workspace when one is configured.
func (r *Runner) attempt(ctx context.Context, task *scheduler.Task) (string, error) {
	if r.cfg.Workspaces == nil {
		return r.runAgent(ctx, task, "")
	}

	dir, err := r.cfg.Workspaces.Prepare(ctx, task.ID)
	if err != nil {
		return "", fmt.Errorf("prepare workspace: %w", err)
	}
	output, runErr := r.runAgent(ctx, task, dir)

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	success := runErr == nil && ctx.Err() == nil
	if err := r.cfg.Workspaces.Release(releaseCtx, task.ID, success); err != nil {
		if success {
			return output, fmt.Errorf("release workspace: %w", err)
		}
		r.logger.Warn("failed to release workspace", zap.String("task_id", task.ID), zap.Error(err))
	}
	return output, runErr
}

func (r *Runner) runAgent(ctx context.Context, task *scheduler.Task, workDir string) (string, error) {
	role := task.AgentRole
	if role == "" {
		role = r.cfg.DefaultRole
	}
	log := r.logger.With(zap.String("task_id", task.ID), zap.String("agent_role", role))

	b, err := r.cfg.BackendFactory(role, workDir)
	if err != nil {
		return "", fmt.Errorf("create backend for role %q: %w", role, err)
	}
	defer b.Close()

	store := r.engine.Store()
	prompt := taskPrompt(task)
	if err := store.SaveSession(ctx, task.ID, b.SessionID(), role, r.cfg.WorkerID); err != nil {
		log.Warn("failed to record session", zap.Error(err))
	}
	if err := store.SaveMessage(ctx, task.ID, task.Attempts, "user", prompt); err != nil {
		log.Warn("failed to record prompt", zap.Error(err))
	}

	resp, err := sendWithRetry(ctx, b, backend.Message{Content: prompt, Role: "user"}, r.cfg.Breakers.Get(role), r.cfg.Retry)
	if err != nil {
		log.Warn("agent run failed", zap.Int("attempt", task.Attempts), zap.Error(err))
		return "", err
	}

	if err := store.SaveMessage(ctx, task.ID, task.Attempts, "assistant", resp.Content); err != nil {
		log.Warn("failed to record response", zap.Error(err))
	}
	if resp.Cost > 0 {
		if err := r.engine.AddCost(ctx, r.cfg.WorkerID, resp.Cost); err != nil {
			log.Warn("failed to add cost", zap.Error(err))
		}
	}
	r.engine.bus.Emit(events.TaskOutputEvent{ID: task.ID, Outcome: task.OutcomeID, Line: resp.Content, Timestamp: time.Now()})
	return resp.Content, nil
}

func taskPrompt(task *scheduler.Task) string {
	if task.Prompt != "" {
		return task.Prompt
	}
	if task.Description != "" {
		return task.Title + "\n\n" + task.Description
	}
	return task.Title
}

// outcomeDrained reports whether nothing is claimable and nothing is owned.
func (r *Runner) outcomeDrained(ctx context.Context) (bool, error) {
	claimable, err := r.engine.ListClaimable(ctx, r.cfg.OutcomeID)
	if err != nil {
		return false, err
	}
	if len(claimable) > 0 {
		return false, nil
	}
	tasks, err := r.engine.ListTasks(ctx, r.cfg.OutcomeID)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Status.Owned() {
			return false, nil
		}
	}
	return true, nil
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.engine.Heartbeat(ctx, r.cfg.WorkerID, r.currentProgress()); err != nil && ctx.Err() == nil {
				r.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (r *Runner) advance(progress string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if progress != "idle" {
		r.iteration++
	}
	r.progress = progress
	return r.iteration
}

func (r *Runner) currentProgress() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *Runner) isDrained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drained
}

// PoolConfig runs Slots runners against one outcome, each as its own worker.
type PoolConfig struct {
	Slots      int
	NamePrefix string       // Worker names are <prefix>-<n> (default "worker")
	Runner     RunnerConfig // Template; WorkerID is assigned per slot
}

// RunPool registers one worker per slot and runs them under an errgroup. The
// first runner error cancels the others.
func RunPool(ctx context.Context, engine *Engine, cfg PoolConfig) error {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "worker"
	}
	if cfg.Runner.Breakers == nil {
		cfg.Runner.Breakers = NewCircuitBreakerRegistry(cfg.Runner.Logger)
	}

	runners := make([]*Runner, 0, cfg.Slots)
	for i := 0; i < cfg.Slots; i++ {
		rc := cfg.Runner
		if rc.WorkerID == "" || cfg.Slots > 1 {
			worker, err := engine.RegisterWorker(ctx, rc.OutcomeID, fmt.Sprintf("%s-%d", cfg.NamePrefix, i+1))
			if err != nil {
				return err
			}
			rc.WorkerID = worker.ID
		}
		runner, err := NewRunner(engine, rc)
		if err != nil {
			return err
		}
		runners = append(runners, runner)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, runner := range runners {
		runner := runner
		g.Go(func() error {
			return runner.Run(gctx)
		})
	}
	return g.Wait()
}
