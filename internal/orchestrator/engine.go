package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/convoy/internal/events"
	"github.com/aristath/convoy/internal/persistence"
	"github.com/aristath/convoy/internal/scheduler"
)

var (
	// ErrNotReconciled is returned by claims before Reconcile has completed once.
	ErrNotReconciled = errors.New("engine has not reconciled stored state yet")

	// ErrOutcomeMismatch is returned when a worker claims outside its outcome.
	ErrOutcomeMismatch = errors.New("worker is bound to a different outcome")

	// ErrMissingPid is returned when a worker would be running without a process id.
	ErrMissingPid = errors.New("running worker requires a pid")
)

// Engine is the scheduling core shared by every worker process. All state
// lives in the store; the engine keeps no task or graph cache between calls.
type Engine struct {
	store  persistence.Store
	logger *zap.Logger
	bus    *events.EventBus
	prober ProcessProber
	now    func() time.Time

	defaultMaxAttempts int
	defaultPriority    int
	convergenceWindow  int

	reconcileMu sync.Mutex
	reconciled  atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEventBus publishes scheduler events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithProber replaces the process liveness probe used by Reconcile.
func WithProber(prober ProcessProber) Option {
	return func(e *Engine) {
		if prober != nil {
			e.prober = prober
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTaskDefaults sets max attempts and priority for tasks created without them.
func WithTaskDefaults(maxAttempts, priority int) Option {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.defaultMaxAttempts = maxAttempts
		}
		e.defaultPriority = priority
	}
}

// WithConvergenceWindow sets how many recent review cycles are evaluated.
func WithConvergenceWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.convergenceWindow = n
		}
	}
}

// NewEngine creates an engine over store. Claims are refused until Reconcile
// has run.
func NewEngine(store persistence.Store, opts ...Option) *Engine {
	e := &Engine{
		store:              store,
		logger:             zap.NewNop(),
		prober:             SignalProber{},
		now:                func() time.Time { return time.Now().UTC() },
		defaultMaxAttempts: 3,
		defaultPriority:    100,
		convergenceWindow:  scheduler.DefaultConvergenceWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("engine")
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() persistence.Store {
	return e.store
}

// Ready reports whether Reconcile has completed and claims are accepted.
func (e *Engine) Ready() bool {
	return e.reconciled.Load()
}

func (e *Engine) checkReady() error {
	if !e.reconciled.Load() {
		return ErrNotReconciled
	}
	return nil
}

// outcomeSnapshot loads an outcome's tasks and derives the fresh readiness.
func (e *Engine) outcomeSnapshot(ctx context.Context, outcomeID string) ([]*scheduler.Task, *scheduler.Graph, scheduler.CapabilityReadiness, error) {
	tasks, err := e.store.ListTasksByOutcome(ctx, outcomeID)
	if err != nil {
		return nil, nil, 0, err
	}
	return tasks, scheduler.NewGraph(tasks), scheduler.ComputeCapabilityReadiness(tasks), nil
}
