package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap.Logger to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// Maintenance re-runs Reconcile on a cron schedule so tasks held by workers
// that die after startup go back to the queue without waiting for a restart.
type Maintenance struct {
	engine   *Engine
	schedule string
	logger   *zap.Logger
	cron     *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	runs   int
}

// NewMaintenance validates schedule (standard five-field spec or a descriptor
// such as "@every 1m").
func NewMaintenance(engine *Engine, schedule string, logger *zap.Logger) (*Maintenance, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("maintenance")

	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}

	cl := cronLogger{logger: logger}
	m := &Maintenance{
		engine:   engine,
		schedule: schedule,
		logger:   logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	if _, err := m.cron.AddFunc(schedule, m.tick); err != nil {
		return nil, fmt.Errorf("schedule maintenance: %w", err)
	}
	return m, nil
}

// Start begins running the schedule. Jobs use ctx until Stop is called.
func (m *Maintenance) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.cron.Start()
	m.logger.Info("maintenance scheduled", zap.String("schedule", m.schedule))
}

// Stop cancels any running job and waits for it to return.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	<-m.cron.Stop().Done()
}

// RunOnce performs one maintenance pass.
func (m *Maintenance) RunOnce(ctx context.Context) (ReconcileReport, error) {
	report, err := m.engine.Reconcile(ctx)

	m.mu.Lock()
	m.runs++
	m.mu.Unlock()

	if err != nil {
		return report, err
	}
	if report.Writes() > 0 {
		m.logger.Info("maintenance repaired state",
			zap.Int("workers_orphaned", report.WorkersOrphaned),
			zap.Int("tasks_reset", report.TasksReset),
			zap.Int("pids_cleared", report.PidsCleared),
			zap.Int("capability_corrected", report.CapabilityCorrected))
	}
	return report, nil
}

// Runs reports how many passes have completed.
func (m *Maintenance) Runs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs
}

func (m *Maintenance) tick() {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("maintenance pass failed", zap.Error(err))
	}
}
