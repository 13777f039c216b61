package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/convoy/internal/orchestrator"
	"github.com/aristath/convoy/internal/scheduler"
)

// Snapshot is one polled view of an outcome.
type Snapshot struct {
	Summary   *orchestrator.OutcomeSummary
	Claimable []*scheduler.Task // claim order
	Workers   []*scheduler.Worker
	Fetched   time.Time
}

// Source produces snapshots. The board reads the shared store rather than
// the event bus because workers usually live in other processes.
type Source interface {
	Snapshot(ctx context.Context, outcomeID string) (Snapshot, error)
}

// EngineSource reads snapshots straight from an engine.
type EngineSource struct {
	Engine *orchestrator.Engine
}

func (s EngineSource) Snapshot(ctx context.Context, outcomeID string) (Snapshot, error) {
	summary, err := s.Engine.OutcomeSummary(ctx, outcomeID)
	if err != nil {
		return Snapshot{}, err
	}
	claimable, err := s.Engine.ListClaimable(ctx, outcomeID)
	if err != nil {
		return Snapshot{}, err
	}
	workers, err := s.Engine.ListWorkers(ctx, outcomeID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Summary: summary, Claimable: claimable, Workers: workers, Fetched: time.Now()}, nil
}

type snapshotMsg struct {
	snap Snapshot
	err  error
}

type pollMsg struct{}

func fetchSnapshot(src Source, outcomeID string, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		snap, err := src.Snapshot(ctx, outcomeID)
		return snapshotMsg{snap: snap, err: err}
	}
}

func schedulePoll(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg {
		return pollMsg{}
	})
}
