package worktree

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ErrMergeConflict is returned when a task branch cannot merge cleanly.
var ErrMergeConflict = errors.New("merge conflict")

// MergeStrategy defines how a task branch is merged back to the base branch.
type MergeStrategy int

const (
	// MergeOrt uses git's default ort strategy
	MergeOrt MergeStrategy = iota
	// MergeOurs keeps the base branch side of every conflict
	MergeOurs
	// MergeTheirs keeps the task branch side of every conflict
	MergeTheirs
)

// String returns the strategy name as used in config.
func (s MergeStrategy) String() string {
	switch s {
	case MergeOurs:
		return "ours"
	case MergeTheirs:
		return "theirs"
	default:
		return "ort"
	}
}

// ParseStrategy maps a config value to a MergeStrategy.
func ParseStrategy(name string) (MergeStrategy, error) {
	switch strings.ToLower(name) {
	case "", "ort":
		return MergeOrt, nil
	case "ours":
		return MergeOurs, nil
	case "theirs":
		return MergeTheirs, nil
	}
	return MergeOrt, fmt.Errorf("unknown merge strategy %q (ort, ours, theirs)", name)
}

// mergeArgs returns the git merge flags for s. "theirs" is a strategy
// option of ort, not a strategy of its own.
func (s MergeStrategy) mergeArgs() []string {
	switch s {
	case MergeOurs:
		return []string{"-X", "ours"}
	case MergeTheirs:
		return []string{"-X", "theirs"}
	default:
		return []string{"-s", "ort"}
	}
}

// Info describes one task worktree.
type Info struct {
	Path   string // Absolute path to the worktree directory
	Branch string // Branch name, e.g. "convoy/task-123"
	TaskID string
	Head   string // HEAD commit when listed or created
}

// MergeResult reports a merge attempt.
type MergeResult struct {
	Merged        bool
	Commit        string   // Merge commit on the base branch
	ConflictFiles []string // Set when a conflict stopped the merge
}

// Config configures a Manager.
type Config struct {
	RepoPath     string // Absolute path to the git repository
	BaseBranch   string // Branch task worktrees start from and merge into (default "main")
	Dir          string // Worktree directory under the repo (default ".convoy/worktrees")
	BranchPrefix string // Task branch prefix (default "convoy/")
	Strategy     MergeStrategy
	Logger       *zap.Logger
}
