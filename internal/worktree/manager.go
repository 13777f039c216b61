package worktree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Manager gives each task attempt its own git worktree on a task branch and
// merges successful work back into the base branch.
type Manager struct {
	config  Config
	logger  *zap.Logger
	repoMu  sync.Mutex // Serializes operations on the main checkout

	mu     sync.Mutex
	active map[string]*Info // taskID -> worktree prepared by this manager
}

// NewManager creates a worktree manager.
func NewManager(cfg Config) *Manager {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(".convoy", "worktrees")
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "convoy/"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		config: cfg,
		logger: cfg.Logger.Named("worktree"),
		active: make(map[string]*Info),
	}
}

func (m *Manager) branch(taskID string) string {
	return m.config.BranchPrefix + taskID
}

func (m *Manager) path(taskID string) string {
	return filepath.Join(m.config.RepoPath, m.config.Dir, taskID)
}

// git runs a git command in dir and returns its trimmed combined output.
func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		return out, fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, out)
	}
	return out, nil
}

// Create creates a fresh worktree for taskID branching from the base branch.
// Leftovers of an earlier attempt (a crashed worker, say) are removed first.
func (m *Manager) Create(ctx context.Context, taskID string) (*Info, error) {
	info := &Info{Path: m.path(taskID), Branch: m.branch(taskID), TaskID: taskID}

	if m.exists(ctx, info) {
		m.logger.Warn("removing stale worktree", zap.String("task_id", taskID), zap.String("path", info.Path))
		if err := m.ForceCleanup(ctx, info); err != nil {
			return nil, err
		}
	}

	if _, err := git(ctx, m.config.RepoPath, "worktree", "add", "-b", info.Branch, info.Path, m.config.BaseBranch); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}
	head, err := git(ctx, info.Path, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w", err)
	}
	info.Head = head

	m.logger.Debug("worktree created", zap.String("task_id", taskID), zap.String("branch", info.Branch))
	return info, nil
}

// exists reports whether a directory or branch from an earlier attempt remains.
func (m *Manager) exists(ctx context.Context, info *Info) bool {
	if _, err := os.Stat(info.Path); err == nil {
		return true
	}
	_, err := git(ctx, m.config.RepoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+info.Branch)
	return err == nil
}

// Commit records every change in the worktree on its branch. It reports
// whether there was anything to commit.
func (m *Manager) Commit(ctx context.Context, info *Info, message string) (bool, error) {
	status, err := git(ctx, info.Path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if status == "" {
		return false, nil
	}
	if _, err := git(ctx, info.Path, "add", "-A"); err != nil {
		return false, err
	}
	if _, err := git(ctx, info.Path, "commit", "--no-verify", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// Merge merges the task branch into the base branch. A conflict leaves the
// base branch untouched and returns ErrMergeConflict with the files listed
// in the result.
func (m *Manager) Merge(ctx context.Context, info *Info) (*MergeResult, error) {
	m.repoMu.Lock()
	defer m.repoMu.Unlock()

	if _, err := git(ctx, m.config.RepoPath, "checkout", m.config.BaseBranch); err != nil {
		return nil, fmt.Errorf("failed to checkout base branch: %w", err)
	}

	// Dry run: merge-tree exits non-zero on conflicts.
	out, err := git(ctx, m.config.RepoPath, "merge-tree", "--write-tree", m.config.BaseBranch, info.Branch)
	if m.config.Strategy == MergeOrt && (err != nil || strings.Contains(out, "CONFLICT")) {
		files := parseConflictFiles(out)
		return &MergeResult{ConflictFiles: files}, fmt.Errorf("%w: %s into %s (%s)", ErrMergeConflict, info.Branch, m.config.BaseBranch, strings.Join(files, ", "))
	}

	args := append([]string{"merge", "--no-ff", "--no-edit"}, m.config.Strategy.mergeArgs()...)
	args = append(args, "-m", "convoy: merge "+info.TaskID, info.Branch)
	if _, err := git(ctx, m.config.RepoPath, args...); err != nil {
		// Leave the main checkout clean for the next merge.
		_, _ = git(ctx, m.config.RepoPath, "merge", "--abort")
		return &MergeResult{}, fmt.Errorf("merge failed: %w", err)
	}

	commit, err := git(ctx, m.config.RepoPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	m.logger.Info("task branch merged",
		zap.String("task_id", info.TaskID),
		zap.String("branch", info.Branch),
		zap.String("commit", commit))
	return &MergeResult{Merged: true, Commit: commit}, nil
}

// parseConflictFiles extracts conflicting paths from merge-tree output lines
// such as "CONFLICT (content): Merge conflict in <file>".
func parseConflictFiles(output string) []string {
	var conflicts []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "CONFLICT") {
			continue
		}
		if i := strings.LastIndex(line, " in "); i >= 0 {
			conflicts = append(conflicts, strings.TrimSpace(line[i+len(" in "):]))
		}
	}
	return conflicts
}

// Cleanup removes the worktree and deletes its branch, forcing either step
// when the polite form fails.
func (m *Manager) Cleanup(ctx context.Context, info *Info) error {
	var errs []error

	if _, err := git(ctx, m.config.RepoPath, "worktree", "remove", info.Path); err != nil {
		if _, forceErr := git(ctx, m.config.RepoPath, "worktree", "remove", "--force", info.Path); forceErr != nil {
			errs = append(errs, fmt.Errorf("worktree remove failed: %w", forceErr))
		}
	}
	if _, err := git(ctx, m.config.RepoPath, "branch", "-d", info.Branch); err != nil {
		if _, forceErr := git(ctx, m.config.RepoPath, "branch", "-D", info.Branch); forceErr != nil {
			errs = append(errs, fmt.Errorf("branch delete failed: %w", forceErr))
		}
	}
	return errors.Join(errs...)
}

// ForceCleanup discards the worktree and branch regardless of their state.
// Missing pieces are not errors.
func (m *Manager) ForceCleanup(ctx context.Context, info *Info) error {
	var errs []error

	if _, err := os.Stat(info.Path); err == nil {
		if _, err := git(ctx, m.config.RepoPath, "worktree", "remove", "--force", info.Path); err != nil {
			errs = append(errs, fmt.Errorf("force worktree remove failed: %w", err))
		}
	}
	if _, err := git(ctx, m.config.RepoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+info.Branch); err == nil {
		if _, err := git(ctx, m.config.RepoPath, "branch", "-D", info.Branch); err != nil {
			errs = append(errs, fmt.Errorf("force branch delete failed: %w", err))
		}
	}
	return errors.Join(errs...)
}

// List returns every worktree of the repository, the main checkout included.
// TaskID is set for worktrees on a task branch.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	output, err := git(ctx, m.config.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var worktrees []Info
	var current Info
	flush := func() {
		if current.Path != "" {
			worktrees = append(worktrees, current)
		}
		current = Info{}
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			if strings.HasPrefix(current.Branch, m.config.BranchPrefix) {
				current.TaskID = strings.TrimPrefix(current.Branch, m.config.BranchPrefix)
			}
		}
	}
	flush()
	return worktrees, nil
}

// Prune cleans up stale worktree metadata.
func (m *Manager) Prune(ctx context.Context) error {
	if _, err := git(ctx, m.config.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}
