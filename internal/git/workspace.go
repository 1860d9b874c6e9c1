package git

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/douhashi/nagare/internal/logger"
)

// State はワークスペースのライフサイクル状態
type State string

const (
	// StateFresh はベースブランチに十分追従している状態
	StateFresh State = "fresh"
	// StateStale はベースブランチから閾値を超えて遅れている状態
	StateStale State = "stale"
	// StateDirty は未コミットまたは未プッシュの変更を持つ状態
	StateDirty State = "dirty"
	// StateDestroyed は破棄済み
	StateDestroyed State = "destroyed"
)

// ErrProtectedBranch は保護ブランチ上での変更操作を表す
var ErrProtectedBranch = errors.New("refusing to mutate a protected branch")

// ErrRebaseConflict はリベース中の競合を表す
// リベースは中断され、ブランチはリベース前の状態に戻されている
var ErrRebaseConflict = errors.New("rebase conflict")

// Workspace は1つのIssue専用の作業コピー
type Workspace struct {
	IssueNumber int
	Path        string
	Branch      string
	State       State
}

// WorkspaceManager はIssueごとのworktreeライフサイクルを管理するインターフェース
type WorkspaceManager interface {
	// Acquire はワークスペースを作成または再利用する
	// baseRefが空ならリモートのデフォルトブランチから分岐する
	Acquire(ctx context.Context, issueNumber int, title, baseRef string) (*Workspace, error)

	// Guard は保護ブランチ上で変更フェーズを実行しようとしていないか確認する
	Guard(ctx context.Context, workdir string) error

	// PreMergeRebase はマージ前にデフォルトブランチへリベースする
	// 競合時はリベースを中断してErrRebaseConflictを返す
	PreMergeRebase(ctx context.Context, ws *Workspace) error

	// Release はマージ確認後にワークスペースとブランチを破棄する
	Release(ctx context.Context, issueNumber int, branch string) error

	// WorkspacePath はIssueのワークスペースパスを返す
	WorkspacePath(issueNumber int) string
}

// managerImpl はWorkspaceManagerの実装
type managerImpl struct {
	runner         Runner
	logger         logger.Logger
	repoPath       string
	remote         string
	defaultBranch  string
	protected      []string
	staleThreshold int
}

// ManagerOption はWorkspaceManagerの設定オプション
type ManagerOption func(*managerImpl)

// WithStaleThreshold は再作成判定のコミット距離閾値を設定する
func WithStaleThreshold(n int) ManagerOption {
	return func(m *managerImpl) {
		m.staleThreshold = n
	}
}

// WithProtectedBranches は保護ブランチの一覧を設定する
func WithProtectedBranches(branches []string) ManagerOption {
	return func(m *managerImpl) {
		m.protected = branches
	}
}

// NewWorkspaceManager は新しいWorkspaceManagerを作成する
func NewWorkspaceManager(runner Runner, log logger.Logger, repoPath, remote, defaultBranch string, opts ...ManagerOption) WorkspaceManager {
	m := &managerImpl{
		runner:         runner,
		logger:         log,
		repoPath:       repoPath,
		remote:         remote,
		defaultBranch:  defaultBranch,
		protected:      []string{defaultBranch, "main", "master"},
		staleThreshold: 5,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WorkspacePath はIssueのワークスペースパスを返す
func (m *managerImpl) WorkspacePath(issueNumber int) string {
	return filepath.Join(m.repoPath, ".git", "nagare", "worktrees", fmt.Sprintf("issue-%d", issueNumber))
}

// defaultRef はリモートのデフォルトブランチ参照を返す
func (m *managerImpl) defaultRef() string {
	return m.remote + "/" + m.defaultBranch
}

// Acquire はワークスペースを作成または再利用する
func (m *managerImpl) Acquire(ctx context.Context, issueNumber int, title, baseRef string) (*Workspace, error) {
	if issueNumber <= 0 {
		return nil, fmt.Errorf("invalid issue number: %d", issueNumber)
	}

	path := m.WorkspacePath(issueNumber)
	branch := BranchName(issueNumber, title)

	if baseRef == "" {
		baseRef = m.defaultRef()
	}

	exists, err := m.worktreeExists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	if exists {
		state, err := m.evaluate(ctx, path, branch)
		if err != nil {
			return nil, err
		}
		// 未コミット・未プッシュの変更は常に陳腐化より優先して保全する
		if state != StateStale {
			m.logger.Debug("Reusing existing workspace",
				"issue", issueNumber, "path", path, "state", string(state))
			return &Workspace{IssueNumber: issueNumber, Path: path, Branch: branch, State: state}, nil
		}

		m.logger.Info("Workspace is stale and clean, recreating",
			"issue", issueNumber, "path", path)
		if err := m.Release(ctx, issueNumber, branch); err != nil {
			return nil, fmt.Errorf("failed to remove stale workspace: %w", err)
		}
	}

	if err := m.create(ctx, path, branch, baseRef); err != nil {
		return nil, err
	}

	m.logger.Info("Workspace created",
		"issue", issueNumber, "path", path, "branch", branch, "base", baseRef)
	return &Workspace{IssueNumber: issueNumber, Path: path, Branch: branch, State: StateFresh}, nil
}

// create はベース参照からブランチとworktreeを作成する
func (m *managerImpl) create(ctx context.Context, path, branch, baseRef string) error {
	// リモート参照をベースにする場合のみフェッチする
	if strings.HasPrefix(baseRef, m.remote+"/") {
		if _, err := m.runner.Run(ctx, []string{"fetch", m.remote, "--prune"}, m.repoPath); err != nil {
			return fmt.Errorf("failed to fetch remote: %w", err)
		}
	}

	if !m.branchExists(ctx, branch) {
		if _, err := m.runner.Run(ctx, []string{"branch", branch, baseRef}, m.repoPath); err != nil {
			return fmt.Errorf("failed to create branch %s from %s: %w", branch, baseRef, err)
		}
	}

	if _, err := m.runner.Run(ctx, []string{"worktree", "add", path, branch}, m.repoPath); err != nil {
		return fmt.Errorf("failed to add worktree: %w", err)
	}
	return nil
}

// evaluate はワークスペースの鮮度を評価する
func (m *managerImpl) evaluate(ctx context.Context, path, branch string) (State, error) {
	dirty, err := m.hasUncommittedChanges(ctx, path)
	if err != nil {
		return "", err
	}
	if dirty {
		return StateDirty, nil
	}

	unpushed, err := m.hasUnpushedCommits(ctx, branch)
	if err != nil {
		return "", err
	}
	if unpushed {
		return StateDirty, nil
	}

	distance, err := m.commitDistance(ctx, branch)
	if err != nil {
		return "", err
	}
	if distance > m.staleThreshold {
		return StateStale, nil
	}
	return StateFresh, nil
}

// hasUncommittedChanges は未コミットの変更があるかを返す
func (m *managerImpl) hasUncommittedChanges(ctx context.Context, path string) (bool, error) {
	output, err := m.runner.Run(ctx, []string{"status", "--porcelain"}, path)
	if err != nil {
		return false, fmt.Errorf("failed to check workspace status: %w", err)
	}
	return strings.TrimSpace(output) != "", nil
}

// hasUnpushedCommits はどのリモートにも存在しないコミットがあるかを返す
func (m *managerImpl) hasUnpushedCommits(ctx context.Context, branch string) (bool, error) {
	output, err := m.runner.Run(ctx,
		[]string{"rev-list", "--count", branch, "--not", "--remotes"}, m.repoPath)
	if err != nil {
		return false, fmt.Errorf("failed to count unpushed commits: %w", err)
	}
	count, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil {
		return false, fmt.Errorf("unexpected rev-list output %q: %w", output, err)
	}
	return count > 0, nil
}

// commitDistance はブランチがデフォルトブランチから何コミット遅れているかを返す
func (m *managerImpl) commitDistance(ctx context.Context, branch string) (int, error) {
	output, err := m.runner.Run(ctx,
		[]string{"rev-list", "--count", branch + ".." + m.defaultRef()}, m.repoPath)
	if err != nil {
		return 0, fmt.Errorf("failed to compute commit distance: %w", err)
	}
	count, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", output, err)
	}
	return count, nil
}

// worktreeExists は指定パスのworktreeが存在するかを返す
func (m *managerImpl) worktreeExists(ctx context.Context, path string) (bool, error) {
	output, err := m.runner.Run(ctx, []string{"worktree", "list", "--porcelain"}, m.repoPath)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(output, "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok && strings.TrimSpace(rest) == path {
			return true, nil
		}
	}
	return false, nil
}

// branchExists はローカルブランチが存在するかを返す
func (m *managerImpl) branchExists(ctx context.Context, branch string) bool {
	_, err := m.runner.Run(ctx,
		[]string{"show-ref", "--verify", "--quiet", "refs/heads/" + branch}, m.repoPath)
	return err == nil
}

// Guard は保護ブランチ上で変更フェーズを実行しようとしていないか確認する
func (m *managerImpl) Guard(ctx context.Context, workdir string) error {
	output, err := m.runner.Run(ctx, []string{"rev-parse", "--abbrev-ref", "HEAD"}, workdir)
	if err != nil {
		return fmt.Errorf("failed to resolve current branch: %w", err)
	}
	current := strings.TrimSpace(output)
	for _, p := range m.protected {
		if current == p {
			return fmt.Errorf("%w: %s", ErrProtectedBranch, current)
		}
	}
	return nil
}

// PreMergeRebase はマージ前にデフォルトブランチへリベースする
func (m *managerImpl) PreMergeRebase(ctx context.Context, ws *Workspace) error {
	if _, err := m.runner.Run(ctx, []string{"fetch", m.remote, "--prune"}, m.repoPath); err != nil {
		return fmt.Errorf("failed to fetch remote: %w", err)
	}

	if _, err := m.runner.Run(ctx, []string{"rebase", m.defaultRef()}, ws.Path); err != nil {
		// 競合時はリベースを中断し、ブランチをリベース前の状態に戻す
		if _, abortErr := m.runner.Run(ctx, []string{"rebase", "--abort"}, ws.Path); abortErr != nil {
			m.logger.Warn("Failed to abort rebase",
				"issue", ws.IssueNumber, "error", abortErr.Error())
		}
		m.logger.Warn("Rebase conflict, branch left in pre-rebase state",
			"issue", ws.IssueNumber, "branch", ws.Branch)
		return fmt.Errorf("%w: issue #%d branch %s", ErrRebaseConflict, ws.IssueNumber, ws.Branch)
	}
	return nil
}

// Release はワークスペースとブランチ参照を破棄する
// リモートブランチが既に削除されている場合も成功として扱う
func (m *managerImpl) Release(ctx context.Context, issueNumber int, branch string) error {
	path := m.WorkspacePath(issueNumber)

	exists, err := m.worktreeExists(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		if _, err := m.runner.Run(ctx, []string{"worktree", "remove", "--force", path}, m.repoPath); err != nil {
			return fmt.Errorf("failed to remove worktree: %w", err)
		}
	}

	if branch != "" && m.branchExists(ctx, branch) {
		if _, err := m.runner.Run(ctx, []string{"branch", "-D", branch}, m.repoPath); err != nil {
			return fmt.Errorf("failed to delete branch %s: %w", branch, err)
		}
	}

	// リモートブランチの削除はベストエフォート
	if branch != "" {
		if _, err := m.runner.Run(ctx, []string{"push", m.remote, "--delete", branch}, m.repoPath); err != nil {
			m.logger.Debug("Remote branch already deleted or push failed",
				"branch", branch, "error", err.Error())
		}
	}

	m.logger.Info("Workspace released", "issue", issueNumber, "path", path, "branch", branch)
	return nil
}
