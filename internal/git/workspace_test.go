package git

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/douhashi/nagare/internal/logger"
)

// scriptRunner はコマンド列をキーにした応答表を持つRunnerのテスト実装
type scriptRunner struct {
	responses map[string]string
	errs      map[string]error
	calls     []string
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{
		responses: make(map[string]string),
		errs:      make(map[string]error),
	}
}

func (r *scriptRunner) Run(ctx context.Context, args []string, workDir string) (string, error) {
	key := strings.Join(args, " ")
	r.calls = append(r.calls, key)
	if err, ok := r.errs[key]; ok {
		return "", err
	}
	return r.responses[key], nil
}

func (r *scriptRunner) called(key string) bool {
	for _, call := range r.calls {
		if call == key {
			return true
		}
	}
	return false
}

func newTestManager(r Runner, opts ...ManagerOption) WorkspaceManager {
	return NewWorkspaceManager(r, logger.Nop(), "/repo", "origin", "main", opts...)
}

func TestManagerImpl_Acquire(t *testing.T) {
	ctx := context.Background()

	t.Run("正常系: 新規作成はフェッチ・ブランチ作成・worktree追加を行う", func(t *testing.T) {
		r := newScriptRunner()
		// worktreeなし、ブランチなし
		r.errs["show-ref --verify --quiet refs/heads/nagare/1-feat"] = errors.New("not found")
		m := newTestManager(r)

		ws, err := m.Acquire(ctx, 1, "feat", "")
		require.NoError(t, err)
		assert.Equal(t, StateFresh, ws.State)
		assert.Equal(t, "nagare/1-feat", ws.Branch)
		assert.Equal(t, "/repo/.git/nagare/worktrees/issue-1", ws.Path)

		assert.True(t, r.called("fetch origin --prune"))
		assert.True(t, r.called("branch nagare/1-feat origin/main"))
		assert.True(t, r.called("worktree add /repo/.git/nagare/worktrees/issue-1 nagare/1-feat"))
	})

	t.Run("正常系: ローカルブランチをベースにする場合はフェッチしない", func(t *testing.T) {
		r := newScriptRunner()
		r.errs["show-ref --verify --quiet refs/heads/nagare/2-next"] = errors.New("not found")
		m := newTestManager(r)

		_, err := m.Acquire(ctx, 2, "next", "nagare/1-feat")
		require.NoError(t, err)
		assert.False(t, r.called("fetch origin --prune"))
		assert.True(t, r.called("branch nagare/2-next nagare/1-feat"))
	})

	t.Run("正常系: 未コミット変更のあるワークスペースは陳腐化していても保全する", func(t *testing.T) {
		r := newScriptRunner()
		path := "/repo/.git/nagare/worktrees/issue-3"
		r.responses["worktree list --porcelain"] = "worktree /repo\n\nworktree " + path
		r.responses["status --porcelain"] = " M main.go"
		m := newTestManager(r, WithStaleThreshold(0))

		ws, err := m.Acquire(ctx, 3, "wip", "")
		require.NoError(t, err)
		assert.Equal(t, StateDirty, ws.State)
		assert.False(t, r.called("worktree remove --force "+path), "dirty workspace must not be destroyed")
	})

	t.Run("正常系: 未プッシュコミットのあるワークスペースは保全する", func(t *testing.T) {
		r := newScriptRunner()
		path := "/repo/.git/nagare/worktrees/issue-4"
		branch := "nagare/4-pushed"
		r.responses["worktree list --porcelain"] = "worktree " + path
		r.responses["status --porcelain"] = ""
		r.responses["rev-list --count "+branch+" --not --remotes"] = "2"
		m := newTestManager(r)

		ws, err := m.Acquire(ctx, 4, "pushed", "")
		require.NoError(t, err)
		assert.Equal(t, StateDirty, ws.State)
	})

	t.Run("正常系: 閾値を超えて遅れたクリーンなワークスペースは再作成する", func(t *testing.T) {
		r := newScriptRunner()
		path := "/repo/.git/nagare/worktrees/issue-5"
		branch := "nagare/5-old"
		r.responses["worktree list --porcelain"] = "worktree " + path
		r.responses["status --porcelain"] = ""
		r.responses["rev-list --count "+branch+" --not --remotes"] = "0"
		r.responses["rev-list --count "+branch+"..origin/main"] = "6"
		m := newTestManager(r, WithStaleThreshold(5))

		ws, err := m.Acquire(ctx, 5, "old", "")
		require.NoError(t, err)
		assert.Equal(t, StateFresh, ws.State)
		assert.True(t, r.called("worktree remove --force "+path))
		assert.True(t, r.called("branch -D "+branch))
	})

	t.Run("正常系: 閾値ちょうどの遅れは再利用する", func(t *testing.T) {
		r := newScriptRunner()
		path := "/repo/.git/nagare/worktrees/issue-6"
		branch := "nagare/6-edge"
		r.responses["worktree list --porcelain"] = "worktree " + path
		r.responses["status --porcelain"] = ""
		r.responses["rev-list --count "+branch+" --not --remotes"] = "0"
		r.responses["rev-list --count "+branch+"..origin/main"] = "5"
		m := newTestManager(r, WithStaleThreshold(5))

		ws, err := m.Acquire(ctx, 6, "edge", "")
		require.NoError(t, err)
		assert.Equal(t, StateFresh, ws.State)
		assert.False(t, r.called("worktree remove --force "+path))
	})

	t.Run("異常系: 不正なIssue番号は拒否する", func(t *testing.T) {
		m := newTestManager(newScriptRunner())
		_, err := m.Acquire(ctx, 0, "bad", "")
		assert.Error(t, err)
	})
}

func TestManagerImpl_Guard(t *testing.T) {
	ctx := context.Background()

	t.Run("正常系: 作業ブランチ上では通過する", func(t *testing.T) {
		r := newScriptRunner()
		r.responses["rev-parse --abbrev-ref HEAD"] = "nagare/1-feat"
		m := newTestManager(r)
		assert.NoError(t, m.Guard(ctx, "/ws"))
	})

	t.Run("異常系: 保護ブランチ上ではErrProtectedBranch", func(t *testing.T) {
		r := newScriptRunner()
		r.responses["rev-parse --abbrev-ref HEAD"] = "main"
		m := newTestManager(r)
		assert.ErrorIs(t, m.Guard(ctx, "/ws"), ErrProtectedBranch)
	})

	t.Run("異常系: 追加の保護ブランチも対象", func(t *testing.T) {
		r := newScriptRunner()
		r.responses["rev-parse --abbrev-ref HEAD"] = "release"
		m := newTestManager(r, WithProtectedBranches([]string{"main", "release"}))
		assert.ErrorIs(t, m.Guard(ctx, "/ws"), ErrProtectedBranch)
	})
}

func TestManagerImpl_PreMergeRebase(t *testing.T) {
	ctx := context.Background()
	ws := &Workspace{IssueNumber: 1, Path: "/ws", Branch: "nagare/1-feat"}

	t.Run("正常系: フェッチしてからリベースする", func(t *testing.T) {
		r := newScriptRunner()
		m := newTestManager(r)
		require.NoError(t, m.PreMergeRebase(ctx, ws))
		assert.True(t, r.called("fetch origin --prune"))
		assert.True(t, r.called("rebase origin/main"))
	})

	t.Run("異常系: 競合時はリベースを中断してErrRebaseConflictを返す", func(t *testing.T) {
		r := newScriptRunner()
		r.errs["rebase origin/main"] = errors.New("CONFLICT")
		m := newTestManager(r)

		err := m.PreMergeRebase(ctx, ws)
		assert.ErrorIs(t, err, ErrRebaseConflict)
		assert.True(t, r.called("rebase --abort"), "conflicted rebase must be aborted")
	})
}

func TestManagerImpl_Release(t *testing.T) {
	ctx := context.Background()

	t.Run("正常系: worktreeとブランチを破棄しリモート削除を試みる", func(t *testing.T) {
		r := newScriptRunner()
		path := "/repo/.git/nagare/worktrees/issue-8"
		branch := "nagare/8-done"
		r.responses["worktree list --porcelain"] = "worktree " + path
		m := newTestManager(r)

		require.NoError(t, m.Release(ctx, 8, branch))
		assert.True(t, r.called("worktree remove --force "+path))
		assert.True(t, r.called("branch -D "+branch))
		assert.True(t, r.called("push origin --delete "+branch))
	})

	t.Run("正常系: リモートブランチの削除失敗は成功として扱う", func(t *testing.T) {
		r := newScriptRunner()
		branch := "nagare/9-gone"
		r.errs["show-ref --verify --quiet refs/heads/"+branch] = errors.New("not found")
		r.errs["push origin --delete "+branch] = errors.New("remote ref does not exist")
		m := newTestManager(r)

		assert.NoError(t, m.Release(ctx, 9, branch))
	})
}
