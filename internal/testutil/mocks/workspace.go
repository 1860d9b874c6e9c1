package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/douhashi/nagare/internal/git"
)

// MockWorkspaceManager はgit.WorkspaceManagerのモック実装
type MockWorkspaceManager struct {
	mu sync.Mutex

	AcquireFunc        func(ctx context.Context, issueNumber int, title, baseRef string) (*git.Workspace, error)
	GuardFunc          func(ctx context.Context, workdir string) error
	PreMergeRebaseFunc func(ctx context.Context, ws *git.Workspace) error
	ReleaseFunc        func(ctx context.Context, issueNumber int, branch string) error

	// AcquiredBaseRefs はAcquire呼び出し時のbaseRefの記録（連鎖モードの検証用）
	AcquiredBaseRefs []string
	// RebasedIssues はPreMergeRebaseが呼ばれたIssue番号の記録
	RebasedIssues []int
	// ReleasedIssues はReleaseが呼ばれたIssue番号の記録
	ReleasedIssues []int
}

// NewMockWorkspaceManager は新しいMockWorkspaceManagerを作成する
func NewMockWorkspaceManager() *MockWorkspaceManager {
	return &MockWorkspaceManager{}
}

// Acquire はワークスペースを作成または再利用する
func (m *MockWorkspaceManager) Acquire(ctx context.Context, issueNumber int, title, baseRef string) (*git.Workspace, error) {
	m.mu.Lock()
	m.AcquiredBaseRefs = append(m.AcquiredBaseRefs, baseRef)
	m.mu.Unlock()
	if m.AcquireFunc != nil {
		return m.AcquireFunc(ctx, issueNumber, title, baseRef)
	}
	return &git.Workspace{
		IssueNumber: issueNumber,
		Path:        m.WorkspacePath(issueNumber),
		Branch:      git.BranchName(issueNumber, title),
		State:       git.StateFresh,
	}, nil
}

// Guard は保護ブランチチェックを行う
func (m *MockWorkspaceManager) Guard(ctx context.Context, workdir string) error {
	if m.GuardFunc != nil {
		return m.GuardFunc(ctx, workdir)
	}
	return nil
}

// PreMergeRebase はマージ前リベースを行う
func (m *MockWorkspaceManager) PreMergeRebase(ctx context.Context, ws *git.Workspace) error {
	m.mu.Lock()
	m.RebasedIssues = append(m.RebasedIssues, ws.IssueNumber)
	m.mu.Unlock()
	if m.PreMergeRebaseFunc != nil {
		return m.PreMergeRebaseFunc(ctx, ws)
	}
	return nil
}

// Release はワークスペースを破棄する
func (m *MockWorkspaceManager) Release(ctx context.Context, issueNumber int, branch string) error {
	m.mu.Lock()
	m.ReleasedIssues = append(m.ReleasedIssues, issueNumber)
	m.mu.Unlock()
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc(ctx, issueNumber, branch)
	}
	return nil
}

// WorkspacePath はIssueのワークスペースパスを返す
func (m *MockWorkspaceManager) WorkspacePath(issueNumber int) string {
	return fmt.Sprintf("/tmp/nagare/worktrees/issue-%d", issueNumber)
}
