package mocks

import (
	"context"
	"sync"

	"github.com/douhashi/nagare/internal/github"
)

// MockTrackerClient はgithub.TrackerClientのモック実装
// 各メソッドは対応するfuncフィールドが設定されていればそれを呼ぶ
type MockTrackerClient struct {
	mu sync.Mutex

	GetIssueFunc                func(ctx context.Context, number int) (*github.Issue, error)
	ListIssueCommentsFunc       func(ctx context.Context, number int) ([]github.Comment, error)
	CreateIssueCommentFunc      func(ctx context.Context, number int, body string) error
	GetPullRequestForBranchFunc func(ctx context.Context, branch string) (*github.PullRequest, error)
	MergePullRequestFunc        func(ctx context.Context, number int) error
	GetDefaultBranchFunc        func(ctx context.Context) (string, error)

	// CreatedComments は投稿されたコメント本文の記録
	CreatedComments []string
	// MergedPRs はMergePullRequestが呼ばれたPR番号の記録
	MergedPRs []int
}

// NewMockTrackerClient は新しいMockTrackerClientを作成する
func NewMockTrackerClient() *MockTrackerClient {
	return &MockTrackerClient{}
}

// GetIssue はIssueを取得する
func (m *MockTrackerClient) GetIssue(ctx context.Context, number int) (*github.Issue, error) {
	if m.GetIssueFunc != nil {
		return m.GetIssueFunc(ctx, number)
	}
	return &github.Issue{Number: number, Title: "mock issue"}, nil
}

// ListIssueComments はIssueのコメント一覧を取得する
func (m *MockTrackerClient) ListIssueComments(ctx context.Context, number int) ([]github.Comment, error) {
	if m.ListIssueCommentsFunc != nil {
		return m.ListIssueCommentsFunc(ctx, number)
	}
	return nil, nil
}

// CreateIssueComment はIssueにコメントを投稿する
func (m *MockTrackerClient) CreateIssueComment(ctx context.Context, number int, body string) error {
	m.mu.Lock()
	m.CreatedComments = append(m.CreatedComments, body)
	m.mu.Unlock()
	if m.CreateIssueCommentFunc != nil {
		return m.CreateIssueCommentFunc(ctx, number, body)
	}
	return nil
}

// GetPullRequestForBranch はブランチに対応するPRを取得する
func (m *MockTrackerClient) GetPullRequestForBranch(ctx context.Context, branch string) (*github.PullRequest, error) {
	if m.GetPullRequestForBranchFunc != nil {
		return m.GetPullRequestForBranchFunc(ctx, branch)
	}
	return nil, nil
}

// MergePullRequest はPRをマージする
func (m *MockTrackerClient) MergePullRequest(ctx context.Context, number int) error {
	m.mu.Lock()
	m.MergedPRs = append(m.MergedPRs, number)
	m.mu.Unlock()
	if m.MergePullRequestFunc != nil {
		return m.MergePullRequestFunc(ctx, number)
	}
	return nil
}

// GetDefaultBranch はデフォルトブランチ名を取得する
func (m *MockTrackerClient) GetDefaultBranch(ctx context.Context) (string, error) {
	if m.GetDefaultBranchFunc != nil {
		return m.GetDefaultBranchFunc(ctx)
	}
	return "main", nil
}
