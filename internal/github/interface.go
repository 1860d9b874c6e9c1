package github

import "context"

// TrackerClient は外部トラッカーへの操作を抽象化するインターフェース
// go-github APIクライアントとgh CLIクライアントの両方が実装する
type TrackerClient interface {
	// GetIssue はIssue情報を取得する
	GetIssue(ctx context.Context, issueNumber int) (*Issue, error)

	// ListIssueComments はIssueのコメントを時系列順に取得する
	ListIssueComments(ctx context.Context, issueNumber int) ([]Comment, error)

	// CreateIssueComment はIssueにコメントを投稿する
	CreateIssueComment(ctx context.Context, issueNumber int, body string) error

	// GetPullRequestForBranch は指定ブランチをheadとするPRを取得する
	// 存在しない場合は(nil, nil)を返す
	GetPullRequestForBranch(ctx context.Context, branch string) (*PullRequest, error)

	// MergePullRequest はPRをマージする
	MergePullRequest(ctx context.Context, prNumber int) error

	// GetDefaultBranch はリポジトリのデフォルトブランチ名を返す
	GetDefaultBranch(ctx context.Context) (string, error)
}
