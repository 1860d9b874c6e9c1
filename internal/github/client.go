package github

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/go-github/v50/github"
	"golang.org/x/oauth2"
)

// Client はGitHub APIクライアントのラッパー
// トークンが設定されている場合に使われ、未設定時はgh CLIクライアントが使われる
type Client struct {
	github *github.Client
	owner  string
	repo   string
}

// NewClient は新しいGitHub APIクライアントを作成する
func NewClient(token, owner, repo string) (*Client, error) {
	if token == "" {
		return nil, errors.New("GitHub token is required")
	}
	if owner == "" {
		return nil, errors.New("owner is required")
	}
	if repo == "" {
		return nil, errors.New("repo is required")
	}

	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)

	return &Client{
		github: github.NewClient(tc),
		owner:  owner,
		repo:   repo,
	}, nil
}

// GetIssue はIssue情報を取得する
func (c *Client) GetIssue(ctx context.Context, issueNumber int) (*Issue, error) {
	if issueNumber <= 0 {
		return nil, errors.New("issue number must be positive")
	}

	issue, _, err := c.github.Issues.Get(ctx, c.owner, c.repo, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to get issue #%d: %w", issueNumber, err)
	}

	result := &Issue{
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
		State:  issue.GetState(),
		URL:    issue.GetHTMLURL(),
	}
	if issue.CreatedAt != nil {
		result.CreatedAt = issue.CreatedAt.Time
	}
	if issue.UpdatedAt != nil {
		result.UpdatedAt = issue.UpdatedAt.Time
	}
	for _, label := range issue.Labels {
		if label.Name != nil {
			result.Labels = append(result.Labels, *label.Name)
		}
	}
	return result, nil
}

// ListIssueComments はIssueのコメントを時系列順に取得する
func (c *Client) ListIssueComments(ctx context.Context, issueNumber int) ([]Comment, error) {
	if issueNumber <= 0 {
		return nil, errors.New("issue number must be positive")
	}

	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var comments []Comment
	for {
		page, resp, err := c.github.Issues.ListComments(ctx, c.owner, c.repo, issueNumber, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list comments for issue #%d: %w", issueNumber, err)
		}
		for _, comment := range page {
			item := Comment{
				ID:   comment.GetID(),
				Body: comment.GetBody(),
			}
			if comment.CreatedAt != nil {
				item.CreatedAt = comment.CreatedAt.Time
			}
			comments = append(comments, item)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
	return comments, nil
}

// CreateIssueComment はIssueにコメントを投稿する
func (c *Client) CreateIssueComment(ctx context.Context, issueNumber int, body string) error {
	if issueNumber <= 0 {
		return errors.New("issue number must be positive")
	}
	if body == "" {
		return errors.New("comment body is required")
	}

	comment := &github.IssueComment{Body: github.String(body)}
	if _, _, err := c.github.Issues.CreateComment(ctx, c.owner, c.repo, issueNumber, comment); err != nil {
		return fmt.Errorf("failed to create comment on issue #%d: %w", issueNumber, err)
	}
	return nil
}

// GetPullRequestForBranch は指定ブランチをheadとするPRを取得する
func (c *Client) GetPullRequestForBranch(ctx context.Context, branch string) (*PullRequest, error) {
	if branch == "" {
		return nil, errors.New("branch is required")
	}

	opts := &github.PullRequestListOptions{
		Head:  fmt.Sprintf("%s:%s", c.owner, branch),
		State: "all",
		ListOptions: github.ListOptions{
			PerPage: 10,
		},
	}
	prs, _, err := c.github.PullRequests.List(ctx, c.owner, c.repo, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests for branch %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}

	pr := prs[0]
	result := &PullRequest{
		Number:      pr.GetNumber(),
		URL:         pr.GetHTMLURL(),
		State:       pr.GetState(),
		HeadRefName: pr.GetHead().GetRef(),
		Merged:      pr.MergedAt != nil,
	}
	if pr.MergedAt != nil {
		t := pr.MergedAt.Time
		result.MergedAt = &t
	}
	return result, nil
}

// MergePullRequest はPRをマージする
func (c *Client) MergePullRequest(ctx context.Context, prNumber int) error {
	if prNumber <= 0 {
		return errors.New("pull request number must be positive")
	}

	opts := &github.PullRequestOptions{MergeMethod: "squash"}
	result, _, err := c.github.PullRequests.Merge(ctx, c.owner, c.repo, prNumber, "", opts)
	if err != nil {
		return fmt.Errorf("failed to merge pull request #%d: %w", prNumber, err)
	}
	if !result.GetMerged() {
		return fmt.Errorf("pull request #%d was not merged: %s", prNumber, result.GetMessage())
	}
	return nil
}

// GetDefaultBranch はリポジトリのデフォルトブランチ名を返す
func (c *Client) GetDefaultBranch(ctx context.Context) (string, error) {
	repository, _, err := c.github.Repositories.Get(ctx, c.owner, c.repo)
	if err != nil {
		return "", fmt.Errorf("failed to get repository: %w", err)
	}
	return repository.GetDefaultBranch(), nil
}
