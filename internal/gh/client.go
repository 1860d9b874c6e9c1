package gh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/douhashi/nagare/internal/github"
)

// Client はgh CLI経由のトラッカークライアント
// github.TrackerClientを実装する
type Client struct {
	executor CommandExecutor
	owner    string
	repo     string
}

// NewClient は新しいgh CLIクライアントを作成する
func NewClient(executor CommandExecutor, owner, repo string) (*Client, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if owner == "" {
		return nil, errors.New("owner is required")
	}
	if repo == "" {
		return nil, errors.New("repo is required")
	}
	return &Client{
		executor: executor,
		owner:    owner,
		repo:     repo,
	}, nil
}

func (c *Client) repoFlag() string {
	return fmt.Sprintf("%s/%s", c.owner, c.repo)
}

// ghIssueView はgh issue viewコマンドの出力を表す構造体
type ghIssueView struct {
	Number    int         `json:"number"`
	Title     string      `json:"title"`
	Body      string      `json:"body"`
	State     string      `json:"state"`
	URL       string      `json:"url"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Labels    []ghLabel   `json:"labels"`
	Comments  []ghComment `json:"comments"`
}

// ghLabel はIssueのラベルを表す
type ghLabel struct {
	Name string `json:"name"`
}

// ghComment はIssueのコメントを表す
type ghComment struct {
	ID        int64     `json:"id,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// ghPullRequest はgh pr listコマンドの出力を表す構造体
type ghPullRequest struct {
	Number      int        `json:"number"`
	URL         string     `json:"url"`
	State       string     `json:"state"`
	HeadRefName string     `json:"headRefName"`
	MergedAt    *time.Time `json:"mergedAt"`
}

// GetIssue はIssue情報を取得する
func (c *Client) GetIssue(ctx context.Context, issueNumber int) (*github.Issue, error) {
	if issueNumber <= 0 {
		return nil, errors.New("issue number must be positive")
	}

	output, err := c.executor.Execute(ctx, "issue", "view",
		strconv.Itoa(issueNumber),
		"--repo", c.repoFlag(),
		"--json", "number,title,body,state,url,createdAt,updatedAt,labels")
	if err != nil {
		var execErr *ExecError
		if errors.As(err, &execErr) && strings.Contains(execErr.Stderr, "Could not resolve to an issue") {
			return nil, fmt.Errorf("issue #%d not found", issueNumber)
		}
		return nil, fmt.Errorf("failed to get issue #%d: %w", issueNumber, err)
	}

	var view ghIssueView
	if err := json.Unmarshal([]byte(output), &view); err != nil {
		return nil, fmt.Errorf("failed to parse issue response: %w", err)
	}

	issue := &github.Issue{
		Number:    view.Number,
		Title:     view.Title,
		Body:      view.Body,
		State:     strings.ToLower(view.State),
		URL:       view.URL,
		CreatedAt: view.CreatedAt,
		UpdatedAt: view.UpdatedAt,
	}
	for _, label := range view.Labels {
		issue.Labels = append(issue.Labels, label.Name)
	}
	return issue, nil
}

// ListIssueComments はIssueのコメントを時系列順に取得する
func (c *Client) ListIssueComments(ctx context.Context, issueNumber int) ([]github.Comment, error) {
	if issueNumber <= 0 {
		return nil, errors.New("issue number must be positive")
	}

	output, err := c.executor.Execute(ctx, "issue", "view",
		strconv.Itoa(issueNumber),
		"--repo", c.repoFlag(),
		"--json", "comments")
	if err != nil {
		return nil, fmt.Errorf("failed to list comments for issue #%d: %w", issueNumber, err)
	}

	var view ghIssueView
	if err := json.Unmarshal([]byte(output), &view); err != nil {
		return nil, fmt.Errorf("failed to parse comments response: %w", err)
	}

	comments := make([]github.Comment, 0, len(view.Comments))
	for _, comment := range view.Comments {
		comments = append(comments, github.Comment{
			ID:        comment.ID,
			Body:      comment.Body,
			CreatedAt: comment.CreatedAt,
		})
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

	_, err := c.executor.Execute(ctx, "issue", "comment",
		strconv.Itoa(issueNumber),
		"--body", body,
		"--repo", c.repoFlag())
	if err != nil {
		var execErr *ExecError
		if errors.As(err, &execErr) && strings.Contains(execErr.Stderr, "Could not resolve to an Issue") {
			return fmt.Errorf("issue #%d not found", issueNumber)
		}
		return fmt.Errorf("failed to create comment: %w", err)
	}
	return nil
}

// GetPullRequestForBranch は指定ブランチをheadとするPRを取得する
func (c *Client) GetPullRequestForBranch(ctx context.Context, branch string) (*github.PullRequest, error) {
	if branch == "" {
		return nil, errors.New("branch is required")
	}

	output, err := c.executor.Execute(ctx, "pr", "list",
		"--repo", c.repoFlag(),
		"--head", branch,
		"--state", "all",
		"--json", "number,url,state,headRefName,mergedAt")
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests for branch %s: %w", branch, err)
	}

	var prs []ghPullRequest
	if err := json.Unmarshal([]byte(output), &prs); err != nil {
		return nil, fmt.Errorf("failed to parse pull request response: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}

	pr := prs[0]
	return &github.PullRequest{
		Number:      pr.Number,
		URL:         pr.URL,
		State:       strings.ToLower(pr.State),
		HeadRefName: pr.HeadRefName,
		Merged:      pr.MergedAt != nil,
		MergedAt:    pr.MergedAt,
	}, nil
}

// MergePullRequest はPRをマージする
func (c *Client) MergePullRequest(ctx context.Context, prNumber int) error {
	if prNumber <= 0 {
		return errors.New("pull request number must be positive")
	}

	_, err := c.executor.Execute(ctx, "pr", "merge",
		strconv.Itoa(prNumber),
		"--repo", c.repoFlag(),
		"--squash")
	if err != nil {
		return fmt.Errorf("failed to merge pull request #%d: %w", prNumber, err)
	}
	return nil
}

// GetDefaultBranch はリポジトリのデフォルトブランチ名を返す
func (c *Client) GetDefaultBranch(ctx context.Context) (string, error) {
	output, err := c.executor.Execute(ctx, "repo", "view",
		c.repoFlag(),
		"--json", "defaultBranchRef")
	if err != nil {
		return "", fmt.Errorf("failed to get repository info: %w", err)
	}

	var view struct {
		DefaultBranchRef struct {
			Name string `json:"name"`
		} `json:"defaultBranchRef"`
	}
	if err := json.Unmarshal([]byte(output), &view); err != nil {
		return "", fmt.Errorf("failed to parse repository response: %w", err)
	}
	if view.DefaultBranchRef.Name == "" {
		return "", errors.New("default branch not found")
	}
	return view.DefaultBranchRef.Name, nil
}
