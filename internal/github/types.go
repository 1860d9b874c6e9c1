package github

import "time"

// Issue はトラッカー上のIssue情報
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	URL       string    `json:"url"`
	Labels    []string  `json:"labels"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Comment はIssueスレッドのコメント
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// PullRequest はPull Request情報
type PullRequest struct {
	Number      int        `json:"number"`
	URL         string     `json:"url"`
	State       string     `json:"state"`
	HeadRefName string     `json:"headRefName"`
	Merged      bool       `json:"merged"`
	MergedAt    *time.Time `json:"mergedAt,omitempty"`
}
