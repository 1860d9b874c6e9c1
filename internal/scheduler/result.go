package scheduler

import (
	"sort"
	"sync"

	"github.com/douhashi/nagare/internal/phase"
	"github.com/douhashi/nagare/internal/store"
)

// IssueResult は1つのIssueの実行結果
type IssueResult struct {
	Number int
	Status store.IssueStatus
	Branch string
	// PlannedPhases は検出後に実行対象となったフェーズ
	PlannedPhases []phase.Phase
	// Reconciled は事前照合でmergedへ進んだことを示す
	Reconciled bool
	// Skipped は終端状態または連鎖停止により実行されなかったことを示す
	Skipped bool
	// DryRun は計画算出のみ行ったことを示す
	DryRun  bool
	Warning string
	Err     error
}

// Failed はこのIssueが失敗扱いかを返す
func (r *IssueResult) Failed() bool {
	if r.Err != nil {
		return true
	}
	return r.Status == store.IssueStatusBlocked || r.Status == store.IssueStatusAbandoned
}

// Result は実行全体の結果
type Result struct {
	mu     sync.Mutex
	Issues []*IssueResult
}

// NewResult は空のResultを作成する
func NewResult() *Result {
	return &Result{}
}

// Add は結果を追加する（並列実行から呼ばれるため排他する）
func (r *Result) Add(res *IssueResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Issues = append(r.Issues, res)
}

// SortByNumber は結果をIssue番号順に並べる
func (r *Result) SortByNumber() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.Slice(r.Issues, func(i, j int) bool {
		return r.Issues[i].Number < r.Issues[j].Number
	})
}

// Failed はいずれかのIssueが失敗扱いかを返す
// blocked/abandonedで終わったIssueがあればプロセスは非ゼロで終了する
func (r *Result) Failed() bool {
	for _, res := range r.Issues {
		if res.Failed() {
			return true
		}
	}
	return false
}
