package store

import (
	"fmt"
	"time"

	"github.com/douhashi/nagare/internal/phase"
)

// IssueStatus はIssue全体の状態を表す型
// フェーズ状態とマージ確認から導出される値であり、直接設定はしない
type IssueStatus string

const (
	IssueStatusNotStarted       IssueStatus = "not_started"
	IssueStatusInProgress       IssueStatus = "in_progress"
	IssueStatusWaitingForReview IssueStatus = "waiting_for_review_gate"
	IssueStatusReadyForMerge    IssueStatus = "ready_for_merge"
	IssueStatusBlocked          IssueStatus = "blocked"
	IssueStatusMerged           IssueStatus = "merged"
	IssueStatusAbandoned        IssueStatus = "abandoned"
)

// IsTerminal は終端状態かを返す
func (s IssueStatus) IsTerminal() bool {
	switch s {
	case IssueStatusMerged, IssueStatusAbandoned, IssueStatusBlocked:
		return true
	default:
		return false
	}
}

// PhaseRecord は1つの(Issue, フェーズ)の実行記録
// 終端状態（completed/failed/skipped）は開始・完了タイムスタンプを両方持つか、
// 両方持たない（未着手のままskipされた場合）かのいずれかになる
type PhaseRecord struct {
	Status      phase.Status `json:"status"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	Error       string       `json:"error,omitempty"`
	// Iterations は品質ループの試行回数（reviseフェーズのみ意味を持つ）
	Iterations int `json:"iterations,omitempty"`
}

// PullRequestRef は外部PRへの参照
type PullRequestRef struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// AcceptanceCriteria は受け入れ条件の集計
type AcceptanceCriteria struct {
	Met     int `json:"met"`
	NotMet  int `json:"notMet"`
	Pending int `json:"pending"`
	Blocked int `json:"blocked"`
}

// IssueRecord は1つのIssueの進捗記録
type IssueRecord struct {
	Number        int                           `json:"number"`
	Title         string                        `json:"title"`
	Status        IssueStatus                   `json:"status"`
	CurrentPhase  phase.Phase                   `json:"currentPhase,omitempty"`
	Phases        map[phase.Phase]*PhaseRecord  `json:"phases"`
	PullRequest   *PullRequestRef               `json:"pullRequest,omitempty"`
	WorkspacePath string                        `json:"workspacePath,omitempty"`
	Branch        string                        `json:"branch,omitempty"`
	Acceptance    *AcceptanceCriteria           `json:"acceptanceCriteria,omitempty"`
	// MergedExternally は外部トラッカーでマージが確認されたことを示す
	MergedExternally bool      `json:"mergedExternally,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// NewIssueRecord は全フェーズpendingの新しいIssueRecordを作成する
func NewIssueRecord(number int, title string, now time.Time) *IssueRecord {
	phases := make(map[phase.Phase]*PhaseRecord)
	for _, p := range phase.Required() {
		phases[p] = &PhaseRecord{Status: phase.StatusPending}
	}
	phases[phase.Revise] = &PhaseRecord{Status: phase.StatusPending}
	r := &IssueRecord{
		Number:    number,
		Title:     title,
		Phases:    phases,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.Status = DeriveStatus(r)
	return r
}

// Phase は指定フェーズの記録を返す（なければpendingの記録を生成する）
func (r *IssueRecord) Phase(p phase.Phase) *PhaseRecord {
	if r.Phases == nil {
		r.Phases = make(map[phase.Phase]*PhaseRecord)
	}
	rec, ok := r.Phases[p]
	if !ok {
		rec = &PhaseRecord{Status: phase.StatusPending}
		r.Phases[p] = rec
	}
	return rec
}

// BeginPhase はフェーズをin_progressに遷移させる
func (r *IssueRecord) BeginPhase(p phase.Phase, now time.Time) error {
	rec := r.Phase(p)
	if !rec.Status.CanTransitionTo(phase.StatusInProgress) {
		return fmt.Errorf("issue #%d: phase %s: invalid transition %s -> %s",
			r.Number, p, rec.Status, phase.StatusInProgress)
	}
	rec.Status = phase.StatusInProgress
	t := now
	rec.StartedAt = &t
	rec.CompletedAt = nil
	rec.Error = ""
	r.CurrentPhase = p
	r.UpdatedAt = now
	r.Status = DeriveStatus(r)
	return nil
}

// FinishPhase はin_progressのフェーズを終端状態に遷移させる
func (r *IssueRecord) FinishPhase(p phase.Phase, to phase.Status, errText string, now time.Time) error {
	if !to.IsTerminal() {
		return fmt.Errorf("issue #%d: phase %s: %s is not a terminal status", r.Number, p, to)
	}
	rec := r.Phase(p)
	if !rec.Status.CanTransitionTo(to) {
		return fmt.Errorf("issue #%d: phase %s: invalid transition %s -> %s",
			r.Number, p, rec.Status, to)
	}
	rec.Status = to
	t := now
	rec.CompletedAt = &t
	rec.Error = errText
	r.UpdatedAt = now
	r.Status = DeriveStatus(r)
	return nil
}

// ResetPhase は終端状態のフェーズをpendingに巻き戻す
// 明示的なリセット操作からのみ呼ばれる
func (r *IssueRecord) ResetPhase(p phase.Phase, now time.Time) {
	rec := r.Phase(p)
	rec.Status = phase.StatusPending
	rec.StartedAt = nil
	rec.CompletedAt = nil
	rec.Error = ""
	rec.Iterations = 0
	r.UpdatedAt = now
	r.Status = DeriveStatus(r)
}

// SkipRemaining は未着手フェーズをすべてskippedにする（abandon操作の実体）
func (r *IssueRecord) SkipRemaining(now time.Time) {
	for _, p := range phase.Required() {
		rec := r.Phase(p)
		if rec.Status == phase.StatusPending {
			// 未着手のままのskipはタイムスタンプを持たない
			rec.Status = phase.StatusSkipped
			rec.StartedAt = nil
			rec.CompletedAt = nil
		}
	}
	r.UpdatedAt = now
	r.Status = DeriveStatus(r)
}

// CompleteFromMarker は外部マーカーで確認済みの完了をローカル記録へ反映する
// 再開検出とストア再構築からのみ呼ばれる。マーカーは完了の外部証跡であるため、
// 通常の遷移検証（CanTransitionTo）を介さずcompletedを直接記録する
func (r *IssueRecord) CompleteFromMarker(p phase.Phase, now time.Time) {
	rec := r.Phase(p)
	if rec.Status == phase.StatusCompleted {
		return
	}
	t := now
	if rec.StartedAt == nil {
		rec.StartedAt = &t
	}
	rec.Status = phase.StatusCompleted
	rec.CompletedAt = &t
	rec.Error = ""
	r.UpdatedAt = now
	r.Status = DeriveStatus(r)
}

// DeriveStatus はフェーズ状態とマージ確認からIssue全体の状態を導出する
func DeriveStatus(r *IssueRecord) IssueStatus {
	if r.MergedExternally {
		return IssueStatusMerged
	}

	required := phase.Required()

	allPending := true
	anySkipped := false
	anyFailed := false
	for _, p := range required {
		rec, ok := r.Phases[p]
		if !ok {
			continue
		}
		if rec.Status != phase.StatusPending {
			allPending = false
		}
		if rec.Status == phase.StatusSkipped {
			anySkipped = true
		}
		if rec.Status == phase.StatusFailed {
			anyFailed = true
		}
	}

	if allPending {
		return IssueStatusNotStarted
	}
	// skippedは放棄操作からのみ生まれるため、1つでもあれば放棄済み
	if anySkipped {
		return IssueStatusAbandoned
	}
	if anyFailed {
		return IssueStatusBlocked
	}

	// plan〜verify完了かつreview未終端ならレビュー待ち
	// plan〜review完了（reviewはcompleted＝肯定的な判定）ならマージ可能
	completedThrough := func(upto phase.Phase) bool {
		for _, p := range required {
			rec, ok := r.Phases[p]
			if !ok || rec.Status != phase.StatusCompleted {
				return false
			}
			if p == upto {
				return true
			}
		}
		return false
	}

	// reviewまで完了していればマージ可能
	// mergeフェーズ完了後も外部でマージが確認されるまではreadyのまま
	if completedThrough(phase.Review) {
		return IssueStatusReadyForMerge
	}

	if completedThrough(phase.Verify) {
		return IssueStatusWaitingForReview
	}

	return IssueStatusInProgress
}
