package phase

import "fmt"

// Status はフェーズの実行状態を表す型
type Status string

const (
	// StatusPending は未着手
	StatusPending Status = "pending"
	// StatusInProgress は実行中
	StatusInProgress Status = "in_progress"
	// StatusCompleted は正常完了
	StatusCompleted Status = "completed"
	// StatusFailed は失敗
	StatusFailed Status = "failed"
	// StatusSkipped はスキップ
	StatusSkipped Status = "skipped"
)

// ParseStatus は文字列をStatusに変換する
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusSkipped:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown phase status: %q", s)
	}
}

// IsTerminal は終端状態（completed/failed/skipped）かを返す
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	case StatusPending, StatusInProgress:
		return false
	default:
		return false
	}
}

// CanTransitionTo は状態遷移が許可されているかを返す
// 許可される遷移: pending → in_progress → {completed, failed, skipped}
// 終端状態からpendingへの巻き戻しは明示的なリセット操作のみが行う
//
// 唯一の例外はマーカーからの再構築で、外部トラッカーで完了が確認された
// フェーズはこの検証を介さずcompletedとして記録される
// （store.IssueRecord.CompleteFromMarker）
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed || next == StatusSkipped
	case StatusCompleted, StatusFailed, StatusSkipped:
		return false
	default:
		return false
	}
}
