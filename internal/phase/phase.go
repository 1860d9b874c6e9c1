package phase

import "fmt"

// Phase はパイプラインのフェーズを表す型
type Phase string

const (
	// Plan は計画フェーズ
	Plan Phase = "plan"
	// Implement は実装フェーズ
	Implement Phase = "implement"
	// Verify は検証フェーズ
	Verify Phase = "verify"
	// Review はレビューフェーズ
	Review Phase = "review"
	// Revise はレビュー指摘に対する修正フェーズ（品質ループ専用）
	Revise Phase = "revise"
	// Merge はマージフェーズ
	Merge Phase = "merge"
)

// Required は必須フェーズを実行順に返す
// Reviseは品質ループからのみ起動されるため含まれない
func Required() []Phase {
	return []Phase{Plan, Implement, Verify, Review, Merge}
}

// Parse は文字列をPhaseに変換する
func Parse(s string) (Phase, error) {
	switch Phase(s) {
	case Plan, Implement, Verify, Review, Revise, Merge:
		return Phase(s), nil
	default:
		return "", fmt.Errorf("unknown phase: %q", s)
	}
}

// IsValid はフェーズが定義済みかを返す
func (p Phase) IsValid() bool {
	_, err := Parse(string(p))
	return err == nil
}

// IsReviewType はレビュー系フェーズ（品質ループの対象）かを返す
func (p Phase) IsReviewType() bool {
	return p == Review
}

// Mutating はフェーズがワークスペースのコードを変更しうるかを返す
// 保護ブランチガードの対象判定に使う
func (p Phase) Mutating() bool {
	switch p {
	case Implement, Verify, Revise:
		return true
	case Plan, Review, Merge:
		return false
	default:
		return true
	}
}
