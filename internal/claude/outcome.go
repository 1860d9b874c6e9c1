package claude

import (
	"encoding/json"
	"regexp"
	"strings"
)

// OutcomeStatus はフェーズが報告する結果の種類
type OutcomeStatus string

const (
	// OutcomeSuccess はフェーズ成功
	OutcomeSuccess OutcomeStatus = "success"
	// OutcomeFailure はフェーズによる意味的失敗（レビュー不合格など）
	OutcomeFailure OutcomeStatus = "failure"
)

// Finding はレビュー系フェーズが報告する構造化された指摘
type Finding struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// AcceptanceReport はフェーズが報告する受け入れ条件の集計
type AcceptanceReport struct {
	Met     int `json:"met"`
	NotMet  int `json:"notMet"`
	Pending int `json:"pending"`
	Blocked int `json:"blocked"`
}

// Outcome はフェーズ実行の結果
// Runnerは内容を検査せず、status・findings・acceptanceの粗い結果だけを扱う
type Outcome struct {
	Status     OutcomeStatus     `json:"status"`
	Message    string            `json:"message,omitempty"`
	Findings   []Finding         `json:"findings,omitempty"`
	Acceptance *AcceptanceReport `json:"acceptance,omitempty"`
}

var outcomeRe = regexp.MustCompile(`(?s)<!--\s*nagare:outcome\s+(\{.*?\})\s*-->`)

// ParseOutcome はフェーズの標準出力から結果ペイロードを取り出す
// 複数ある場合は最後のものを採用する。見つからなければ(nil, false)
func ParseOutcome(output string) (*Outcome, bool) {
	matches := outcomeRe.FindAllStringSubmatch(output, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		var outcome Outcome
		if err := json.Unmarshal([]byte(matches[i][1]), &outcome); err != nil {
			continue
		}
		if outcome.Status != OutcomeSuccess && outcome.Status != OutcomeFailure {
			continue
		}
		return &outcome, true
	}
	return nil, false
}

// FindingsText はfindingsを修正フェーズへ渡す1つのテキストにまとめる
func FindingsText(findings []Finding) string {
	var b strings.Builder
	for _, f := range findings {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		if f.Severity != "" {
			b.WriteString("[" + f.Severity + "] ")
		}
		b.WriteString(f.Message)
	}
	return b.String()
}
