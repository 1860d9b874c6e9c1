package marker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/douhashi/nagare/internal/phase"
)

// PhaseMarker はフェーズの結果をトラッカーコメントへ埋め込むペイロード
// ローカルには保存せず、毎回コメント履歴から再構築する
type PhaseMarker struct {
	Phase     phase.Phase  `json:"phase"`
	Status    phase.Status `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Error     string       `json:"error,omitempty"`
}

// PhaseList は計画コメントが推奨するフェーズ一覧のペイロード
type PhaseList struct {
	Phases []string `json:"phases"`
	// Loop は品質ループの推奨（nilなら意見なし）
	Loop *bool `json:"loop,omitempty"`
}

const (
	phaseMarkerTag = "nagare:phase"
	phaseListTag   = "nagare:phases"
)

var (
	phaseMarkerRe = regexp.MustCompile(`(?s)<!--\s*` + phaseMarkerTag + `\s+(\{.*?\})\s*-->`)
	phaseListRe   = regexp.MustCompile(`(?s)<!--\s*` + phaseListTag + `\s+(\{.*?\})\s*-->`)
	fencedCodeRe  = regexp.MustCompile("(?s)```.*?```|~~~.*?~~~")
	inlineCodeRe  = regexp.MustCompile("`[^`\n]*`")
)

// Format はPhaseMarkerをコメント本文に変換する
// 機械可読なペイロードと人間向けの1行を併記する
func Format(m PhaseMarker) (string, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal phase marker: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<!-- %s %s -->\n", phaseMarkerTag, payload)
	fmt.Fprintf(&b, "**nagare**: phase `%s` → `%s`", m.Phase, m.Status)
	if m.Error != "" {
		fmt.Fprintf(&b, "\n> %s", m.Error)
	}
	return b.String(), nil
}

// stripCode はフェンスコードブロックとインラインコードを除去する
// 例示として引用されたマーカーを誤検出しないための前処理
func stripCode(text string) string {
	text = fencedCodeRe.ReplaceAllString(text, "")
	return inlineCodeRe.ReplaceAllString(text, "")
}

// Extract はテキストからPhaseMarkerを出現順に取り出す純粋関数
// コード領域内のペイロードは無視し、解析できないペイロードは読み飛ばす
func Extract(text string) []PhaseMarker {
	stripped := stripCode(text)

	var markers []PhaseMarker
	for _, match := range phaseMarkerRe.FindAllStringSubmatch(stripped, -1) {
		var m PhaseMarker
		if err := json.Unmarshal([]byte(match[1]), &m); err != nil {
			continue
		}
		if !m.Phase.IsValid() {
			continue
		}
		if _, err := phase.ParseStatus(string(m.Status)); err != nil {
			continue
		}
		markers = append(markers, m)
	}
	return markers
}

// ExtractAll は時系列順のコメント本文一覧からマーカーを取り出す
func ExtractAll(comments []string) []PhaseMarker {
	var markers []PhaseMarker
	for _, body := range comments {
		markers = append(markers, Extract(body)...)
	}
	return markers
}

// LatestStatuses はマーカー一覧からフェーズごとの最新状態を返す
func LatestStatuses(markers []PhaseMarker) map[phase.Phase]phase.Status {
	latest := make(map[phase.Phase]phase.Status)
	for _, m := range markers {
		latest[m.Phase] = m.Status
	}
	return latest
}

// CompletedSet はコメント履歴から完了済みフェーズの集合を再構築する
func CompletedSet(comments []string) map[phase.Phase]bool {
	completed := make(map[phase.Phase]bool)
	for p, s := range LatestStatuses(ExtractAll(comments)) {
		if s == phase.StatusCompleted {
			completed[p] = true
		}
	}
	return completed
}

// ExtractPhaseList はテキストから計画コメントのフェーズ推奨を取り出す
// 複数ある場合は最後のものを採用する
func ExtractPhaseList(text string) (*PhaseList, bool) {
	stripped := stripCode(text)

	matches := phaseListRe.FindAllStringSubmatch(stripped, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		var list PhaseList
		if err := json.Unmarshal([]byte(matches[i][1]), &list); err != nil {
			continue
		}
		return &list, true
	}
	return nil, false
}
