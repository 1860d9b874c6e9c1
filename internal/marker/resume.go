package marker

import (
	"strings"

	"github.com/douhashi/nagare/internal/phase"
)

// Directive は1つのシグナル源が表明するフェーズ選択とループ指示
// Phasesがnilならフェーズについて意見なし、Loopがnilならループについて意見なし
type Directive struct {
	Phases []phase.Phase
	Loop   *bool
	// Exclusive は表明したフェーズ集合を厳密な実行対象とみなす
	// 明示的な起動フラグのみがtrueになる
	Exclusive bool
}

// Plan はシグナル統合の結果
type Plan struct {
	Phases      []phase.Phase
	LoopEnabled *bool
}

// titleKeywords / bodyKeywords はコンテンツ解析で追加されるフェーズの対応表
// コンテンツ由来のシグナルはフェーズを追加するだけで、除外はしない
var titleKeywords = map[string]phase.Phase{
	"test":   phase.Verify,
	"テスト":    phase.Verify,
	"review": phase.Review,
	"レビュー":   phase.Review,
}

var bodyKeywords = map[string]phase.Phase{
	"acceptance criteria": phase.Verify,
	"受け入れ条件":              phase.Verify,
	"test plan":           phase.Verify,
	"review required":     phase.Review,
}

// FromLabels はトラッカーラベルからDirectiveを構築する
// `phase:<name>` ラベルがフェーズを、`loop:on` / `loop:off` がループ指示を表す
func FromLabels(labels []string) Directive {
	var d Directive
	for _, label := range labels {
		if name, ok := strings.CutPrefix(label, "phase:"); ok {
			if p, err := phase.Parse(name); err == nil {
				d.Phases = append(d.Phases, p)
			}
			continue
		}
		switch label {
		case "loop:on":
			v := true
			d.Loop = &v
		case "loop:off":
			v := false
			d.Loop = &v
		}
	}
	return d
}

// FromPlanningComments は過去の計画コメントの推奨からDirectiveを構築する
// 時系列で最後の推奨を採用する
func FromPlanningComments(comments []string) Directive {
	var d Directive
	for i := len(comments) - 1; i >= 0; i-- {
		list, ok := ExtractPhaseList(comments[i])
		if !ok {
			continue
		}
		for _, name := range list.Phases {
			if p, err := phase.Parse(name); err == nil {
				d.Phases = append(d.Phases, p)
			}
		}
		d.Loop = list.Loop
		return d
	}
	return d
}

// FromTitle はIssueタイトルのキーワード解析からDirectiveを構築する
func FromTitle(title string) Directive {
	return fromKeywords(title, titleKeywords)
}

// FromBody はIssue本文のキーワード解析からDirectiveを構築する
func FromBody(body string) Directive {
	return fromKeywords(stripCode(body), bodyKeywords)
}

func fromKeywords(text string, keywords map[string]phase.Phase) Directive {
	var d Directive
	lower := strings.ToLower(text)
	seen := make(map[phase.Phase]bool)
	for keyword, p := range keywords {
		if strings.Contains(lower, keyword) && !seen[p] {
			seen[p] = true
			d.Phases = append(d.Phases, p)
		}
	}
	return d
}

// Resolve はシグナル源を優先度の高い順に受け取り、統合結果を返す
// フェーズ: Exclusiveな源があればその集合をそのまま使う。なければ
// 各源の表明の和集合（追加のみ）。どの源も表明しなければ必須フェーズ全部
// ループ指示: 最も優先度の高い表明がそのまま採用され、下位の源は覆せない
func Resolve(sources ...Directive) Plan {
	var plan Plan

	for _, src := range sources {
		if src.Loop != nil {
			plan.LoopEnabled = src.Loop
			break
		}
	}

	for _, src := range sources {
		if src.Exclusive && src.Phases != nil {
			plan.Phases = orderPhases(src.Phases)
			return plan
		}
	}

	seen := make(map[phase.Phase]bool)
	var union []phase.Phase
	for _, src := range sources {
		for _, p := range src.Phases {
			if !seen[p] {
				seen[p] = true
				union = append(union, p)
			}
		}
	}
	if len(union) == 0 {
		plan.Phases = phase.Required()
		return plan
	}
	plan.Phases = orderPhases(union)
	return plan
}

// orderPhases はフェーズ集合をパイプラインの実行順に並べ替える
func orderPhases(phases []phase.Phase) []phase.Phase {
	want := make(map[phase.Phase]bool, len(phases))
	for _, p := range phases {
		want[p] = true
	}
	var ordered []phase.Phase
	for _, p := range phase.Required() {
		if want[p] {
			ordered = append(ordered, p)
		}
	}
	if want[phase.Revise] {
		ordered = append(ordered, phase.Revise)
	}
	return ordered
}
