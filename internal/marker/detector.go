package marker

import (
	"context"

	"github.com/douhashi/nagare/internal/github"
	"github.com/douhashi/nagare/internal/logger"
	"github.com/douhashi/nagare/internal/phase"
)

// TrackerReader は検出に必要なトラッカー読み取り操作
type TrackerReader interface {
	GetIssue(ctx context.Context, issueNumber int) (*github.Issue, error)
	ListIssueComments(ctx context.Context, issueNumber int) ([]github.Comment, error)
}

// Detection は1つのIssueに対する検出結果
type Detection struct {
	// Completed はマーカーから再構築した完了済みフェーズの集合
	Completed map[phase.Phase]bool
	// Latest はフェーズごとの最新状態（再構築用）
	Latest map[phase.Phase]phase.Status
	// Plan はシグナル統合後の実行計画
	Plan Plan
	// Degraded はトラッカーに到達できず「最初から」へ縮退したことを示す
	Degraded bool
}

// Detector はトラッカーのコメント履歴から進捗を再構築する
type Detector struct {
	tracker TrackerReader
	logger  logger.Logger
}

// NewDetector は新しいDetectorを作成する
func NewDetector(tracker TrackerReader, log logger.Logger) *Detector {
	return &Detector{
		tracker: tracker,
		logger:  log,
	}
}

// Detect はIssueのコメント履歴とメタデータからDetectionを構築する
// flagsは明示的な起動フラグ由来のDirective（最優先）
// トラッカーに到達できない場合はエラーにせず「最初から」へ縮退する
func (d *Detector) Detect(ctx context.Context, issueNumber int, flags Directive) (*Detection, error) {
	detection := &Detection{
		Completed: make(map[phase.Phase]bool),
		Latest:    make(map[phase.Phase]phase.Status),
	}

	issue, err := d.tracker.GetIssue(ctx, issueNumber)
	if err != nil {
		d.logger.Warn("Tracker unreachable, resuming from scratch",
			"issue", issueNumber, "error", err.Error())
		detection.Degraded = true
		detection.Plan = Resolve(flags)
		return detection, nil
	}

	comments, err := d.tracker.ListIssueComments(ctx, issueNumber)
	if err != nil {
		d.logger.Warn("Failed to list comments, resuming from scratch",
			"issue", issueNumber, "error", err.Error())
		detection.Degraded = true
		detection.Plan = Resolve(flags, FromLabels(issue.Labels), FromTitle(issue.Title), FromBody(issue.Body))
		return detection, nil
	}

	bodies := make([]string, 0, len(comments))
	for _, comment := range comments {
		bodies = append(bodies, comment.Body)
	}

	detection.Latest = LatestStatuses(ExtractAll(bodies))
	for p, s := range detection.Latest {
		if s == phase.StatusCompleted {
			detection.Completed[p] = true
		}
	}

	// 優先度: 起動フラグ → ラベル → 計画コメントの推奨 → タイトル → 本文
	detection.Plan = Resolve(
		flags,
		FromLabels(issue.Labels),
		FromPlanningComments(bodies),
		FromTitle(issue.Title),
		FromBody(issue.Body),
	)

	d.logger.Debug("Resumption detection finished",
		"issue", issueNumber,
		"completed", len(detection.Completed),
		"plannedPhases", len(detection.Plan.Phases))
	return detection, nil
}
