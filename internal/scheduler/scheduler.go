package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/douhashi/nagare/internal/git"
	"github.com/douhashi/nagare/internal/github"
	"github.com/douhashi/nagare/internal/logger"
	"github.com/douhashi/nagare/internal/loop"
	"github.com/douhashi/nagare/internal/marker"
	"github.com/douhashi/nagare/internal/phase"
	"github.com/douhashi/nagare/internal/runner"
	"github.com/douhashi/nagare/internal/store"
)

// Mode は複数Issueの実行モード
type Mode string

const (
	// ModeParallel は独立並列実行
	ModeParallel Mode = "parallel"
	// ModeSequential は逐次実行（各Issueはデフォルトブランチから分岐）
	ModeSequential Mode = "sequential"
	// ModeChain は連鎖実行（各Issueは直前のIssueの完了ブランチから分岐）
	ModeChain Mode = "chain"
)

// ErrChainHalted は連鎖実行が途中で停止したことを表す
var ErrChainHalted = errors.New("chain halted")

// Options はスケジューラの実行オプション
type Options struct {
	Mode Mode
	// BaseBranch は最初の分岐元の明示指定（空ならリモートのデフォルトブランチ）
	BaseBranch string
	// Phases は明示的なフェーズ指定（最優先のシグナル源）
	Phases []phase.Phase
	// Resume はマーカーからの再開検出を行うか
	Resume bool
	// Force は終端状態のIssueも再実行する
	Force bool
	// DryRun は計画の算出のみで実行しない
	DryRun bool
	// LoopEnabled は品質ループの明示指示（nilなら未指定）
	LoopEnabled *bool
	// ResetLoop はループカウンタを実行前にリセットする
	ResetLoop bool
}

// Scheduler は複数Issueのパイプラインを統率する
type Scheduler struct {
	store      *store.Store
	tracker    github.TrackerClient
	workspaces git.WorkspaceManager
	runner     *runner.Runner
	loop       *loop.Controller
	detector   *marker.Detector
	logger     logger.Logger
	// loopDefault は設定ファイル由来のループ既定値
	loopDefault bool
	now         func() time.Time
}

// Option はSchedulerの設定オプション
type Option func(*Scheduler)

// WithLoopDefault は品質ループの既定値を設定する
func WithLoopDefault(enabled bool) Option {
	return func(s *Scheduler) {
		s.loopDefault = enabled
	}
}

// WithClock は現在時刻の取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New は新しいSchedulerを作成する
func New(
	st *store.Store,
	tracker github.TrackerClient,
	workspaces git.WorkspaceManager,
	r *runner.Runner,
	lc *loop.Controller,
	detector *marker.Detector,
	log logger.Logger,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		store:       st,
		tracker:     tracker,
		workspaces:  workspaces,
		runner:      r,
		loop:        lc,
		detector:    detector,
		logger:      log,
		loopDefault: true,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run は要求されたIssue群をモードに従って実行する
func (s *Scheduler) Run(ctx context.Context, issues []int, opts Options) (*Result, error) {
	if len(issues) == 0 {
		return nil, errors.New("at least one issue is required")
	}
	if opts.Mode == "" {
		opts.Mode = ModeSequential
	}

	if err := s.ensureStoreReadable(ctx, issues); err != nil {
		return nil, err
	}

	switch opts.Mode {
	case ModeParallel:
		return s.runParallel(ctx, issues, opts), nil
	case ModeSequential:
		return s.runSequential(ctx, issues, opts), nil
	case ModeChain:
		return s.runChain(ctx, issues, opts), nil
	default:
		return nil, fmt.Errorf("unknown execution mode: %s", opts.Mode)
	}
}

// runParallel はIssueごとに独立したパイプラインを並行起動する
// ストアへの書き込みはStore側の単一ライター規律で直列化される
func (s *Scheduler) runParallel(ctx context.Context, issues []int, opts Options) *Result {
	result := NewResult()
	var wg sync.WaitGroup
	for _, number := range issues {
		wg.Add(1)
		go func(number int) {
			defer wg.Done()
			result.Add(s.runPipeline(ctx, number, opts, pipelineControl{}))
		}(number)
	}
	wg.Wait()
	result.SortByNumber()
	return result
}

// runSequential はIssueを1つずつ実行する
func (s *Scheduler) runSequential(ctx context.Context, issues []int, opts Options) *Result {
	result := NewResult()
	for _, number := range issues {
		result.Add(s.runPipeline(ctx, number, opts, pipelineControl{}))
	}
	return result
}

// runChain は各Issueを直前のIssueの完了ブランチから分岐させて逐次実行する
// 途中で失敗した場合、壊れた状態から分岐しないよう残りは実行しない
func (s *Scheduler) runChain(ctx context.Context, issues []int, opts Options) *Result {
	result := NewResult()
	baseRef := opts.BaseBranch

	for i, number := range issues {
		ctl := pipelineControl{
			baseRef: baseRef,
			// 中間Issueのブランチは互いに積み上がる設計のため、
			// デフォルトブランチへのリベースは連鎖の最後だけが行う
			skipPreMergeRebase: i != len(issues)-1,
		}
		res := s.runPipeline(ctx, number, opts, ctl)
		result.Add(res)

		if res.Err != nil || res.Status == store.IssueStatusBlocked {
			s.logger.Warn("Chain halted",
				"issue", number, "remaining", len(issues)-i-1)
			for _, skipped := range issues[i+1:] {
				result.Add(&IssueResult{
					Number:  skipped,
					Skipped: true,
					Err:     fmt.Errorf("%w at issue #%d", ErrChainHalted, number),
				})
			}
			break
		}
		if res.Branch != "" {
			baseRef = res.Branch
		}
	}
	return result
}

// pipelineControl はモード固有のパイプライン調整
type pipelineControl struct {
	baseRef            string
	skipPreMergeRebase bool
}

// runPipeline は1つのIssueをフェーズ順に駆動する
func (s *Scheduler) runPipeline(ctx context.Context, number int, opts Options, ctl pipelineControl) *IssueResult {
	res := &IssueResult{Number: number}

	issue, title := s.lookupIssue(ctx, number)

	if err := s.ensureTracked(number, title); err != nil {
		res.Err = err
		return res
	}

	// 事前照合: 外部で既にマージ済みならワークスペースにもフェーズにも触れない
	reconciled, err := s.reconcileMerged(ctx, number, title)
	if err != nil {
		res.Err = err
		return res
	}
	if reconciled {
		res.Reconciled = true
		res.Status = store.IssueStatusMerged
		return res
	}

	doc, err := s.store.Load()
	if err != nil {
		res.Err = err
		return res
	}
	rec, _ := doc.Issue(number)
	if rec != nil && rec.Status.IsTerminal() && !opts.Force {
		s.logger.Info("Skipping issue in terminal status",
			"issue", number, "status", string(rec.Status))
		res.Skipped = true
		res.Status = rec.Status
		return res
	}
	if opts.Force {
		if err := s.resetFailedPhases(number); err != nil {
			res.Err = err
			return res
		}
	}
	if opts.ResetLoop {
		if err := s.loop.Reset(number); err != nil {
			res.Err = err
			return res
		}
	}

	plan, completed := s.detect(ctx, number, issue, opts)
	res.PlannedPhases = s.pendingPhases(number, plan.Phases, completed)

	loopEnabled := s.loopDefault
	if plan.LoopEnabled != nil {
		loopEnabled = *plan.LoopEnabled
	}

	if opts.DryRun {
		res.DryRun = true
		res.Status = s.currentStatus(number)
		return res
	}

	// マーカーで完了が確認できたフェーズをローカル記録へ反映する
	if err := s.syncCompleted(number, completed); err != nil {
		res.Err = err
		return res
	}

	ws, err := s.acquireWorkspace(ctx, number, title, ctl.baseRef, res)
	if err != nil {
		res.Err = err
		res.Status = s.currentStatus(number)
		return res
	}

	for _, p := range plan.Phases {
		if completed[p] || s.phaseCompleted(number, p) {
			s.logger.Debug("Phase already completed, skipping",
				"issue", number, "phase", string(p))
			continue
		}

		if p == phase.Merge && !ctl.skipPreMergeRebase {
			if err := s.workspaces.PreMergeRebase(ctx, ws); err != nil {
				if errors.Is(err, git.ErrRebaseConflict) {
					// 競合は自動解決しない。ブランチは直前の正常な状態のまま
					s.logger.Warn("Pre-merge rebase conflict, manual resolution required",
						"issue", number, "branch", ws.Branch)
					res.Warning = err.Error()
					res.Status = s.currentStatus(number)
					return res
				}
				res.Err = err
				res.Status = s.currentStatus(number)
				return res
			}
		}

		outcome, err := s.runner.RunPhase(ctx, ws, title, p)
		if err != nil {
			res.Err = err
			res.Status = s.currentStatus(number)
			return res
		}

		if outcome.Failed() {
			if outcome.Semantic && p.IsReviewType() && loopEnabled {
				final, loopErr := s.loop.Run(ctx, ws, title, outcome)
				if loopErr != nil {
					res.Err = loopErr
					res.Status = s.currentStatus(number)
					return res
				}
				if final.Failed() {
					res.Err = final.Err
					res.Status = s.currentStatus(number)
					return res
				}
				continue
			}
			res.Err = outcome.Err
			res.Status = s.currentStatus(number)
			return res
		}
	}

	s.recordPullRequest(ctx, number, ws.Branch)

	// マージフェーズが完了してもPRが開いたままならトラッカー経由で直接マージする
	if s.phaseCompleted(number, phase.Merge) {
		s.mergeOpenPullRequest(ctx, number, ws.Branch)
	}

	// マージフェーズ後の確認が取れた場合のみmergedへ進め、ワークスペースを破棄する
	if merged, _ := s.reconcileMerged(ctx, number, title); merged {
		res.Status = store.IssueStatusMerged
		return res
	}

	res.Status = s.currentStatus(number)
	return res
}

// lookupIssue はトラッカーからIssue情報を取得する
// 到達できない場合はローカル記録のタイトルで縮退する
func (s *Scheduler) lookupIssue(ctx context.Context, number int) (*github.Issue, string) {
	issue, err := s.tracker.GetIssue(ctx, number)
	if err == nil {
		return issue, issue.Title
	}
	s.logger.Warn("Tracker unreachable, using local record",
		"issue", number, "error", err.Error())
	if doc, loadErr := s.store.Load(); loadErr == nil {
		if rec, ok := doc.Issue(number); ok {
			return nil, rec.Title
		}
	}
	return nil, fmt.Sprintf("issue-%d", number)
}

// ensureTracked はIssueRecordの存在を保証する
func (s *Scheduler) ensureTracked(number int, title string) error {
	return s.store.Update(func(doc *store.Document) error {
		if rec, ok := doc.Issue(number); ok {
			if title != "" && rec.Title != title {
				rec.Title = title
			}
			return nil
		}
		doc.SetIssue(store.NewIssueRecord(number, title, s.now()))
		return nil
	})
}

// reconcileMerged は外部でのマージ完了を照合し、確認できればmergedへ進める
// トラッカーに到達できない場合は「未マージ」とみなす保守的な縮退を行う
func (s *Scheduler) reconcileMerged(ctx context.Context, number int, title string) (bool, error) {
	branch := git.BranchName(number, title)
	pr, err := s.tracker.GetPullRequestForBranch(ctx, branch)
	if err != nil {
		s.logger.Warn("Merge reconciliation degraded to not-merged",
			"issue", number, "error", err.Error())
		return false, nil
	}
	if pr == nil || !pr.Merged {
		return false, nil
	}

	err = s.store.Update(func(doc *store.Document) error {
		rec, ok := doc.Issue(number)
		if !ok {
			rec = store.NewIssueRecord(number, title, s.now())
			doc.SetIssue(rec)
		}
		rec.MergedExternally = true
		rec.PullRequest = &store.PullRequestRef{Number: pr.Number, URL: pr.URL}
		rec.UpdatedAt = s.now()
		rec.Status = store.DeriveStatus(rec)
		return nil
	})
	if err != nil {
		return false, err
	}

	// マージ確認後のワークスペース破棄（既に存在しない場合も許容）
	if err := s.workspaces.Release(ctx, number, branch); err != nil {
		s.logger.Warn("Failed to release workspace after merge",
			"issue", number, "error", err.Error())
	}
	s.logger.Info("Issue reconciled as merged", "issue", number, "pr", pr.Number)
	return true, nil
}

// detect は再開検出とシグナル統合を行う
func (s *Scheduler) detect(ctx context.Context, number int, issue *github.Issue, opts Options) (marker.Plan, map[phase.Phase]bool) {
	flagDirective := marker.Directive{Loop: opts.LoopEnabled}
	if len(opts.Phases) > 0 {
		flagDirective.Phases = opts.Phases
		flagDirective.Exclusive = true
	}

	if !opts.Resume {
		var sources []marker.Directive
		sources = append(sources, flagDirective)
		if issue != nil {
			sources = append(sources,
				marker.FromLabels(issue.Labels),
				marker.FromTitle(issue.Title),
				marker.FromBody(issue.Body))
		}
		return marker.Resolve(sources...), map[phase.Phase]bool{}
	}

	detection, err := s.detector.Detect(ctx, number, flagDirective)
	if err != nil {
		s.logger.Warn("Detection failed, starting fresh",
			"issue", number, "error", err.Error())
		return marker.Resolve(flagDirective), map[phase.Phase]bool{}
	}
	return detection.Plan, detection.Completed
}

// acquireWorkspace はワークスペースを取得し、記録へパスとブランチを残す
func (s *Scheduler) acquireWorkspace(ctx context.Context, number int, title, baseRef string, res *IssueResult) (*git.Workspace, error) {
	ws, err := s.workspaces.Acquire(ctx, number, title, baseRef)
	if err != nil {
		return nil, fmt.Errorf("issue #%d: workspace acquire: %w", number, err)
	}
	res.Branch = ws.Branch

	err = s.store.Update(func(doc *store.Document) error {
		rec, ok := doc.Issue(number)
		if !ok {
			return fmt.Errorf("issue #%d is not tracked", number)
		}
		rec.WorkspacePath = ws.Path
		rec.Branch = ws.Branch
		rec.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// syncCompleted はマーカー由来の完了をローカル記録へ反映する
func (s *Scheduler) syncCompleted(number int, completed map[phase.Phase]bool) error {
	if len(completed) == 0 {
		return nil
	}
	return s.store.Update(func(doc *store.Document) error {
		rec, ok := doc.Issue(number)
		if !ok {
			return fmt.Errorf("issue #%d is not tracked", number)
		}
		for p := range completed {
			rec.CompleteFromMarker(p, s.now())
		}
		return nil
	})
}

// pendingPhases は計画のうちまだ完了していないフェーズを返す
func (s *Scheduler) pendingPhases(number int, planned []phase.Phase, completed map[phase.Phase]bool) []phase.Phase {
	var pending []phase.Phase
	for _, p := range planned {
		if completed[p] || s.phaseCompleted(number, p) {
			continue
		}
		pending = append(pending, p)
	}
	return pending
}

// phaseCompleted はローカル記録でフェーズが完了済みかを返す
func (s *Scheduler) phaseCompleted(number int, p phase.Phase) bool {
	doc, err := s.store.Load()
	if err != nil {
		return false
	}
	rec, ok := doc.Issue(number)
	if !ok {
		return false
	}
	pr, ok := rec.Phases[p]
	return ok && pr.Status == phase.StatusCompleted
}

// currentStatus はローカル記録の派生ステータスを返す
func (s *Scheduler) currentStatus(number int) store.IssueStatus {
	doc, err := s.store.Load()
	if err != nil {
		return ""
	}
	rec, ok := doc.Issue(number)
	if !ok {
		return ""
	}
	return rec.Status
}

// resetFailedPhases はforce指定時に失敗フェーズをpendingへ巻き戻す
// 品質ループのカウンタはreset-loopだけが消せるため、ここでは引き継ぐ
func (s *Scheduler) resetFailedPhases(number int) error {
	return s.store.Update(func(doc *store.Document) error {
		rec, ok := doc.Issue(number)
		if !ok {
			return nil
		}
		iterations := rec.Phase(phase.Revise).Iterations
		for p, pr := range rec.Phases {
			if pr.Status == phase.StatusFailed {
				rec.ResetPhase(p, s.now())
			}
		}
		rec.Phase(phase.Revise).Iterations = iterations
		return nil
	})
}

// mergeOpenPullRequest はブランチのPRが開いたままならトラッカー経由でマージする
// ブランチ保護などによる失敗は警告に留め、確認は後続の照合に委ねる
func (s *Scheduler) mergeOpenPullRequest(ctx context.Context, number int, branch string) {
	pr, err := s.tracker.GetPullRequestForBranch(ctx, branch)
	if err != nil || pr == nil || pr.Merged {
		return
	}
	if err := s.tracker.MergePullRequest(ctx, pr.Number); err != nil {
		s.logger.Warn("Explicit merge via tracker failed",
			"issue", number, "pr", pr.Number, "error", err.Error())
		return
	}
	s.logger.Info("Merged pull request via tracker", "issue", number, "pr", pr.Number)
}

// recordPullRequest はブランチに紐づくPR参照を記録する（ベストエフォート）
func (s *Scheduler) recordPullRequest(ctx context.Context, number int, branch string) {
	pr, err := s.tracker.GetPullRequestForBranch(ctx, branch)
	if err != nil || pr == nil {
		return
	}
	_ = s.store.Update(func(doc *store.Document) error {
		rec, ok := doc.Issue(number)
		if !ok {
			return nil
		}
		rec.PullRequest = &store.PullRequestRef{Number: pr.Number, URL: pr.URL}
		rec.UpdatedAt = s.now()
		return nil
	})
}

// ensureStoreReadable はストア文書の読み取りを確認し、壊れていれば
// 外部マーカーから再構築する
func (s *Scheduler) ensureStoreReadable(ctx context.Context, issues []int) error {
	_, err := s.store.Load()
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrCorrupted) {
		return err
	}

	s.logger.Warn("Issue store is corrupted, rebuilding from phase markers")
	doc := store.NewDocument(s.now())
	for _, number := range issues {
		_, title := s.lookupIssue(ctx, number)
		rec := store.NewIssueRecord(number, title, s.now())

		detection, derr := s.detector.Detect(ctx, number, marker.Directive{})
		if derr == nil {
			for p, status := range detection.Latest {
				if status == phase.StatusCompleted {
					rec.CompleteFromMarker(p, s.now())
				}
			}
		}
		doc.SetIssue(rec)
	}
	return s.store.Replace(doc)
}
