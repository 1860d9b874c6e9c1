package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/douhashi/nagare/internal/claude"
	"github.com/douhashi/nagare/internal/git"
	"github.com/douhashi/nagare/internal/github"
	"github.com/douhashi/nagare/internal/logger"
	"github.com/douhashi/nagare/internal/marker"
	"github.com/douhashi/nagare/internal/phase"
	"github.com/douhashi/nagare/internal/store"
)

// Outcome は1フェーズ実行の結果
type Outcome struct {
	Phase  phase.Phase
	Status phase.Status
	// Semantic はフェーズ自身が報告した失敗（レビュー不合格など）を示す
	// falseの失敗は実行機構の障害であり、Runner内で既にリトライ済み
	Semantic bool
	Findings []claude.Finding
	Err      error
}

// Failed は失敗したかを返す
func (o *Outcome) Failed() bool {
	return o.Status == phase.StatusFailed
}

// Runner は1つのIssueの1フェーズを実行する
// フェーズの実体は外部コマンドへ委譲し、順序付け・計時・結果捕捉のみを担う
type Runner struct {
	invoker    claude.PhaseInvoker
	store      *store.Store
	tracker    github.TrackerClient
	workspaces git.WorkspaceManager
	logger     logger.Logger
	retries    int
	window     time.Duration
	now        func() time.Time
	newRunID   func() string
}

// Option はRunnerの設定オプション
type Option func(*Runner)

// WithTransientRetries は一時障害の自動リトライ回数を設定する
func WithTransientRetries(n int) Option {
	return func(r *Runner) {
		r.retries = n
	}
}

// WithTransientWindow はリトライを許す時間幅を設定する
func WithTransientWindow(d time.Duration) Option {
	return func(r *Runner) {
		r.window = d
	}
}

// WithClock は現在時刻の取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// WithRunIDGenerator は実行ID生成関数を差し替える（テスト用）
func WithRunIDGenerator(fn func() string) Option {
	return func(r *Runner) {
		r.newRunID = fn
	}
}

// New は新しいRunnerを作成する
func New(invoker claude.PhaseInvoker, st *store.Store, tracker github.TrackerClient, workspaces git.WorkspaceManager, log logger.Logger, opts ...Option) *Runner {
	r := &Runner{
		invoker:    invoker,
		store:      st,
		tracker:    tracker,
		workspaces: workspaces,
		logger:     log,
		retries:    2,
		window:     30 * time.Second,
		now:        time.Now,
		newRunID:   func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunPhase は1フェーズを実行し、記録の更新とマーカーの投稿を行う
// 意味的失敗はここではリトライせず、Outcomeとして呼び出し側へ返す
func (r *Runner) RunPhase(ctx context.Context, ws *git.Workspace, issueTitle string, p phase.Phase) (*Outcome, error) {
	issueNumber := ws.IssueNumber

	if err := r.beginPhase(issueNumber, p); err != nil {
		return nil, err
	}

	// 中断時にin_progressのまま残さないための後始末を先に登録する
	finished := false
	defer func() {
		if !finished {
			r.finishPhase(issueNumber, p, phase.StatusFailed, "run aborted", nil)
			r.postMarker(issueNumber, p, phase.StatusFailed, "run aborted")
		}
	}()

	// 保護ブランチ上での変更フェーズは前提条件違反として即座に失敗させる
	if p.Mutating() {
		if err := r.workspaces.Guard(ctx, ws.Path); err != nil {
			finished = true
			r.finishPhase(issueNumber, p, phase.StatusFailed, err.Error(), nil)
			r.postMarker(issueNumber, p, phase.StatusFailed, err.Error())
			return &Outcome{Phase: p, Status: phase.StatusFailed, Err: err},
				fmt.Errorf("issue #%d phase %s: workspace guard: %w", issueNumber, p, err)
		}
	}

	outcome, err := r.invokeWithRetry(ctx, ws, issueTitle, p, "")
	if err != nil {
		finished = true
		errText := err.Error()
		if ctx.Err() != nil {
			errText = "cancelled: " + errText
		}
		r.finishPhase(issueNumber, p, phase.StatusFailed, errText, nil)
		r.postMarker(issueNumber, p, phase.StatusFailed, errText)
		return &Outcome{Phase: p, Status: phase.StatusFailed, Err: err},
			fmt.Errorf("issue #%d phase %s: transient invocation failure: %w", issueNumber, p, err)
	}

	finished = true
	if outcome.Status == claude.OutcomeFailure {
		errText := outcome.Message
		if errText == "" {
			errText = fmt.Sprintf("phase %s reported failure", p)
		}
		r.finishPhase(issueNumber, p, phase.StatusFailed, errText, outcome.Acceptance)
		r.postMarker(issueNumber, p, phase.StatusFailed, errText)
		return &Outcome{
			Phase:    p,
			Status:   phase.StatusFailed,
			Semantic: true,
			Findings: outcome.Findings,
			Err:      errors.New(errText),
		}, nil
	}

	r.finishPhase(issueNumber, p, phase.StatusCompleted, "", outcome.Acceptance)
	r.postMarker(issueNumber, p, phase.StatusCompleted, "")
	return &Outcome{Phase: p, Status: phase.StatusCompleted}, nil
}

// RunRevise は品質ループの修正フェーズを実行する
// findingsは直前のレビュー失敗から引き継がれた指摘
func (r *Runner) RunRevise(ctx context.Context, ws *git.Workspace, issueTitle, findings string) (*Outcome, error) {
	issueNumber := ws.IssueNumber
	p := phase.Revise

	if err := r.beginPhase(issueNumber, p); err != nil {
		return nil, err
	}

	finished := false
	defer func() {
		if !finished {
			r.finishPhase(issueNumber, p, phase.StatusFailed, "run aborted", nil)
			r.postMarker(issueNumber, p, phase.StatusFailed, "run aborted")
		}
	}()

	if err := r.workspaces.Guard(ctx, ws.Path); err != nil {
		finished = true
		r.finishPhase(issueNumber, p, phase.StatusFailed, err.Error(), nil)
		r.postMarker(issueNumber, p, phase.StatusFailed, err.Error())
		return &Outcome{Phase: p, Status: phase.StatusFailed, Err: err},
			fmt.Errorf("issue #%d phase %s: workspace guard: %w", issueNumber, p, err)
	}

	outcome, err := r.invokeWithRetry(ctx, ws, issueTitle, p, findings)
	if err != nil {
		finished = true
		r.finishPhase(issueNumber, p, phase.StatusFailed, err.Error(), nil)
		r.postMarker(issueNumber, p, phase.StatusFailed, err.Error())
		return &Outcome{Phase: p, Status: phase.StatusFailed, Err: err}, err
	}

	finished = true
	if outcome.Status == claude.OutcomeFailure {
		errText := outcome.Message
		if errText == "" {
			errText = "revise phase reported failure"
		}
		r.finishPhase(issueNumber, p, phase.StatusFailed, errText, nil)
		r.postMarker(issueNumber, p, phase.StatusFailed, errText)
		return &Outcome{Phase: p, Status: phase.StatusFailed, Semantic: true, Err: errors.New(errText)}, nil
	}

	r.finishPhase(issueNumber, p, phase.StatusCompleted, "", nil)
	r.postMarker(issueNumber, p, phase.StatusCompleted, "")
	return &Outcome{Phase: p, Status: phase.StatusCompleted}, nil
}

// invokeWithRetry は一時障害に限り短い時間幅の中で規定回数までリトライする
// 最終試行ではオプションの高速化を無効にした縮退モードで起動する
func (r *Runner) invokeWithRetry(ctx context.Context, ws *git.Workspace, issueTitle string, p phase.Phase, findings string) (*claude.Outcome, error) {
	attempts := r.retries + 1
	start := r.now()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("phase invocation cancelled: %w", ctx.Err())
		}

		req := claude.InvokeRequest{
			IssueNumber: ws.IssueNumber,
			IssueTitle:  issueTitle,
			Phase:       p,
			Workdir:     ws.Path,
			RunID:       r.newRunID(),
			Findings:    findings,
			Fallback:    attempt == attempts-1 && attempt > 0,
		}

		outcome, err := r.invoker.Invoke(ctx, req)
		if err == nil {
			return outcome, nil
		}
		lastErr = err

		if !claude.IsTransient(err) {
			return nil, err
		}
		if r.now().Sub(start) > r.window {
			r.logger.Warn("Transient retry window exceeded",
				"issue", ws.IssueNumber, "phase", string(p))
			break
		}
		r.logger.Warn("Transient invocation failure, retrying",
			"issue", ws.IssueNumber,
			"phase", string(p),
			"attempt", attempt+1,
			"error", err.Error())
	}
	return nil, lastErr
}

// beginPhase はフェーズ記録をin_progressへ遷移させる
func (r *Runner) beginPhase(issueNumber int, p phase.Phase) error {
	return r.store.Update(func(doc *store.Document) error {
		rec, ok := doc.Issue(issueNumber)
		if !ok {
			return fmt.Errorf("issue #%d is not tracked", issueNumber)
		}
		return rec.BeginPhase(p, r.now())
	})
}

// finishPhase はフェーズ記録を終端状態へ遷移させ、派生ステータスを再計算する
func (r *Runner) finishPhase(issueNumber int, p phase.Phase, to phase.Status, errText string, acceptance *claude.AcceptanceReport) {
	err := r.store.Update(func(doc *store.Document) error {
		rec, ok := doc.Issue(issueNumber)
		if !ok {
			return fmt.Errorf("issue #%d is not tracked", issueNumber)
		}
		if acceptance != nil {
			rec.Acceptance = &store.AcceptanceCriteria{
				Met:     acceptance.Met,
				NotMet:  acceptance.NotMet,
				Pending: acceptance.Pending,
				Blocked: acceptance.Blocked,
			}
		}
		return rec.FinishPhase(p, to, errText, r.now())
	})
	if err != nil {
		r.logger.Error("Failed to record phase result",
			"issue", issueNumber, "phase", string(p), "error", err.Error())
	}
}

// postMarker はフェーズマーカーをトラッカーのコメントとして投稿する
// 投稿失敗は警告に留める（マーカーは次回の再開検出で再構築される）
func (r *Runner) postMarker(issueNumber int, p phase.Phase, status phase.Status, errText string) {
	body, err := marker.Format(marker.PhaseMarker{
		Phase:     p,
		Status:    status,
		Timestamp: r.now(),
		Error:     errText,
	})
	if err != nil {
		r.logger.Error("Failed to format phase marker", "error", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.tracker.CreateIssueComment(ctx, issueNumber, body); err != nil {
		r.logger.Warn("Failed to post phase marker",
			"issue", issueNumber, "phase", string(p), "error", err.Error())
	}
}
