package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/douhashi/nagare/internal/claude"
	"github.com/douhashi/nagare/internal/git"
	"github.com/douhashi/nagare/internal/logger"
	"github.com/douhashi/nagare/internal/phase"
	"github.com/douhashi/nagare/internal/runner"
	"github.com/douhashi/nagare/internal/store"
)

// ErrExhausted は品質ループが上限に達したことを表す
// カウンタを明示的にリセットするまで再実行してもリトライされない
var ErrExhausted = errors.New("quality loop exhausted")

// Controller は「診断→修正→再実行」の有界リトライを統率する
type Controller struct {
	runner        *runner.Runner
	store         *store.Store
	logger        logger.Logger
	maxIterations int
	now           func() time.Time
}

// Option はControllerの設定オプション
type Option func(*Controller)

// WithMaxIterations はループ上限を設定する
func WithMaxIterations(n int) Option {
	return func(c *Controller) {
		c.maxIterations = n
	}
}

// WithClock は現在時刻の取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// New は新しいControllerを作成する
func New(r *runner.Runner, st *store.Store, log logger.Logger, opts ...Option) *Controller {
	c := &Controller{
		runner:        r,
		store:         st,
		logger:        log,
		maxIterations: 3,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Iterations は現在のループ回数を返す
func (c *Controller) Iterations(issueNumber int) (int, error) {
	doc, err := c.store.Load()
	if err != nil {
		return 0, err
	}
	rec, ok := doc.Issue(issueNumber)
	if !ok {
		return 0, fmt.Errorf("issue #%d is not tracked", issueNumber)
	}
	return rec.Phase(phase.Revise).Iterations, nil
}

// Reset はループカウンタを明示的にリセットする
func (c *Controller) Reset(issueNumber int) error {
	return c.store.Update(func(doc *store.Document) error {
		rec, ok := doc.Issue(issueNumber)
		if !ok {
			return fmt.Errorf("issue #%d is not tracked", issueNumber)
		}
		rec.ResetPhase(phase.Revise, c.now())
		return nil
	})
}

// Run はレビュー系フェーズの意味的失敗を受けて有界リトライを実行する
// 戻り値は最終的なレビュー結果。上限到達時はErrExhaustedを返し、
// レビュー記録は最後の失敗を保持したままblockedへ導出される
func (c *Controller) Run(ctx context.Context, ws *git.Workspace, issueTitle string, failed *runner.Outcome) (*runner.Outcome, error) {
	if !failed.Semantic || !failed.Phase.IsReviewType() {
		return nil, fmt.Errorf("quality loop requires a semantic review failure, got phase %s", failed.Phase)
	}

	iteration, err := c.Iterations(ws.IssueNumber)
	if err != nil {
		return nil, err
	}
	if iteration >= c.maxIterations {
		// 過去の実行で上限に達している。明示的なリセットなしには再開しない
		return nil, fmt.Errorf("issue #%d: %w after %d iterations (reset required)",
			ws.IssueNumber, ErrExhausted, iteration)
	}

	last := failed
	for iteration < c.maxIterations {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("quality loop cancelled: %w", ctx.Err())
		}

		findings := claude.FindingsText(last.Findings)
		c.logger.Info("Quality loop iteration",
			"issue", ws.IssueNumber,
			"iteration", iteration+1,
			"max", c.maxIterations)

		// 修正フェーズ（前回分の終端記録を巻き戻してから実行する）
		if err := c.resetPhase(ws.IssueNumber, phase.Revise); err != nil {
			return nil, err
		}
		reviseOutcome, err := c.runner.RunRevise(ctx, ws, issueTitle, findings)
		if err != nil {
			return nil, fmt.Errorf("issue #%d: fix attempt failed: %w", ws.IssueNumber, err)
		}
		if reviseOutcome.Failed() {
			// 修正が不発でも再実行は行い、このイテレーションを消費する
			c.logger.Warn("Fix attempt reported failure",
				"issue", ws.IssueNumber, "error", reviseOutcome.Err.Error())
		}

		// 再実行（レビュー記録も巻き戻す）
		if err := c.resetPhase(ws.IssueNumber, failed.Phase); err != nil {
			return nil, err
		}
		reviewOutcome, err := c.runner.RunPhase(ctx, ws, issueTitle, failed.Phase)
		if err != nil {
			return nil, err
		}

		iteration++
		if err := c.recordIteration(ws.IssueNumber, iteration); err != nil {
			return nil, err
		}

		if !reviewOutcome.Failed() {
			c.logger.Info("Quality loop succeeded",
				"issue", ws.IssueNumber, "iterations", iteration)
			return reviewOutcome, nil
		}
		if !reviewOutcome.Semantic {
			return reviewOutcome, reviewOutcome.Err
		}

		last = reviewOutcome
	}

	c.logger.Warn("Quality loop exhausted, issue is blocked",
		"issue", ws.IssueNumber,
		"iterations", iteration,
		"lastError", last.Err.Error())
	return last, fmt.Errorf("issue #%d: %w after %d iterations: %v",
		ws.IssueNumber, ErrExhausted, iteration, last.Err)
}

// resetPhase は終端状態のフェーズ記録をpendingへ巻き戻す
// 巻き戻しはループからの再実行のためだけに行われる
func (c *Controller) resetPhase(issueNumber int, p phase.Phase) error {
	return c.store.Update(func(doc *store.Document) error {
		rec, ok := doc.Issue(issueNumber)
		if !ok {
			return fmt.Errorf("issue #%d is not tracked", issueNumber)
		}
		iterations := rec.Phase(phase.Revise).Iterations
		rec.ResetPhase(p, c.now())
		// ResetPhaseはカウンタも消すため、reviseの巻き戻しでは引き継ぐ
		rec.Phase(phase.Revise).Iterations = iterations
		return nil
	})
}

// recordIteration はループ回数をreviseフェーズ記録へ永続化する
func (c *Controller) recordIteration(issueNumber, iteration int) error {
	return c.store.Update(func(doc *store.Document) error {
		rec, ok := doc.Issue(issueNumber)
		if !ok {
			return fmt.Errorf("issue #%d is not tracked", issueNumber)
		}
		rec.Phase(phase.Revise).Iterations = iteration
		return nil
	})
}
