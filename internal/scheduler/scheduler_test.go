package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/douhashi/nagare/internal/claude"
	"github.com/douhashi/nagare/internal/git"
	"github.com/douhashi/nagare/internal/github"
	"github.com/douhashi/nagare/internal/logger"
	"github.com/douhashi/nagare/internal/loop"
	"github.com/douhashi/nagare/internal/marker"
	"github.com/douhashi/nagare/internal/phase"
	"github.com/douhashi/nagare/internal/runner"
	"github.com/douhashi/nagare/internal/store"
	"github.com/douhashi/nagare/internal/testutil/helpers"
	"github.com/douhashi/nagare/internal/testutil/mocks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type schedulerFixture struct {
	scheduler  *Scheduler
	store      *store.Store
	fs         afero.Fs
	invoker    *mocks.MockPhaseInvoker
	tracker    *mocks.MockTrackerClient
	workspaces *mocks.MockWorkspaceManager
	clock      *helpers.FixedClock
}

func newSchedulerFixture(t *testing.T, opts ...Option) *schedulerFixture {
	t.Helper()

	clock := helpers.NewFixedClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	fs := afero.NewMemMapFs()
	st := store.New(fs, "/repo/.nagare/issues.json", logger.Nop(), store.WithClock(clock.Now))
	invoker := mocks.NewMockPhaseInvoker()
	tracker := mocks.NewMockTrackerClient()
	workspaces := mocks.NewMockWorkspaceManager()

	r := runner.New(invoker, st, tracker, workspaces, logger.Nop(), runner.WithClock(clock.Now))
	lc := loop.New(r, st, logger.Nop(), loop.WithClock(clock.Now))
	detector := marker.NewDetector(tracker, logger.Nop())

	allOpts := append([]Option{WithClock(clock.Now)}, opts...)
	sched := New(st, tracker, workspaces, r, lc, detector, logger.Nop(), allOpts...)

	return &schedulerFixture{
		scheduler:  sched,
		store:      st,
		fs:         fs,
		invoker:    invoker,
		tracker:    tracker,
		workspaces: workspaces,
		clock:      clock,
	}
}

func (f *schedulerFixture) record(t *testing.T, number int) *store.IssueRecord {
	t.Helper()
	doc, err := f.store.Load()
	require.NoError(t, err)
	rec, ok := doc.Issue(number)
	require.True(t, ok, "issue #%d not tracked", number)
	return rec
}

func TestScheduler_Run_Sequential(t *testing.T) {
	ctx := context.Background()

	t.Run("正常系: 全フェーズを実行順に駆動しready_for_mergeへ到達する", func(t *testing.T) {
		f := newSchedulerFixture(t)

		result, err := f.scheduler.Run(ctx, []int{1}, Options{Mode: ModeSequential, Resume: true})
		require.NoError(t, err)
		require.Len(t, result.Issues, 1)

		res := result.Issues[0]
		assert.NoError(t, res.Err)
		assert.Equal(t, store.IssueStatusReadyForMerge, res.Status)
		assert.Equal(t,
			[]string{"plan", "implement", "verify", "review", "merge"},
			f.invoker.InvokedPhases())
		assert.False(t, result.Failed())
	})

	t.Run("正常系: マーカーで完了確認済みのフェーズは再実行しない", func(t *testing.T) {
		f := newSchedulerFixture(t)
		f.tracker.ListIssueCommentsFunc = func(ctx context.Context, number int) ([]github.Comment, error) {
			return []github.Comment{
				{ID: 1, Body: `<!-- nagare:phase {"phase":"plan","status":"completed","timestamp":"2025-06-01T09:00:00Z"} -->`},
				{ID: 2, Body: `<!-- nagare:phase {"phase":"implement","status":"completed","timestamp":"2025-06-01T09:30:00Z"} -->`},
			}, nil
		}

		result, err := f.scheduler.Run(ctx, []int{1}, Options{Mode: ModeSequential, Resume: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"verify", "review", "merge"}, f.invoker.InvokedPhases())

		// マーカー由来の完了はローカル記録へ同期される
		rec := f.record(t, 1)
		assert.Equal(t, phase.StatusCompleted, rec.Phase(phase.Plan).Status)
		assert.False(t, result.Failed())
	})

	t.Run("正常系: dry-runは計画のみ算出して委譲しない", func(t *testing.T) {
		f := newSchedulerFixture(t)

		result, err := f.scheduler.Run(ctx, []int{1}, Options{Mode: ModeSequential, Resume: true, DryRun: true})
		require.NoError(t, err)

		res := result.Issues[0]
		assert.True(t, res.DryRun)
		assert.Equal(t, phase.Required(), res.PlannedPhases)
		assert.Empty(t, f.invoker.Requests)
	})

	t.Run("正常系: 終端状態のIssueはforceなしでスキップする", func(t *testing.T) {
		f := newSchedulerFixture(t)
		require.NoError(t, f.store.Update(func(doc *store.Document) error {
			rec := store.NewIssueRecord(1, "done", f.clock.Now())
			rec.SkipRemaining(f.clock.Now())
			doc.SetIssue(rec)
			return nil
		}))

		result, err := f.scheduler.Run(ctx, []int{1}, Options{Mode: ModeSequential, Resume: true})
		require.NoError(t, err)

		res := result.Issues[0]
		assert.True(t, res.Skipped)
		assert.Empty(t, f.invoker.Requests)
		assert.True(t, result.Failed(), "abandoned issue still fails the run")
	})

	t.Run("正常系: forceは失敗フェーズを巻き戻して再実行する", func(t *testing.T) {
		f := newSchedulerFixture(t)
		require.NoError(t, f.store.Update(func(doc *store.Document) error {
			rec := store.NewIssueRecord(1, "mock issue", f.clock.Now())
			require.NoError(t, rec.BeginPhase(phase.Plan, f.clock.Now()))
			require.NoError(t, rec.FinishPhase(phase.Plan, phase.StatusFailed, "boom", f.clock.Now()))
			doc.SetIssue(rec)
			return nil
		}))

		result, err := f.scheduler.Run(ctx, []int{1}, Options{Mode: ModeSequential, Resume: true, Force: true})
		require.NoError(t, err)
		assert.False(t, result.Failed())
		assert.Contains(t, f.invoker.InvokedPhases(), "plan")
	})

	t.Run("正常系: 明示フェーズ指定は厳密な実行対象になる", func(t *testing.T) {
		f := newSchedulerFixture(t)

		result, err := f.scheduler.Run(ctx, []int{1}, Options{
			Mode:   ModeSequential,
			Resume: true,
			Phases: []phase.Phase{phase.Implement, phase.Verify},
		})
		require.NoError(t, err)
		assert.False(t, result.Failed())
		assert.Equal(t, []string{"implement", "verify"}, f.invoker.InvokedPhases())
	})

	t.Run("異常系: Issue指定なしはエラー", func(t *testing.T) {
		f := newSchedulerFixture(t)
		_, err := f.scheduler.Run(ctx, nil, Options{})
		assert.Error(t, err)
	})
}

func TestScheduler_Run_Reconciliation(t *testing.T) {
	ctx := context.Background()

	t.Run("正常系: 外部でマージ済みならフェーズを実行せずmergedへ照合する", func(t *testing.T) {
		f := newSchedulerFixture(t)
		f.tracker.GetPullRequestForBranchFunc = func(ctx context.Context, branch string) (*github.PullRequest, error) {
			return &github.PullRequest{Number: 99, URL: "https://example.com/pr/99", Merged: true}, nil
		}

		result, err := f.scheduler.Run(ctx, []int{1}, Options{Mode: ModeSequential, Resume: true})
		require.NoError(t, err)

		res := result.Issues[0]
		assert.True(t, res.Reconciled)
		assert.Equal(t, store.IssueStatusMerged, res.Status)
		assert.Empty(t, f.invoker.Requests, "merged issue must not run phases")
		assert.Contains(t, f.workspaces.ReleasedIssues, 1, "workspace released after merge confirmation")

		rec := f.record(t, 1)
		assert.True(t, rec.MergedExternally)
		require.NotNil(t, rec.PullRequest)
		assert.Equal(t, 99, rec.PullRequest.Number)
	})

	t.Run("正常系: マージフェーズ完了後も開いたままのPRはトラッカー経由でマージする", func(t *testing.T) {
		f := newSchedulerFixture(t)
		merged := false
		f.tracker.GetPullRequestForBranchFunc = func(ctx context.Context, branch string) (*github.PullRequest, error) {
			return &github.PullRequest{Number: 12, URL: "https://example.com/pr/12", Merged: merged}, nil
		}
		f.tracker.MergePullRequestFunc = func(ctx context.Context, number int) error {
			merged = true
			return nil
		}

		result, err := f.scheduler.Run(ctx, []int{1}, Options{Mode: ModeSequential, Resume: true})
		require.NoError(t, err)

		res := result.Issues[0]
		assert.NoError(t, res.Err)
		assert.Equal(t, store.IssueStatusMerged, res.Status)
		assert.Equal(t, []int{12}, f.tracker.MergedPRs)
		assert.Contains(t, f.workspaces.ReleasedIssues, 1)

		rec := f.record(t, 1)
		assert.True(t, rec.MergedExternally)
	})

	t.Run("正常系: 照合に到達できなければ未マージとみなして実行する", func(t *testing.T) {
		f := newSchedulerFixture(t)
		f.tracker.GetPullRequestForBranchFunc = func(ctx context.Context, branch string) (*github.PullRequest, error) {
			return nil, assert.AnError
		}

		result, err := f.scheduler.Run(ctx, []int{1}, Options{Mode: ModeSequential, Resume: true})
		require.NoError(t, err)
		assert.False(t, result.Issues[0].Reconciled)
		assert.Len(t, f.invoker.Requests, 5)
		assert.False(t, result.Failed())
	})
}

func TestScheduler_Run_MergeGate(t *testing.T) {
	ctx := context.Background()

	t.Run("正常系: マージ前リベースの競合は警告に留めreadyのまま返す", func(t *testing.T) {
		f := newSchedulerFixture(t)
		f.workspaces.PreMergeRebaseFunc = func(ctx context.Context, ws *git.Workspace) error {
			return git.ErrRebaseConflict
		}

		result, err := f.scheduler.Run(ctx, []int{1}, Options{Mode: ModeSequential, Resume: true})
		require.NoError(t, err)

		res := result.Issues[0]
		assert.NoError(t, res.Err)
		assert.NotEmpty(t, res.Warning)
		assert.Equal(t, store.IssueStatusReadyForMerge, res.Status)
		assert.NotContains(t, f.invoker.InvokedPhases(), "merge",
			"merge must not run after a rebase conflict")
		assert.False(t, result.Failed())
	})
}

func TestScheduler_Run_QualityLoop(t *testing.T) {
	ctx := context.Background()

	t.Run("正常系: レビューの意味的失敗は品質ループで回復する", func(t *testing.T) {
		f := newSchedulerFixture(t)
		reviewCalls := 0
		f.invoker.InvokeFunc = func(ctx context.Context, req claude.InvokeRequest) (*claude.Outcome, error) {
			if req.Phase == phase.Review {
				reviewCalls++
				if reviewCalls == 1 {
					return &claude.Outcome{
						Status:   claude.OutcomeFailure,
						Findings: []claude.Finding{{Severity: "major", Message: "missing test"}},
					}, nil
				}
			}
			return &claude.Outcome{Status: claude.OutcomeSuccess}, nil
		}

		result, err := f.scheduler.Run(ctx, []int{1}, Options{Mode: ModeSequential, Resume: true})
		require.NoError(t, err)
		assert.False(t, result.Failed())
		assert.Equal(t,
			[]string{"plan", "implement", "verify", "review", "revise", "review", "merge"},
			f.invoker.InvokedPhases())
	})

	t.Run("正常系: 上限到達済みのループはforceだけでは再武装されない", func(t *testing.T) {
		f := newSchedulerFixture(t)
		require.NoError(t, f.store.Update(func(doc *store.Document) error {
			rec := store.NewIssueRecord(1, "mock issue", f.clock.Now())
			for _, p := range []phase.Phase{phase.Plan, phase.Implement, phase.Verify} {
				require.NoError(t, rec.BeginPhase(p, f.clock.Now()))
				require.NoError(t, rec.FinishPhase(p, phase.StatusCompleted, "", f.clock.Now()))
			}
			require.NoError(t, rec.BeginPhase(phase.Review, f.clock.Now()))
			require.NoError(t, rec.FinishPhase(phase.Review, phase.StatusFailed, "major findings", f.clock.Now()))
			require.NoError(t, rec.BeginPhase(phase.Revise, f.clock.Now()))
			require.NoError(t, rec.FinishPhase(phase.Revise, phase.StatusFailed, "fix failed", f.clock.Now()))
			rec.Phase(phase.Revise).Iterations = 3
			doc.SetIssue(rec)
			return nil
		}))
		f.invoker.InvokeFunc = func(ctx context.Context, req claude.InvokeRequest) (*claude.Outcome, error) {
			if req.Phase == phase.Review {
				return &claude.Outcome{Status: claude.OutcomeFailure, Message: "still broken"}, nil
			}
			return &claude.Outcome{Status: claude.OutcomeSuccess}, nil
		}

		result, err := f.scheduler.Run(ctx, []int{1}, Options{Mode: ModeSequential, Resume: true, Force: true})
		require.NoError(t, err)

		res := result.Issues[0]
		assert.ErrorIs(t, res.Err, loop.ErrExhausted)
		assert.Equal(t, []string{"review"}, f.invoker.InvokedPhases(),
			"force alone must not run another fix iteration")
		assert.True(t, result.Failed())

		// カウンタはreset-loopなしでは保持される
		rec := f.record(t, 1)
		assert.Equal(t, 3, rec.Phase(phase.Revise).Iterations)
	})

	t.Run("正常系: reset-loop指定で品質ループは明示的に再武装される", func(t *testing.T) {
		f := newSchedulerFixture(t)
		require.NoError(t, f.store.Update(func(doc *store.Document) error {
			rec := store.NewIssueRecord(1, "mock issue", f.clock.Now())
			for _, p := range []phase.Phase{phase.Plan, phase.Implement, phase.Verify} {
				require.NoError(t, rec.BeginPhase(p, f.clock.Now()))
				require.NoError(t, rec.FinishPhase(p, phase.StatusCompleted, "", f.clock.Now()))
			}
			require.NoError(t, rec.BeginPhase(phase.Review, f.clock.Now()))
			require.NoError(t, rec.FinishPhase(phase.Review, phase.StatusFailed, "major findings", f.clock.Now()))
			rec.Phase(phase.Revise).Iterations = 3
			doc.SetIssue(rec)
			return nil
		}))
		reviewCalls := 0
		f.invoker.InvokeFunc = func(ctx context.Context, req claude.InvokeRequest) (*claude.Outcome, error) {
			if req.Phase == phase.Review {
				reviewCalls++
				if reviewCalls == 1 {
					return &claude.Outcome{Status: claude.OutcomeFailure, Message: "one more pass"}, nil
				}
			}
			return &claude.Outcome{Status: claude.OutcomeSuccess}, nil
		}

		result, err := f.scheduler.Run(ctx, []int{1}, Options{
			Mode:      ModeSequential,
			Resume:    true,
			Force:     true,
			ResetLoop: true,
		})
		require.NoError(t, err)
		assert.False(t, result.Failed())
		assert.Contains(t, f.invoker.InvokedPhases(), "revise")
	})

	t.Run("正常系: ループ無効時はレビュー失敗で即blocked", func(t *testing.T) {
		f := newSchedulerFixture(t)
		f.invoker.InvokeFunc = func(ctx context.Context, req claude.InvokeRequest) (*claude.Outcome, error) {
			if req.Phase == phase.Review {
				return &claude.Outcome{Status: claude.OutcomeFailure, Message: "not acceptable"}, nil
			}
			return &claude.Outcome{Status: claude.OutcomeSuccess}, nil
		}
		disabled := false

		result, err := f.scheduler.Run(ctx, []int{1}, Options{
			Mode:        ModeSequential,
			Resume:      true,
			LoopEnabled: &disabled,
		})
		require.NoError(t, err)

		res := result.Issues[0]
		assert.Error(t, res.Err)
		assert.Equal(t, store.IssueStatusBlocked, res.Status)
		assert.NotContains(t, f.invoker.InvokedPhases(), "revise")
		assert.True(t, result.Failed())
	})
}

func TestScheduler_Run_Parallel(t *testing.T) {
	ctx := context.Background()

	t.Run("正常系: 各Issueが独立に実行され結果は番号順", func(t *testing.T) {
		f := newSchedulerFixture(t)

		result, err := f.scheduler.Run(ctx, []int{3, 1, 2}, Options{Mode: ModeParallel, Resume: true})
		require.NoError(t, err)
		require.Len(t, result.Issues, 3)
		assert.Equal(t, 1, result.Issues[0].Number)
		assert.Equal(t, 2, result.Issues[1].Number)
		assert.Equal(t, 3, result.Issues[2].Number)
		assert.False(t, result.Failed())
		assert.Len(t, f.invoker.Requests, 15)
	})

	t.Run("正常系: 並列実行でも全Issueの記録が揃う", func(t *testing.T) {
		f := newSchedulerFixture(t)

		_, err := f.scheduler.Run(ctx, []int{1, 2, 3, 4}, Options{Mode: ModeParallel, Resume: true})
		require.NoError(t, err)

		doc, err := f.store.Load()
		require.NoError(t, err)
		assert.Len(t, doc.Issues, 4, "concurrent updates must not lose records")
	})
}

func TestScheduler_Run_Chain(t *testing.T) {
	ctx := context.Background()

	t.Run("正常系: 各Issueは直前のIssueの完了ブランチから分岐する", func(t *testing.T) {
		f := newSchedulerFixture(t)

		result, err := f.scheduler.Run(ctx, []int{1, 2, 3}, Options{Mode: ModeChain, Resume: true})
		require.NoError(t, err)
		assert.False(t, result.Failed())

		require.Len(t, f.workspaces.AcquiredBaseRefs, 3)
		assert.Equal(t, "", f.workspaces.AcquiredBaseRefs[0], "first issue branches from the default base")
		assert.Equal(t, git.BranchName(1, "mock issue"), f.workspaces.AcquiredBaseRefs[1])
		assert.Equal(t, git.BranchName(2, "mock issue"), f.workspaces.AcquiredBaseRefs[2])
	})

	t.Run("正常系: デフォルトブランチへのリベースは連鎖の最後だけが行う", func(t *testing.T) {
		f := newSchedulerFixture(t)

		_, err := f.scheduler.Run(ctx, []int{1, 2, 3}, Options{Mode: ModeChain, Resume: true})
		require.NoError(t, err)
		assert.Equal(t, []int{3}, f.workspaces.RebasedIssues)
	})

	t.Run("正常系: 途中の失敗で連鎖は停止し残りはスキップされる", func(t *testing.T) {
		f := newSchedulerFixture(t)
		f.invoker.InvokeFunc = func(ctx context.Context, req claude.InvokeRequest) (*claude.Outcome, error) {
			if req.IssueNumber == 2 && req.Phase == phase.Implement {
				return nil, &claude.InvocationError{Phase: req.Phase, ExitCode: 2, Stderr: "compile error"}
			}
			return &claude.Outcome{Status: claude.OutcomeSuccess}, nil
		}

		result, err := f.scheduler.Run(ctx, []int{1, 2, 3}, Options{Mode: ModeChain, Resume: true})
		require.NoError(t, err)
		require.Len(t, result.Issues, 3)

		assert.NoError(t, result.Issues[0].Err)
		assert.Error(t, result.Issues[1].Err)
		assert.True(t, result.Issues[2].Skipped)
		assert.ErrorIs(t, result.Issues[2].Err, ErrChainHalted)
		assert.True(t, result.Failed())

		// 3番目のIssueのフェーズは一切委譲されない
		for _, req := range f.invoker.Requests {
			assert.NotEqual(t, 3, req.IssueNumber)
		}
	})

	t.Run("正常系: base-branch指定は連鎖の起点になる", func(t *testing.T) {
		f := newSchedulerFixture(t)

		_, err := f.scheduler.Run(ctx, []int{1}, Options{
			Mode:       ModeChain,
			Resume:     true,
			BaseBranch: "develop",
		})
		require.NoError(t, err)
		require.Len(t, f.workspaces.AcquiredBaseRefs, 1)
		assert.Equal(t, "develop", f.workspaces.AcquiredBaseRefs[0])
	})
}

func TestScheduler_Run_CorruptedStore(t *testing.T) {
	ctx := context.Background()

	t.Run("正常系: 壊れたストアはマーカーから再構築してから実行する", func(t *testing.T) {
		f := newSchedulerFixture(t)
		require.NoError(t, afero.WriteFile(f.fs, "/repo/.nagare/issues.json", []byte("{broken"), 0644))
		f.tracker.ListIssueCommentsFunc = func(ctx context.Context, number int) ([]github.Comment, error) {
			return []github.Comment{
				{ID: 1, Body: `<!-- nagare:phase {"phase":"plan","status":"completed","timestamp":"2025-06-01T09:00:00Z"} -->`},
			}, nil
		}

		result, err := f.scheduler.Run(ctx, []int{1}, Options{Mode: ModeSequential, Resume: true})
		require.NoError(t, err)
		assert.False(t, result.Failed())
		assert.NotContains(t, f.invoker.InvokedPhases(), "plan",
			"rebuilt completion must not be re-run")

		rec := f.record(t, 1)
		assert.Equal(t, phase.StatusCompleted, rec.Phase(phase.Plan).Status)
	})
}
