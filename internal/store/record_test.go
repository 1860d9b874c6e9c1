package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/douhashi/nagare/internal/phase"
	"github.com/douhashi/nagare/internal/testutil/helpers"
)

func TestNewIssueRecord(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	rec := NewIssueRecord(42, "ログイン機能の追加", now)

	t.Run("正常系: 全必須フェーズがpendingで初期化される", func(t *testing.T) {
		for _, p := range phase.Required() {
			pr, ok := rec.Phases[p]
			require.True(t, ok, "phase %s missing", p)
			assert.Equal(t, phase.StatusPending, pr.Status)
			assert.Nil(t, pr.StartedAt)
			assert.Nil(t, pr.CompletedAt)
		}
	})

	t.Run("正常系: 初期状態はnot_started", func(t *testing.T) {
		assert.Equal(t, IssueStatusNotStarted, rec.Status)
	})
}

func TestIssueRecord_BeginPhase(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	t.Run("正常系: pendingのフェーズを開始できる", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		err := rec.BeginPhase(phase.Plan, now)
		require.NoError(t, err)

		pr := rec.Phase(phase.Plan)
		assert.Equal(t, phase.StatusInProgress, pr.Status)
		assert.NotNil(t, pr.StartedAt)
		assert.Nil(t, pr.CompletedAt)
		assert.Equal(t, phase.Plan, rec.CurrentPhase)
		assert.Equal(t, IssueStatusInProgress, rec.Status)
	})

	t.Run("異常系: 完了済みフェーズの再開始は拒否される", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		require.NoError(t, rec.BeginPhase(phase.Plan, now))
		require.NoError(t, rec.FinishPhase(phase.Plan, phase.StatusCompleted, "", now))

		err := rec.BeginPhase(phase.Plan, now)
		assert.Error(t, err)
	})

	t.Run("異常系: 実行中フェーズの二重開始は拒否される", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		require.NoError(t, rec.BeginPhase(phase.Plan, now))

		err := rec.BeginPhase(phase.Plan, now)
		assert.Error(t, err)
	})
}

func TestIssueRecord_FinishPhase(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	later := now.Add(5 * time.Minute)

	t.Run("正常系: 終端状態は開始と完了の両方のタイムスタンプを持つ", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		require.NoError(t, rec.BeginPhase(phase.Plan, now))
		require.NoError(t, rec.FinishPhase(phase.Plan, phase.StatusCompleted, "", later))

		pr := rec.Phase(phase.Plan)
		assert.Equal(t, phase.StatusCompleted, pr.Status)
		require.NotNil(t, pr.StartedAt)
		require.NotNil(t, pr.CompletedAt)
		assert.Equal(t, now, *pr.StartedAt)
		assert.Equal(t, later, *pr.CompletedAt)
	})

	t.Run("正常系: 失敗はエラーメッセージを保持しblockedへ導出される", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		require.NoError(t, rec.BeginPhase(phase.Implement, now))
		require.NoError(t, rec.FinishPhase(phase.Implement, phase.StatusFailed, "tests failed", later))

		assert.Equal(t, "tests failed", rec.Phase(phase.Implement).Error)
		assert.Equal(t, IssueStatusBlocked, rec.Status)
	})

	t.Run("異常系: pendingからの直接完了は拒否される", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		err := rec.FinishPhase(phase.Plan, phase.StatusCompleted, "", now)
		assert.Error(t, err)
	})

	t.Run("異常系: 非終端状態への遷移は拒否される", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		require.NoError(t, rec.BeginPhase(phase.Plan, now))
		err := rec.FinishPhase(phase.Plan, phase.StatusPending, "", now)
		assert.Error(t, err)
	})
}

func TestIssueRecord_ResetPhase(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	t.Run("正常系: 終端状態のフェーズをpendingへ巻き戻す", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		require.NoError(t, rec.BeginPhase(phase.Review, now))
		require.NoError(t, rec.FinishPhase(phase.Review, phase.StatusFailed, "findings", now))

		rec.ResetPhase(phase.Review, now)

		pr := rec.Phase(phase.Review)
		assert.Equal(t, phase.StatusPending, pr.Status)
		assert.Nil(t, pr.StartedAt)
		assert.Nil(t, pr.CompletedAt)
		assert.Empty(t, pr.Error)
		assert.Zero(t, pr.Iterations)
	})
}

func TestIssueRecord_SkipRemaining(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	t.Run("正常系: 未着手フェーズのskipはタイムスタンプを持たない", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		rec.SkipRemaining(now)

		for _, p := range phase.Required() {
			pr := rec.Phase(p)
			assert.Equal(t, phase.StatusSkipped, pr.Status, "phase %s", p)
			assert.Nil(t, pr.StartedAt)
			assert.Nil(t, pr.CompletedAt)
		}
		assert.Equal(t, IssueStatusAbandoned, rec.Status)
	})

	t.Run("正常系: 終端状態のフェーズは上書きされない", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		require.NoError(t, rec.BeginPhase(phase.Plan, now))
		require.NoError(t, rec.FinishPhase(phase.Plan, phase.StatusCompleted, "", now))

		rec.SkipRemaining(now)

		assert.Equal(t, phase.StatusCompleted, rec.Phase(phase.Plan).Status)
	})

	t.Run("正常系: 全フェーズ完了済みならskipの余地はなく状態も変わらない", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		for _, p := range phase.Required() {
			require.NoError(t, rec.BeginPhase(p, now))
			require.NoError(t, rec.FinishPhase(p, phase.StatusCompleted, "", now))
		}

		rec.SkipRemaining(now)

		assert.Equal(t, IssueStatusReadyForMerge, rec.Status,
			"a fully completed issue cannot be abandoned after the fact")
	})
}

func TestIssueRecord_CompleteFromMarker(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	t.Run("正常系: マーカー由来の完了は両方のタイムスタンプを持つ", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		rec.CompleteFromMarker(phase.Plan, now)

		pr := rec.Phase(phase.Plan)
		assert.Equal(t, phase.StatusCompleted, pr.Status)
		assert.NotNil(t, pr.StartedAt)
		assert.NotNil(t, pr.CompletedAt)
	})

	t.Run("正常系: 完了済みフェーズには冪等", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		started := helpers.MustParseTime(t, "2025-05-01T09:00:00Z")
		require.NoError(t, rec.BeginPhase(phase.Plan, started))
		require.NoError(t, rec.FinishPhase(phase.Plan, phase.StatusCompleted, "", started))

		rec.CompleteFromMarker(phase.Plan, now)

		assert.Equal(t, started, *rec.Phase(phase.Plan).StartedAt)
	})
}

func TestDeriveStatus(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	complete := func(rec *IssueRecord, phases ...phase.Phase) {
		t.Helper()
		for _, p := range phases {
			require.NoError(t, rec.BeginPhase(p, now))
			require.NoError(t, rec.FinishPhase(p, phase.StatusCompleted, "", now))
		}
	}

	t.Run("正常系: 外部マージ確認は他のすべてに優先する", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		require.NoError(t, rec.BeginPhase(phase.Implement, now))
		require.NoError(t, rec.FinishPhase(phase.Implement, phase.StatusFailed, "boom", now))
		rec.MergedExternally = true
		assert.Equal(t, IssueStatusMerged, DeriveStatus(rec))
	})

	t.Run("正常系: verifyまで完了でレビュー待ちゲート", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		complete(rec, phase.Plan, phase.Implement, phase.Verify)
		assert.Equal(t, IssueStatusWaitingForReview, DeriveStatus(rec))
	})

	t.Run("正常系: reviewまで完了でマージ可能", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		complete(rec, phase.Plan, phase.Implement, phase.Verify, phase.Review)
		assert.Equal(t, IssueStatusReadyForMerge, DeriveStatus(rec))
	})

	t.Run("正常系: merge完了後も外部確認まではready_for_merge", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		complete(rec, phase.Plan, phase.Implement, phase.Verify, phase.Review, phase.Merge)
		assert.Equal(t, IssueStatusReadyForMerge, DeriveStatus(rec))
	})

	t.Run("正常系: いずれかの失敗でblocked", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		complete(rec, phase.Plan)
		require.NoError(t, rec.BeginPhase(phase.Implement, now))
		require.NoError(t, rec.FinishPhase(phase.Implement, phase.StatusFailed, "boom", now))
		assert.Equal(t, IssueStatusBlocked, DeriveStatus(rec))
	})

	t.Run("正常系: 途中まで完了でin_progress", func(t *testing.T) {
		rec := NewIssueRecord(1, "test", now)
		complete(rec, phase.Plan, phase.Implement)
		assert.Equal(t, IssueStatusInProgress, DeriveStatus(rec))
	})
}
