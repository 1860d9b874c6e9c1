// Package helpers はテストで共用する補助関数を提供する
package helpers

import (
	"sync"
	"testing"
	"time"
)

// MustParseTime はRFC3339形式の時刻文字列をパースする
// テストデータの時刻はハードコードされるため、失敗は即座にテストを落とす
func MustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("failed to parse time %q: %v", s, err)
	}
	return parsed
}

// TimePtr は時刻のポインタを返す
func TimePtr(t time.Time) *time.Time {
	return &t
}

// BoolPtr は真偽値のポインタを返す
func BoolPtr(b bool) *bool {
	return &b
}

// FixedClock はテスト用の制御可能な時計
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock は指定時刻で固定された時計を作成する
func NewFixedClock(now time.Time) *FixedClock {
	return &FixedClock{now: now}
}

// Now は現在の固定時刻を返す
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance は時計を指定分だけ進める
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
