package gh

import "context"

// MockCommandExecutor はテスト用のCommandExecutor実装
type MockCommandExecutor struct {
	ExecuteFunc func(ctx context.Context, args ...string) (string, error)
	// Calls は実行された引数列の記録
	Calls [][]string
}

// Execute は呼び出しを記録し、モック関数を呼び出す
func (m *MockCommandExecutor) Execute(ctx context.Context, args ...string) (string, error) {
	m.Calls = append(m.Calls, args)
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, args...)
	}
	return "", nil
}
