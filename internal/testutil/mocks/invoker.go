package mocks

import (
	"context"
	"sync"

	"github.com/douhashi/nagare/internal/claude"
)

// MockPhaseInvoker はclaude.PhaseInvokerのモック実装
type MockPhaseInvoker struct {
	mu sync.Mutex

	InvokeFunc func(ctx context.Context, req claude.InvokeRequest) (*claude.Outcome, error)

	// Requests は受け取った委譲リクエストの記録
	Requests []claude.InvokeRequest
}

// NewMockPhaseInvoker は新しいMockPhaseInvokerを作成する
func NewMockPhaseInvoker() *MockPhaseInvoker {
	return &MockPhaseInvoker{}
}

// Invoke はフェーズ委譲を記録し、設定された応答を返す
func (m *MockPhaseInvoker) Invoke(ctx context.Context, req claude.InvokeRequest) (*claude.Outcome, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()
	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, req)
	}
	return &claude.Outcome{Status: claude.OutcomeSuccess}, nil
}

// InvokedPhases は委譲されたフェーズ名の列を返す
func (m *MockPhaseInvoker) InvokedPhases() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	phases := make([]string, 0, len(m.Requests))
	for _, req := range m.Requests {
		phases = append(phases, string(req.Phase))
	}
	return phases
}
