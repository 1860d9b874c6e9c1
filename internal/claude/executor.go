package claude

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/douhashi/nagare/internal/logger"
	"github.com/douhashi/nagare/internal/phase"
	"github.com/douhashi/nagare/internal/version"
)

// InvokeRequest は1回のフェーズ委譲のパラメータ
type InvokeRequest struct {
	IssueNumber int
	IssueTitle  string
	Phase       phase.Phase
	Workdir     string
	RunID       string
	Findings    string
	// Fallback はオプションの高速化引数を外した縮退モードで起動する
	Fallback bool
}

// PhaseInvoker はフェーズの実体を外部コマンドへ委譲するインターフェース
// Runnerは結果の捕捉のみを行い、フェーズの中身には関与しない
type PhaseInvoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (*Outcome, error)
}

// InvocationError は実行機構自体の失敗を表す
// フェーズが報告する意味的失敗とは区別され、Runnerでのみリトライされる
type InvocationError struct {
	Phase    phase.Phase
	ExitCode int
	Stderr   string
}

// Error はエラーメッセージを返す
func (e *InvocationError) Error() string {
	return fmt.Sprintf("phase %s invocation failed with exit code %d: %s",
		e.Phase, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// transientPatterns は起動直後の一時障害とみなすstderrのパターン
var transientPatterns = []string{
	"temporarily unavailable",
	"connection refused",
	"connection reset",
	"timed out",
	"rate limit",
}

// IsTransient はリトライ対象の一時障害かを判定する
// プロセスを起動できなかった場合（exit code -1）と既知のパターンが対象
func IsTransient(err error) bool {
	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		return false
	}
	if invErr.ExitCode == -1 {
		return true
	}
	stderr := strings.ToLower(invErr.Stderr)
	for _, pattern := range transientPatterns {
		if strings.Contains(stderr, pattern) {
			return true
		}
	}
	return false
}

// Executor はPhaseInvokerのデフォルト実装
type Executor struct {
	command string
	config  *ClaudeConfig
	logger  logger.Logger
}

// NewExecutor は新しいExecutorを作成する
func NewExecutor(command string, config *ClaudeConfig, log logger.Logger) *Executor {
	if config == nil {
		config = NewDefaultClaudeConfig()
	}
	return &Executor{
		command: command,
		config:  config,
		logger:  log,
	}
}

// CheckExists は委譲先コマンドが存在するかチェックする
func (e *Executor) CheckExists() error {
	if _, err := exec.LookPath(e.command); err != nil {
		return fmt.Errorf("%s command not found: %w", e.command, err)
	}
	return nil
}

// buildCommand はフェーズ実行用のコマンドを構築する
func (e *Executor) buildCommand(ctx context.Context, req InvokeRequest, cfg *PhaseConfig) *exec.Cmd {
	prompt := ExpandTemplate(cfg.Prompt, &TemplateVariables{
		IssueNumber: req.IssueNumber,
		IssueTitle:  req.IssueTitle,
		Phase:       string(req.Phase),
		Findings:    req.Findings,
	})

	var args []string
	if !req.Fallback {
		args = append(args, cfg.Args...)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Dir = req.Workdir
	// フェーズ側がオーケストレータ配下での実行を検出できるよう識別子を渡す
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("NAGARE_ISSUE=%d", req.IssueNumber),
		fmt.Sprintf("NAGARE_WORKSPACE=%s", req.Workdir),
		fmt.Sprintf("NAGARE_PHASE=%s", req.Phase),
		fmt.Sprintf("NAGARE_RUN_ID=%s", req.RunID),
		fmt.Sprintf("NAGARE_ORCHESTRATOR=nagare/%s", version.Get().Version),
	)
	return cmd
}

// Invoke はフェーズを外部コマンドとして実行し、結果ペイロードを返す
// 実行機構の失敗はInvocationError、意味的失敗はOutcome.Statusで表現される
func (e *Executor) Invoke(ctx context.Context, req InvokeRequest) (*Outcome, error) {
	if err := e.CheckExists(); err != nil {
		return nil, &InvocationError{Phase: req.Phase, ExitCode: -1, Stderr: err.Error()}
	}

	cfg, ok := e.config.GetPhase(req.Phase)
	if !ok {
		return nil, fmt.Errorf("no phase configuration for %s", req.Phase)
	}

	cmd := e.buildCommand(ctx, req, cfg)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Info("Invoking phase",
		"issue", req.IssueNumber,
		"phase", string(req.Phase),
		"workdir", req.Workdir,
		"runId", req.RunID,
		"fallback", req.Fallback)

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		}
		return nil, &InvocationError{
			Phase:    req.Phase,
			ExitCode: exitCode,
			Stderr:   stderr.String(),
		}
	}

	outcome, found := ParseOutcome(stdout.String())
	if !found {
		// 結果ペイロードなしの正常終了は成功として扱う
		outcome = &Outcome{Status: OutcomeSuccess}
	}

	e.logger.Info("Phase invocation finished",
		"issue", req.IssueNumber,
		"phase", string(req.Phase),
		"status", string(outcome.Status))
	return outcome, nil
}
