package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/douhashi/nagare/internal/logger"
)

// Runner はgitコマンド実行の抽象化インターフェース
type Runner interface {
	Run(ctx context.Context, args []string, workDir string) (string, error)
}

// Command はgitコマンド実行を管理する構造体
type Command struct {
	logger logger.Logger
}

// NewCommand は新しいCommandインスタンスを作成する
func NewCommand(log logger.Logger) *Command {
	return &Command{
		logger: log,
	}
}

// Run はgitコマンドを実行し、標準出力を返す
func (c *Command) Run(ctx context.Context, args []string, workDir string) (string, error) {
	logFields := []interface{}{
		"args", args,
	}
	if workDir != "" {
		logFields = append(logFields, "workDir", workDir)
	}

	c.logger.Debug("Executing git command", logFields...)

	cmd := exec.CommandContext(ctx, "git", args...)
	if workDir != "" {
		cmd.Dir = workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	stdoutStr := strings.TrimSpace(stdout.String())
	stderrStr := strings.TrimSpace(stderr.String())

	if err != nil {
		errorFields := append(logFields,
			"error", err.Error(),
			"stderr", truncateOutput(stderrStr, 1000),
		)
		c.logger.Error("Git command failed", errorFields...)

		if stderrStr != "" {
			return "", fmt.Errorf("git %s failed: %w\nstderr: %s", strings.Join(args, " "), err, stderrStr)
		}
		return "", fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}

	if stdoutStr != "" {
		logFields = append(logFields, "output", truncateOutput(stdoutStr, 500))
	}
	c.logger.Debug("Git command completed", logFields...)

	return stdoutStr, nil
}

// truncateOutput は長い出力を指定された長さに切り詰める
func truncateOutput(output string, maxLength int) string {
	if len(output) <= maxLength {
		return output
	}

	lines := strings.Split(output, "\n")
	if len(lines) > 10 {
		result := strings.Join(lines[:5], "\n")
		result += fmt.Sprintf("\n... (%d lines omitted) ...\n", len(lines)-10)
		result += strings.Join(lines[len(lines)-5:], "\n")
		return result
	}

	return output[:maxLength] + "... (truncated)"
}
