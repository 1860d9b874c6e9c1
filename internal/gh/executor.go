package gh

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ghBinary は委譲先のGitHub CLIコマンド名
const ghBinary = "gh"

// CommandExecutor はgh CLIの起動を抽象化するインターフェース
// 引数はghのサブコマンド以降のみを受け取る
type CommandExecutor interface {
	Execute(ctx context.Context, args ...string) (string, error)
}

// ExecError はgh CLIの実行エラーを表す
type ExecError struct {
	Command  string
	Args     []string
	ExitCode int
	Stderr   string
}

// Error はエラーメッセージを返す
func (e *ExecError) Error() string {
	cmdStr := e.Command
	if len(e.Args) > 0 {
		cmdStr = fmt.Sprintf("%s %s", e.Command, strings.Join(e.Args, " "))
	}
	return fmt.Sprintf("command '%s' failed with exit code %d: %s", cmdStr, e.ExitCode, e.Stderr)
}

// cliExecutor はghバイナリを起動するCommandExecutorの実装
type cliExecutor struct{}

// NewCommandExecutor はgh CLIを起動するCommandExecutorを作成する
func NewCommandExecutor() CommandExecutor {
	return &cliExecutor{}
}

// Execute はghを実行し、標準出力を返す
func (e *cliExecutor) Execute(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, ghBinary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		}
		return "", &ExecError{
			Command:  ghBinary,
			Args:     args,
			ExitCode: exitCode,
			Stderr:   stderr.String(),
		}
	}

	return stdout.String(), nil
}
