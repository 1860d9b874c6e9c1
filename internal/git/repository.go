package git

import (
	"context"
	"errors"
	"strings"
)

// ErrNotGitRepository はgitリポジトリの外で実行されたことを表す
var ErrNotGitRepository = errors.New("not a git repository")

// RepoRoot はカレントディレクトリが属するリポジトリのルートパスを返す
func RepoRoot(ctx context.Context, runner Runner) (string, error) {
	output, err := runner.Run(ctx, []string{"rev-parse", "--show-toplevel"}, "")
	if err != nil {
		return "", ErrNotGitRepository
	}
	root := strings.TrimSpace(output)
	if root == "" {
		return "", ErrNotGitRepository
	}
	return root, nil
}
