package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/douhashi/nagare/internal/claude"
	"github.com/douhashi/nagare/internal/gh"
	"github.com/douhashi/nagare/internal/git"
	"github.com/douhashi/nagare/internal/github"
	"github.com/douhashi/nagare/internal/loop"
	"github.com/douhashi/nagare/internal/marker"
	"github.com/douhashi/nagare/internal/phase"
	"github.com/douhashi/nagare/internal/runner"
	"github.com/douhashi/nagare/internal/scheduler"
	"github.com/douhashi/nagare/internal/store"
)

func newRunCmd() *cobra.Command {
	var (
		parallelFlag   bool
		chainFlag      bool
		baseBranchFlag string
		phasesFlag     []string
		noResumeFlag   bool
		forceFlag      bool
		dryRunFlag     bool
		loopFlag       bool
		noLoopFlag     bool
		maxIterFlag    int
		resetLoopFlag  bool
	)

	cmd := &cobra.Command{
		Use:   "run <issue>...",
		Short: "Issueをフェーズパイプラインで実行",
		Long: `指定されたIssueを計画・実装・検証・レビュー・マージの順に駆動します。
過去のフェーズマーカーから進捗を再開し、完了済みフェーズは再実行しません。
いずれかのIssueがblocked/abandonedで終わると非ゼロで終了します。`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issues, err := parseIssueNumbers(args)
			if err != nil {
				return err
			}

			mode := scheduler.ModeSequential
			if parallelFlag && chainFlag {
				return fmt.Errorf("--parallel and --chain are mutually exclusive")
			}
			if parallelFlag {
				mode = scheduler.ModeParallel
			}
			if chainFlag {
				mode = scheduler.ModeChain
			}

			phases, err := parsePhases(phasesFlag)
			if err != nil {
				return err
			}

			var loopEnabled *bool
			if loopFlag && noLoopFlag {
				return fmt.Errorf("--loop and --no-loop are mutually exclusive")
			}
			if loopFlag {
				v := true
				loopEnabled = &v
			}
			if noLoopFlag {
				v := false
				loopEnabled = &v
			}

			opts := scheduler.Options{
				Mode:        mode,
				BaseBranch:  baseBranchFlag,
				Phases:      phases,
				Resume:      !noResumeFlag,
				Force:       forceFlag,
				DryRun:      dryRunFlag,
				LoopEnabled: loopEnabled,
				ResetLoop:   resetLoopFlag,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runIssues(ctx, cmd, issues, opts, maxIterFlag)
		},
	}

	cmd.Flags().BoolVarP(&parallelFlag, "parallel", "p", false, "Issueごとに独立並列で実行")
	cmd.Flags().BoolVar(&chainFlag, "chain", false, "直前のIssueの完了ブランチから分岐する連鎖モード")
	cmd.Flags().StringVar(&baseBranchFlag, "base-branch", "", "分岐元ブランチの明示指定")
	cmd.Flags().StringSliceVar(&phasesFlag, "phases", nil, "実行するフェーズの明示指定（例: plan,implement）")
	cmd.Flags().BoolVar(&noResumeFlag, "no-resume", false, "マーカーからの再開検出を無効化")
	cmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "終端状態のIssueも再実行")
	cmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "実行計画の算出のみ行う")
	cmd.Flags().BoolVar(&loopFlag, "loop", false, "品質ループを有効化")
	cmd.Flags().BoolVar(&noLoopFlag, "no-loop", false, "品質ループを無効化")
	cmd.Flags().IntVar(&maxIterFlag, "max-iterations", 0, "品質ループの上限回数（0なら設定値）")
	cmd.Flags().BoolVar(&resetLoopFlag, "reset-loop", false, "品質ループのカウンタをリセット")

	return cmd
}

// runIssues は依存関係を組み立ててスケジューラを起動する
func runIssues(ctx context.Context, cmd *cobra.Command, issues []int, opts scheduler.Options, maxIterations int) error {
	if err := appCfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	gitRunner := git.NewCommand(appLog)
	repoRoot, err := git.RepoRoot(ctx, gitRunner)
	if err != nil {
		return err
	}

	tracker, err := buildTracker()
	if err != nil {
		return err
	}

	defaultBranch := appCfg.Git.DefaultBranch
	if detected, err := tracker.GetDefaultBranch(ctx); err == nil && detected != "" {
		defaultBranch = detected
	}

	storePath := appCfg.Store.Path
	if !filepath.IsAbs(storePath) {
		storePath = filepath.Join(repoRoot, storePath)
	}
	broadcaster := store.NewBroadcaster()
	defer broadcaster.Close()
	st := store.New(afero.NewOsFs(), storePath, appLog, store.WithBroadcaster(broadcaster))

	workspaces := git.NewWorkspaceManager(gitRunner, appLog, repoRoot,
		appCfg.Git.Remote, defaultBranch,
		git.WithStaleThreshold(appCfg.Git.StaleThreshold),
		git.WithProtectedBranches(appCfg.Git.Protected))

	claudeCfg := claude.NewDefaultClaudeConfig().WithGlobalArgs(appCfg.Runner.Args)
	invoker := claude.NewExecutor(appCfg.Runner.Command, claudeCfg, appLog)

	phaseRunner := runner.New(invoker, st, tracker, workspaces, appLog,
		runner.WithTransientRetries(appCfg.Runner.TransientRetries),
		runner.WithTransientWindow(appCfg.Runner.TransientWindow))

	if maxIterations <= 0 {
		maxIterations = appCfg.Loop.MaxIterations
	}
	loopController := loop.New(phaseRunner, st, appLog,
		loop.WithMaxIterations(maxIterations))

	detector := marker.NewDetector(tracker, appLog)

	sched := scheduler.New(st, tracker, workspaces, phaseRunner, loopController, detector, appLog,
		scheduler.WithLoopDefault(appCfg.Loop.Enabled))

	result, err := sched.Run(ctx, issues, opts)
	if err != nil {
		return err
	}

	printResult(cmd, result)
	if result.Failed() {
		return fmt.Errorf("one or more issues did not reach a terminal non-blocked status")
	}
	return nil
}

// buildTracker はトークンの有無でAPIクライアントとgh CLIを切り替える
func buildTracker() (github.TrackerClient, error) {
	if appCfg.GitHub.Token != "" {
		return github.NewClient(appCfg.GitHub.Token, appCfg.GitHub.Owner, appCfg.GitHub.Repo)
	}
	return gh.NewClient(gh.NewCommandExecutor(), appCfg.GitHub.Owner, appCfg.GitHub.Repo)
}

func parseIssueNumbers(args []string) ([]int, error) {
	issues := make([]int, 0, len(args))
	for _, arg := range args {
		number, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
		if err != nil || number <= 0 {
			return nil, fmt.Errorf("invalid issue number: %s", arg)
		}
		issues = append(issues, number)
	}
	return issues, nil
}

func parsePhases(names []string) ([]phase.Phase, error) {
	var phases []phase.Phase
	for _, name := range names {
		p, err := phase.Parse(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		phases = append(phases, p)
	}
	return phases, nil
}

// printResult は実行結果の要約を出力する
func printResult(cmd *cobra.Command, result *scheduler.Result) {
	for _, res := range result.Issues {
		switch {
		case res.DryRun:
			names := make([]string, 0, len(res.PlannedPhases))
			for _, p := range res.PlannedPhases {
				names = append(names, string(p))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "#%d: 実行予定フェーズ: %s\n",
				res.Number, strings.Join(names, ", "))
		case res.Reconciled:
			fmt.Fprintf(cmd.OutOrStdout(), "#%d: 外部でマージ済みとして照合\n", res.Number)
		case res.Skipped:
			fmt.Fprintf(cmd.OutOrStdout(), "#%d: スキップ (%s)\n", res.Number, skipReason(res))
		case res.Err != nil:
			fmt.Fprintf(cmd.OutOrStdout(), "#%d: 失敗: %v\n", res.Number, res.Err)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "#%d: %s\n", res.Number, res.Status)
		}
		if res.Warning != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "#%d: 警告: %s\n", res.Number, res.Warning)
		}
	}
}

func skipReason(res *scheduler.IssueResult) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	return string(res.Status)
}
