package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/douhashi/nagare/internal/git"
	"github.com/douhashi/nagare/internal/phase"
	"github.com/douhashi/nagare/internal/store"
)

func newStatusCmd() *cobra.Command {
	var watchFlag bool

	cmd := &cobra.Command{
		Use:   "status [issue]",
		Short: "Issueの進捗を表示",
		Long: `Issueストアに記録された進捗を表示します。
--watchを指定するとストア文書の変更を監視し続けます。`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}

			var only int
			if len(args) == 1 {
				issues, err := parseIssueNumbers(args)
				if err != nil {
					return err
				}
				only = issues[0]
			}

			if watchFlag {
				return watchStatus(cmd, st, only)
			}

			doc, err := st.Load()
			if err != nil {
				return err
			}
			printDocument(cmd, doc, only)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watchFlag, "watch", "w", false, "ストアの変更を監視し続ける")
	return cmd
}

// openStore は読み取り用のStoreを開く
func openStore(ctx context.Context) (*store.Store, error) {
	gitRunner := git.NewCommand(appLog)
	repoRoot, err := git.RepoRoot(ctx, gitRunner)
	if err != nil {
		return nil, err
	}
	storePath := appCfg.Store.Path
	if !filepath.IsAbs(storePath) {
		storePath = filepath.Join(repoRoot, storePath)
	}
	return store.New(afero.NewOsFs(), storePath, appLog), nil
}

// watchStatus はストア文書の変更を追い続けて表示する
func watchStatus(cmd *cobra.Command, st *store.Store, only int) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broadcaster := store.NewBroadcaster()
	defer broadcaster.Close()

	events, cancel := broadcaster.Subscribe()
	defer cancel()

	go func() {
		if err := store.Watch(ctx, st, broadcaster, appLog); err != nil && ctx.Err() == nil {
			appLog.Error("Store watch terminated", "error", err.Error())
		}
	}()

	if doc, err := st.Load(); err == nil {
		printDocument(cmd, doc, only)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "---")
			printDocument(cmd, ev.Document, only)
		}
	}
}

// printDocument はストア文書の内容を整形して出力する
func printDocument(cmd *cobra.Command, doc *store.Document, only int) {
	records := doc.SortedIssues()
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "追跡中のIssueはありません")
		return
	}

	for _, rec := range records {
		if only != 0 && rec.Number != only {
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "#%d %s [%s]\n", rec.Number, rec.Title, rec.Status)
		for _, p := range phase.Required() {
			pr, ok := rec.Phases[p]
			if !ok {
				continue
			}
			line := fmt.Sprintf("  %-10s %s", p, pr.Status)
			if pr.Error != "" {
				line += "  (" + pr.Error + ")"
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		if pr, ok := rec.Phases[phase.Revise]; ok && pr.Iterations > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "  %-10s %s  iterations=%d\n", phase.Revise, pr.Status, pr.Iterations)
		}
		if rec.PullRequest != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "  PR: #%d %s\n", rec.PullRequest.Number, rec.PullRequest.URL)
		}
		if rec.Acceptance != nil {
			ac := rec.Acceptance
			fmt.Fprintf(cmd.OutOrStdout(), "  AC: met=%d notMet=%d pending=%d blocked=%d\n",
				ac.Met, ac.NotMet, ac.Pending, ac.Blocked)
		}
	}
}
