package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/douhashi/nagare/internal/git"
	"github.com/douhashi/nagare/internal/store"
)

func newCleanCmd() *cobra.Command {
	var allFlag bool

	cmd := &cobra.Command{
		Use:   "clean [issue]...",
		Short: "終端状態のIssueのワークスペースを破棄",
		Long: `マージ済みまたは放棄済みのIssueのworktreeとブランチを破棄します。
--allを指定すると終端状態のIssueすべてを対象にします。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !allFlag && len(args) == 0 {
				return fmt.Errorf("issue numbers or --all is required")
			}

			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			doc, err := st.Load()
			if err != nil {
				return err
			}

			var targets []*store.IssueRecord
			if allFlag {
				for _, rec := range doc.SortedIssues() {
					if rec.Status == store.IssueStatusMerged || rec.Status == store.IssueStatusAbandoned {
						targets = append(targets, rec)
					}
				}
			} else {
				issues, err := parseIssueNumbers(args)
				if err != nil {
					return err
				}
				for _, number := range issues {
					rec, ok := doc.Issue(number)
					if !ok {
						return fmt.Errorf("issue #%d is not tracked", number)
					}
					targets = append(targets, rec)
				}
			}

			gitRunner := git.NewCommand(appLog)
			repoRoot, err := git.RepoRoot(cmd.Context(), gitRunner)
			if err != nil {
				return err
			}
			workspaces := git.NewWorkspaceManager(gitRunner, appLog, repoRoot,
				appCfg.Git.Remote, appCfg.Git.DefaultBranch,
				git.WithProtectedBranches(appCfg.Git.Protected))

			for _, rec := range targets {
				if err := workspaces.Release(cmd.Context(), rec.Number, rec.Branch); err != nil {
					return fmt.Errorf("failed to clean issue #%d: %w", rec.Number, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "#%d: ワークスペースを破棄しました\n", rec.Number)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&allFlag, "all", false, "終端状態のIssueすべてを対象にする")
	return cmd
}
