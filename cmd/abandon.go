package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/douhashi/nagare/internal/store"
)

func newAbandonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abandon <issue>...",
		Short: "Issueを放棄する",
		Long: `未着手フェーズをすべてskippedにし、Issueをabandonedへ導出します。
記録は削除されず、終端状態として保持されます。`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issues, err := parseIssueNumbers(args)
			if err != nil {
				return err
			}

			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}

			for _, number := range issues {
				var status store.IssueStatus
				err := st.Update(func(doc *store.Document) error {
					rec, ok := doc.Issue(number)
					if !ok {
						return fmt.Errorf("issue #%d is not tracked", number)
					}
					rec.SkipRemaining(time.Now())
					status = rec.Status
					return nil
				})
				if err != nil {
					return err
				}
				// 全フェーズ完了済みなどskipの余地がない場合は導出結果をそのまま示す
				fmt.Fprintf(cmd.OutOrStdout(), "#%d: %s\n", number, status)
			}
			return nil
		},
	}
	return cmd
}
