package cmd

import (
	"fmt"
	"os"

	"github.com/douhashi/nagare/internal/config"
	"github.com/douhashi/nagare/internal/logger"
	"github.com/douhashi/nagare/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
	rootCmd *cobra.Command
	appLog  logger.Logger
	appCfg  *config.Config
)

func init() {
	rootCmd = newRootCmd()
	addCommands()
}

func addCommands() {
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newAbandonCmd())
}

// NewRootCmd creates a new root command with all subcommands
func NewRootCmd() *cobra.Command {
	cmd := newRootCmd()
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newCleanCmd())
	cmd.AddCommand(newAbandonCmd())
	return cmd
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nagare",
		Short: "Issue駆動パイプラインオーケストレータ",
		Long: `nagareは、GitHub Issueを計画・実装・検証・レビュー・マージの
フェーズへ順に流し込み、進捗の永続化と再開、Issueごとの分離された
worktree、品質ループによる有界リトライを提供するCLIツールです。`,
		Version: version.Get().Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(); err != nil {
				return fmt.Errorf("failed to initialize config: %w", err)
			}

			if verbose {
				os.Setenv("DEBUG", "true")
			}
			var err error
			appLog, err = logger.NewFromEnv()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "設定ファイルのパス")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "詳細出力")

	viper.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("verbose", cmd.PersistentFlags().Lookup("verbose"))

	return cmd
}

func initConfig() error {
	appCfg = config.NewConfig()
	if cfgFile != "" {
		return appCfg.Load(cfgFile)
	}
	appCfg.LoadOrDefault(".nagare/config.yml")
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
