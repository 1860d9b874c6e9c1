package config

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config はアプリケーション全体の設定
type Config struct {
	GitHub GitHubConfig `mapstructure:"github"`
	Git    GitConfig    `mapstructure:"git"`
	Store  StoreConfig  `mapstructure:"store"`
	Runner RunnerConfig `mapstructure:"runner"`
	Loop   LoopConfig   `mapstructure:"loop"`
}

// GitHubConfig はGitHub関連の設定
type GitHubConfig struct {
	Token string `mapstructure:"token"`
	Owner string `mapstructure:"owner"`
	Repo  string `mapstructure:"repo"`
}

// GitConfig はgit関連の設定
type GitConfig struct {
	Remote         string   `mapstructure:"remote"`
	DefaultBranch  string   `mapstructure:"default_branch"`
	Protected      []string `mapstructure:"protected_branches"`
	StaleThreshold int      `mapstructure:"stale_threshold"`
}

// StoreConfig はIssueストアの設定
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// RunnerConfig はフェーズ実行の設定
type RunnerConfig struct {
	// TransientRetries は実行基盤の一時障害に対する自動リトライ回数
	TransientRetries int `mapstructure:"transient_retries"`
	// TransientWindow は一時障害とみなす起動直後の時間幅
	TransientWindow time.Duration `mapstructure:"transient_window"`
	// Command はフェーズを委譲する外部コマンド
	Command string `mapstructure:"command"`
	// Args はコマンドへ渡す追加引数（最終リトライでは省かれる）
	Args []string `mapstructure:"args"`
}

// LoopConfig は品質ループの設定
type LoopConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxIterations int  `mapstructure:"max_iterations"`
}

// NewConfig はデフォルト値の新しいConfigを作成する
func NewConfig() *Config {
	return &Config{
		Git: GitConfig{
			Remote:         "origin",
			DefaultBranch:  "main",
			Protected:      []string{"main", "master"},
			StaleThreshold: 5,
		},
		Store: StoreConfig{
			Path: ".nagare/issues.json",
		},
		Runner: RunnerConfig{
			TransientRetries: 2,
			TransientWindow:  30 * time.Second,
			Command:          "claude",
		},
		Loop: LoopConfig{
			Enabled:       true,
			MaxIterations: 3,
		},
	}
}

// newViper は既定値と環境変数の束縛を済ませたviperインスタンスを返す
func newViper(configPath string) *viper.Viper {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	v.SetEnvPrefix("NAGARE")
	v.AutomaticEnv()

	// GITHUB_TOKENもサポート
	v.BindEnv("github.token", "GITHUB_TOKEN", "NAGARE_GITHUB_TOKEN")

	v.SetDefault("git.remote", "origin")
	v.SetDefault("git.default_branch", "main")
	v.SetDefault("git.protected_branches", []string{"main", "master"})
	v.SetDefault("git.stale_threshold", 5)
	v.SetDefault("store.path", ".nagare/issues.json")
	v.SetDefault("runner.transient_retries", 2)
	v.SetDefault("runner.transient_window", 30*time.Second)
	v.SetDefault("runner.command", "claude")
	v.SetDefault("loop.enabled", true)
	v.SetDefault("loop.max_iterations", 3)

	return v
}

// Load は設定ファイルから設定を読み込む
func (c *Config) Load(configPath string) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	return v.Unmarshal(c)
}

// LoadOrDefault は設定ファイルがあれば読み込む
// ファイルがなくても既定値と環境変数の束縛は適用される
func (c *Config) LoadOrDefault(configPath string) {
	if _, err := os.Stat(configPath); err == nil {
		if c.Load(configPath) == nil {
			return
		}
	}
	_ = newViper("").Unmarshal(c)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		return errors.New("github owner and repo are required")
	}
	if c.Git.Remote == "" {
		return errors.New("git remote is required")
	}
	if c.Git.DefaultBranch == "" {
		return errors.New("default branch is required")
	}
	if c.Git.StaleThreshold < 0 {
		return errors.New("stale threshold must not be negative")
	}
	if c.Runner.TransientRetries < 0 {
		return errors.New("transient retries must not be negative")
	}
	if c.Runner.Command == "" {
		return errors.New("runner command is required")
	}
	if c.Loop.MaxIterations < 1 {
		return errors.New("loop max iterations must be at least 1")
	}
	return nil
}
