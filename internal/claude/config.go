package claude

import "github.com/douhashi/nagare/internal/phase"

// PhaseConfig はフェーズごとの実行設定
type PhaseConfig struct {
	Args   []string `mapstructure:"args"`
	Prompt string   `mapstructure:"prompt"`
}

// ClaudeConfig はフェーズ委譲の全体設定
type ClaudeConfig struct {
	Phases map[string]*PhaseConfig `mapstructure:"phases"`
}

// NewDefaultClaudeConfig はデフォルトのフェーズ設定を生成する
func NewDefaultClaudeConfig() *ClaudeConfig {
	return &ClaudeConfig{
		Phases: map[string]*PhaseConfig{
			"plan": {
				Args:   []string{"--dangerously-skip-permissions"},
				Prompt: "/nagare:plan {{issue-number}}",
			},
			"implement": {
				Args:   []string{"--dangerously-skip-permissions"},
				Prompt: "/nagare:implement {{issue-number}}",
			},
			"verify": {
				Args:   []string{"--dangerously-skip-permissions"},
				Prompt: "/nagare:verify {{issue-number}}",
			},
			"review": {
				Args:   []string{"--dangerously-skip-permissions"},
				Prompt: "/nagare:review {{issue-number}}",
			},
			"revise": {
				Args:   []string{"--dangerously-skip-permissions"},
				Prompt: "/nagare:revise {{issue-number}} {{findings}}",
			},
			"merge": {
				Args:   []string{"--dangerously-skip-permissions"},
				Prompt: "/nagare:merge {{issue-number}}",
			},
		},
	}
}

// WithGlobalArgs は全フェーズ共通の追加引数を各フェーズの引数へ後置する
// 追加引数は縮退モード（最終リトライ）ではフェーズ引数ごと外される
func (c *ClaudeConfig) WithGlobalArgs(args []string) *ClaudeConfig {
	for _, cfg := range c.Phases {
		cfg.Args = append(cfg.Args, args...)
	}
	return c
}

// GetPhase は指定されたフェーズの設定を取得する
func (c *ClaudeConfig) GetPhase(p phase.Phase) (*PhaseConfig, bool) {
	config, exists := c.Phases[string(p)]
	return config, exists
}
