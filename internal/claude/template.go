package claude

import (
	"fmt"
	"strings"
)

// TemplateVariables はテンプレート展開で使用する変数
type TemplateVariables struct {
	IssueNumber int
	IssueTitle  string
	Phase       string
	Findings    string
}

// ExpandTemplate はテンプレート文字列内の変数を実際の値に置換する
func ExpandTemplate(template string, vars *TemplateVariables) string {
	result := template
	result = strings.ReplaceAll(result, "{{issue-number}}", fmt.Sprintf("%d", vars.IssueNumber))
	result = strings.ReplaceAll(result, "{{issue-title}}", vars.IssueTitle)
	result = strings.ReplaceAll(result, "{{phase}}", vars.Phase)
	result = strings.ReplaceAll(result, "{{findings}}", vars.Findings)
	return strings.TrimSpace(result)
}
