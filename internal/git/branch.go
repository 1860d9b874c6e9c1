package git

import (
	"fmt"
	"strings"
	"unicode"
)

const branchPrefix = "nagare"

// maxSlugLength はブランチ名に含めるタイトル部分の最大長
const maxSlugLength = 40

// BranchName はIssue番号とタイトルから決定的にブランチ名を生成する
// 例: nagare/42-fix-login-timeout
func BranchName(issueNumber int, title string) string {
	slug := Slugify(title)
	if slug == "" {
		return fmt.Sprintf("%s/%d", branchPrefix, issueNumber)
	}
	return fmt.Sprintf("%s/%d-%s", branchPrefix, issueNumber, slug)
}

// Slugify はタイトルをブランチ名に使える形式に変換する
// 英数字以外はハイフンに置き換え、連続するハイフンは1つにまとめる
func Slugify(title string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) && r < 128, unicode.IsDigit(r) && r < 128:
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		if b.Len() >= maxSlugLength {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
