package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// SlackSectionLimit はSlackのsectionブロックのテキスト上限（文字数）。
const SlackSectionLimit = 3000

// ContentSanitizerService はコメント本文をSlackのmrkdwnとして安全なテキストに変換する。
type ContentSanitizerService interface {
	// Sanitize はHTMLタグを除去し、Slackの制御文字 (&, <, >) をエスケープする。
	// 結果がmaxLen文字を超える場合は末尾を "…" に置き換えて切り詰める。
	// maxLenが0以下の場合は切り詰めない。
	Sanitize(raw string, maxLen int) string
}

// contentSanitizer はbluemondayのStrictPolicyでタグをすべて除去する。
// Policyはスレッドセーフなので共有してよい。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{policy: bluemonday.StrictPolicy()}
}

// slackEscaper はSlackがエスケープを要求する3文字だけを置換する。
var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Sanitize はHTMLを除去したSlack向けテキストを返す。
func (s *contentSanitizer) Sanitize(raw string, maxLen int) string {
	if raw == "" {
		return ""
	}
	// bluemondayは引用符なども実体参照にするため、一度戻してからSlack形式でエスケープし直す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.TrimSpace(text)
	return slackEscaper.Replace(truncate(text, maxLen))
}

// truncate はrune単位でmaxLen文字以内に切り詰める。
func truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen-1]) + "…"
}
