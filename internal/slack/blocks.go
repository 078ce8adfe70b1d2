package slack

import (
	"fmt"
	"strings"
)

// Block Kitの要素。使用するフィールドのみ定義する。

// TextObject はplain_textまたはmrkdwnのテキスト。
type TextObject struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// Element はactionsブロック内の要素（ボタン）。
type Element struct {
	Type     string      `json:"type"`
	Text     *TextObject `json:"text,omitempty"`
	Value    string      `json:"value,omitempty"`
	ActionID string      `json:"action_id,omitempty"`
}

// Block はBlock Kitのブロック。
type Block struct {
	Type     string       `json:"type"`
	BlockID  string       `json:"block_id,omitempty"`
	Text     *TextObject  `json:"text,omitempty"`
	Fields   []TextObject `json:"fields,omitempty"`
	Elements []Element    `json:"elements,omitempty"`
}

// PlainText はplain_textのテキストを返す。
func PlainText(text string) *TextObject {
	return &TextObject{Type: "plain_text", Text: text}
}

// Markdown はmrkdwnのテキストを返す。
func Markdown(text string) *TextObject {
	return &TextObject{Type: "mrkdwn", Text: text}
}

// コールバック値の区切り文字。値は "<name>::<arg1>__<arg2>..." の形式。
const (
	callbackSep = "::"
	argSep      = "__"
)

// EncodeCallback はボタンの値にコールバック名と引数を埋め込む。
func EncodeCallback(name string, args ...string) string {
	return name + callbackSep + strings.Join(args, argSep)
}

// ParseCallback はボタンの値からコールバック名と引数を取り出す。
// 最後の引数は区切り文字を含んでもよい（URLなど）。
func ParseCallback(value string, nargs int) (string, []string, error) {
	name, rest, ok := strings.Cut(value, callbackSep)
	if !ok || name == "" {
		return "", nil, fmt.Errorf("コールバック値の形式が不正です: %q", value)
	}
	args := strings.SplitN(rest, argSep, nargs)
	if len(args) != nargs {
		return "", nil, fmt.Errorf("コールバック引数の数が不正です: got %d, want %d", len(args), nargs)
	}
	return name, args, nil
}

// CallbackName はボタンの値からコールバック名だけを取り出す。形式が不正な場合は空文字を返す。
func CallbackName(value string) string {
	name, _, ok := strings.Cut(value, callbackSep)
	if !ok {
		return ""
	}
	return name
}
