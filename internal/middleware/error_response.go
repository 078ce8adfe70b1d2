package middleware

import (
	"net/http"
	"strings"

	"github.com/hitoshi/ghnotify/internal/model"
)

// WriteText はSlackに返すプレーンテキストのレスポンスを書き込む。
// Slackは2xx以外を失敗として扱うため、ユーザー向けのエラーも2xxで返す。
func WriteText(w http.ResponseWriter, statusCode int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	if text != "" {
		w.Write([]byte(text))
	}
}

// FormatAPIError はAPIErrorをSlackに表示する文言に整形する。
// 設定エラーは "ERROR: " で始め、対処方法を続ける。
func FormatAPIError(apiErr *model.APIError) string {
	var b strings.Builder
	if apiErr.Category == "validation" {
		b.WriteString("ERROR: ")
	}
	b.WriteString(apiErr.Message)
	if apiErr.Action != "" {
		if strings.HasPrefix(apiErr.Action, "hint:") {
			b.WriteString("; ")
		} else {
			b.WriteString(" ")
		}
		b.WriteString(apiErr.Action)
	}
	return b.String()
}

// WriteAPIError はAPIErrorをプレーンテキストで書き込む。
func WriteAPIError(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	WriteText(w, statusCode, FormatAPIError(apiErr))
}

// WriteInternalServerError は内部エラーのレスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteText(w, http.StatusInternalServerError, "Something went wrong. Please try again later.")
}
