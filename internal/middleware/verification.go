// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにSlackユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// slackPayload はインタラクティブメッセージの payload フィールドのうち認証に使う部分。
type slackPayload struct {
	Token string `json:"token"`
	User  struct {
		ID string `json:"id"`
	} `json:"user"`
}

// NewVerificationMiddleware はSlackのverification tokenを検証するミドルウェアを返す。
// トークンはフォームの token、なければ payload JSON の token から読み取る。
// 一致しない場合は403を返す。送信元のユーザーIDはリクエストコンテキストに注入する。
func NewVerificationMiddleware(verificationToken string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			token := r.Form.Get("token")
			userID := r.Form.Get("user_id")

			if raw := r.Form.Get("payload"); raw != "" {
				var p slackPayload
				if err := json.Unmarshal([]byte(raw), &p); err == nil {
					if token == "" {
						token = p.Token
					}
					if userID == "" {
						userID = p.User.ID
					}
				}
			}

			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(verificationToken)) != 1 {
				logger.Warn("verification tokenが一致しません",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			ctx := r.Context()
			if userID != "" {
				ctx = context.WithValue(ctx, userIDContextKey, userID)
				recordUserID(ctx, userID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからSlackユーザーIDを取得する。
// 検証ミドルウェアを通過し、リクエストにユーザーIDが含まれていた場合のみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
