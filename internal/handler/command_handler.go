package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/ghnotify/internal/middleware"
	"github.com/hitoshi/ghnotify/internal/model"
	"github.com/hitoshi/ghnotify/internal/notifier"
	"github.com/hitoshi/ghnotify/internal/slack"
)

// Slackに返す応答文言。
const (
	msgSubscribed     = "You are now subscribed to GitHub notifications."
	msgInvalidToken   = "Invalid token"
	msgConfigUpdated  = "Config updated."
	msgUnsubscribed   = "Unsubscribed"
	msgThreadDone     = "Unsubscribed!"
	msgNotSubscribed  = "User not subscribed"
	msgSomethingWrong = "Something went wrong"
	msgForbidden      = "Forbidden"
	msgMissingUserID  = "ERROR: user_id is required"
)

// CommandServiceInterface はコマンドハンドラーが必要とするサービスインターフェース。
type CommandServiceInterface interface {
	// Subscribe はトークンを検証して購読者を登録する。
	Subscribe(ctx context.Context, userID, username, token string) (bool, error)
	// Configure は空白区切りのkey/valueで購読者の設定を更新する。
	Configure(ctx context.Context, userID, text string) (model.SubscriberConfig, error)
	// Unsubscribe は購読者を削除する。
	Unsubscribe(ctx context.Context, userID string) error
	// UnsubscribeThread はスレッドの購読を解除し、元メッセージのボタンを取り除く。
	UnsubscribeThread(ctx context.Context, userID, threadURL, channel, ts string, blocks []json.RawMessage) error
}

// CommandHandler はSlackのスラッシュコマンドとインタラクションのHTTPハンドラー。
// Slackは2xx以外を失敗として扱うため、ユーザー起因のエラーも2xxで返す。
type CommandHandler struct {
	service CommandServiceInterface
	logger  *slog.Logger
}

// NewCommandHandler はCommandHandlerを生成する。
func NewCommandHandler(service CommandServiceInterface, logger *slog.Logger) *CommandHandler {
	return &CommandHandler{
		service: service,
		logger:  logger,
	}
}

// Index は認証の疎通確認用。
// GET /gh
func (h *CommandHandler) Index(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// Subscribe はGitHubトークンで通知を購読する。
// POST /gh/subscribe (user_id, user_name, text=トークン)
func (h *CommandHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := r.FormValue("user_id")
	if userID == "" {
		middleware.WriteText(w, http.StatusAccepted, msgMissingUserID)
		return
	}
	token := strings.TrimSpace(r.FormValue("text"))

	_, err := h.service.Subscribe(r.Context(), userID, r.FormValue("user_name"), token)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeInvalidToken {
			// 401を返すとSlackはリクエスト自体の失敗とみなす
			middleware.WriteText(w, http.StatusResetContent, msgInvalidToken)
			return
		}
		h.handleServiceError(w, r, err)
		return
	}

	middleware.WriteText(w, http.StatusCreated, msgSubscribed)
}

// Config は購読者の設定を更新する。
// POST /gh/config (user_id, text="frequency 15")
func (h *CommandHandler) Config(w http.ResponseWriter, r *http.Request) {
	userID := r.FormValue("user_id")
	if userID == "" {
		middleware.WriteText(w, http.StatusAccepted, msgMissingUserID)
		return
	}

	if _, err := h.service.Configure(r.Context(), userID, r.FormValue("text")); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	middleware.WriteText(w, http.StatusOK, msgConfigUpdated)
}

// Unsubscribe は購読を解除し、保存済みデータを削除する。
// POST /gh/unsubscribe (user_id)
func (h *CommandHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := r.FormValue("user_id")
	if userID == "" {
		middleware.WriteText(w, http.StatusAccepted, msgMissingUserID)
		return
	}

	if err := h.service.Unsubscribe(r.Context(), userID); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	middleware.WriteText(w, http.StatusOK, msgUnsubscribed)
}

// interactionPayload はインタラクティブメッセージの payload のうち使用する部分。
type interactionPayload struct {
	Actions []struct {
		Value string `json:"value"`
	} `json:"actions"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	Message struct {
		TS     string            `json:"ts"`
		Blocks []json.RawMessage `json:"blocks"`
	} `json:"message"`
}

// Events はボタン押下などのインタラクションを処理する。
// POST /gh/events (payload=JSON)
func (h *CommandHandler) Events(w http.ResponseWriter, r *http.Request) {
	raw := r.FormValue("payload")
	if raw == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var p interactionPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		middleware.WriteText(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if len(p.Actions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	value := p.Actions[0].Value
	switch slack.CallbackName(value) {
	case notifier.CallbackUnsubscribeThread:
		_, args, err := slack.ParseCallback(value, 2)
		if err != nil {
			middleware.WriteText(w, http.StatusBadRequest, "invalid action")
			return
		}
		// ボタンの値は任意に組み立てられるため、検証済みの操作ユーザー本人の場合だけ受け付ける
		actor, err := middleware.UserIDFromContext(r.Context())
		if err != nil || actor != args[0] {
			h.logger.Warn("操作ユーザーとボタンの購読者が一致しません",
				slog.String("user_id", actor),
				slog.String("subscriber_id", args[0]),
				slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			)
			middleware.WriteText(w, http.StatusForbidden, msgForbidden)
			return
		}
		h.unsubscribeThread(w, r, args[0], args[1], p)
	default:
		h.logger.Debug("未対応のインタラクションです", slog.String("value", value))
		w.WriteHeader(http.StatusOK)
	}
}

func (h *CommandHandler) unsubscribeThread(w http.ResponseWriter, r *http.Request, userID, threadURL string, p interactionPayload) {
	err := h.service.UnsubscribeThread(r.Context(), userID, threadURL, p.Channel.ID, p.Message.TS, p.Message.Blocks)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case model.ErrCodeNotSubscribed:
				middleware.WriteText(w, http.StatusNotFound, msgNotSubscribed)
				return
			case model.ErrCodeThreadUnsubscribe:
				middleware.WriteText(w, http.StatusBadRequest, msgSomethingWrong)
				return
			}
		}
		h.handleServiceError(w, r, err)
		return
	}

	middleware.WriteText(w, http.StatusOK, msgThreadDone)
}

// handleServiceError はサービス層のエラーをレスポンスに変換する。
// ユーザー向けのAPIErrorは202で文言を返し、それ以外は500とする。
func (h *CommandHandler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteAPIError(w, http.StatusAccepted, apiErr)
		return
	}

	h.logger.Error("コマンドの処理に失敗しました",
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}
