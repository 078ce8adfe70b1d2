// Package slack はSlack Web APIのクライアントを提供する。
// 通知のDM送信と、インタラクション後のメッセージ更新・リアクション付与に使用する。
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// DefaultBaseURL はSlack Web APIのベースURL。
const DefaultBaseURL = "https://slack.com/api"

// maxResponseSize はSlack APIレスポンスの読み取り上限。
const maxResponseSize = 1 << 20

// APIError はSlack APIが ok:false を返したことを表す。
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Slack API %s がエラーを返しました: %s", e.Method, e.Code)
}

// Client はSlack Web APIのクライアント。
// ボットトークンとHTTPクライアントのみを保持し、並行に使用できる。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	token      string
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// Message は chat.postMessage のリクエストボディ。
type Message struct {
	Channel     string  `json:"channel"`
	Text        string  `json:"text"`
	Blocks      []Block `json:"blocks,omitempty"`
	Mrkdwn      bool    `json:"mrkdwn"`
	UnfurlLinks bool    `json:"unfurl_links"`
}

// envelope はSlack APIに共通するレスポンス。
type envelope struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	TS      string `json:"ts"`
	Channel string `json:"channel"`
}

// call はSlack APIのメソッドをJSONボディで呼び出す。
func (c *Client) call(ctx context.Context, method string, payload any) (*envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Slack APIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Slack APIがエラーステータスを返しました",
			slog.String("method", method),
			slog.Int("http_status", resp.StatusCode),
			slog.String("retry_after", resp.Header.Get("Retry-After")),
		)
		return nil, fmt.Errorf("Slack API %s がステータス %d を返しました", method, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&env); err != nil {
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	if !env.OK {
		return &env, &APIError{Method: method, Code: env.Error}
	}
	return &env, nil
}

// PostMessage はメッセージを送信し、送信されたメッセージのtsを返す。
func (c *Client) PostMessage(ctx context.Context, msg Message) (string, error) {
	env, err := c.call(ctx, "chat.postMessage", msg)
	if err != nil {
		return "", err
	}
	return env.TS, nil
}

// UpdateMessage は既存メッセージのブロックを置き換え、更新後のtsを返す。
// ブロックはSlackから受け取ったものをそのまま送り返すため、未加工のJSONで受け取る。
func (c *Client) UpdateMessage(ctx context.Context, channel, ts string, blocks []json.RawMessage) (string, error) {
	if blocks == nil {
		blocks = []json.RawMessage{}
	}
	env, err := c.call(ctx, "chat.update", map[string]any{
		"channel": channel,
		"ts":      ts,
		"blocks":  blocks,
	})
	if err != nil {
		return "", err
	}
	return env.TS, nil
}

// AddReaction はメッセージに絵文字リアクションを付与する。
// 既に付与済み (already_reacted) の場合はエラーにしない。
func (c *Client) AddReaction(ctx context.Context, channel, ts, name string) error {
	_, err := c.call(ctx, "reactions.add", map[string]string{
		"channel":   channel,
		"timestamp": ts,
		"name":      name,
	})
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "already_reacted" {
		return nil
	}
	return err
}
