// Package github はGitHub通知APIのクライアントを提供する。
// 購読者のトークンで通知一覧を取得し、各通知に最新コメントを付与する。
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/ghnotify/internal/model"
)

const (
	// DefaultBaseURL はGitHub REST APIのベースURL。
	DefaultBaseURL = "https://api.github.com"
	// apiVersion はX-GitHub-Api-Versionヘッダーの値。
	apiVersion = "2022-11-28"
	userAgent  = "ghnotify/1.0"
	// defaultMaxBodySize はレスポンスボディの読み取り上限のデフォルト値（5MB）。
	defaultMaxBodySize = 5 * 1024 * 1024
	// defaultDetailConcurrency は1回の取得で並行する詳細リクエスト数のデフォルト値。
	defaultDetailConcurrency = 4
)

// DetailLimits は最新コメント取得のレート制限。
// GitHubのレート制限はトークン単位のため、リミッターはFetchItemsの呼び出しごとに作る。
// 並行してポーリングする購読者同士で待ち時間を奪い合わない。
type DetailLimits struct {
	RatePerSec  float64 // 0以下は無制限
	Burst       int
	Concurrency int
}

func (l DetailLimits) newLimiter() *rate.Limiter {
	if l.RatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(l.RatePerSec), burst)
}

// SSRFValidator はSSRF検証のインターフェース。
// 詳細取得のURLはAPIレスポンスから得るため、リクエスト前に検証する。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// Client はGitHub通知APIのクライアント。
// 不変のHTTPクライアント、ベースURL、レート制限の設定以外の状態を持たないため、
// 複数の購読者から並行して使用できる。
type Client struct {
	httpClient   *http.Client
	detailClient *http.Client
	ssrfGuard    SSRFValidator
	detail       DetailLimits
	logger       *slog.Logger
	baseURL      string
	maxBodySize  int64
}

// NewClient はClientの新しいインスタンスを生成する。
// detailは詳細取得（最新コメント）のリクエストレートと並行数を制限する。
func NewClient(
	baseURL string,
	httpClient *http.Client,
	ssrfGuard SSRFValidator,
	detail DetailLimits,
	logger *slog.Logger,
	maxBodySize int64,
) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if detail.Concurrency <= 0 {
		detail.Concurrency = defaultDetailConcurrency
	}
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}
	return &Client{
		httpClient:   httpClient,
		detailClient: ssrfGuard.NewSafeClient(httpClient.Timeout),
		ssrfGuard:    ssrfGuard,
		detail:       detail,
		logger:       logger,
		baseURL:      strings.TrimRight(baseURL, "/"),
		maxBodySize:  maxBodySize,
	}
}

// notificationJSON は GET /notifications のレスポンス要素。
type notificationJSON struct {
	ID         string `json:"id"`
	Reason     string `json:"reason"`
	UpdatedAt  string `json:"updated_at"`
	URL        string `json:"url"`
	Repository struct {
		FullName string `json:"full_name"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
	Subject struct {
		Title            string `json:"title"`
		URL              string `json:"url"`
		LatestCommentURL string `json:"latest_comment_url"`
		Type             string `json:"type"`
	} `json:"subject"`
}

// detailJSON はコメント、Issue、Pull Requestに共通するフィールド。
type detailJSON struct {
	ID      json.Number `json:"id"`
	Body    string      `json:"body"`
	HTMLURL string      `json:"html_url"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
}

func (c *Client) newRequest(ctx context.Context, method, rawURL, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// FetchItems は購読者の現在の通知一覧を取得する。
// 401は*model.AuthenticationError、それ以外の失敗は*model.TransportErrorを返す。
// 最新コメントの取得失敗は通知単位でLatestComment=nilに縮退し、全体を失敗させない。
func (c *Client) FetchItems(ctx context.Context, credential string) ([]model.Item, error) {
	if credential == "" {
		return nil, errors.New("認証情報が空です")
	}

	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/notifications", credential, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &model.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &model.AuthenticationError{StatusCode: resp.StatusCode, Err: errors.New("トークンを更新してください")}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &model.TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("GitHub APIがステータス %d を返しました", resp.StatusCode),
		}
	}

	var notifications []notificationJSON
	if err := json.NewDecoder(io.LimitReader(resp.Body, c.maxBodySize)).Decode(&notifications); err != nil {
		return nil, &model.TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err),
		}
	}

	items := make([]model.Item, len(notifications))
	detailURLs := make([]string, len(notifications))
	for i, n := range notifications {
		items[i], detailURLs[i] = c.buildItem(n)
	}
	c.attachDetails(ctx, items, detailURLs, credential)
	return items, nil
}

// buildItem は通知を1件のItemに変換し、最新コメントの取得先URLを返す。
func (c *Client) buildItem(n notificationJSON) (model.Item, string) {
	item := model.Item{
		ID:        n.ID,
		Repo:      n.Repository.FullName,
		Title:     n.Subject.Title,
		Reason:    n.Reason,
		URL:       HTMLURL(n.Subject.URL),
		ThreadURL: n.URL,
	}
	if item.URL == "" {
		item.URL = n.Repository.HTMLURL
	}
	if n.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339, n.UpdatedAt); err == nil {
			t = t.UTC()
			item.UpdatedAt = &t
		} else {
			c.logger.Warn("通知の更新日時を解析できません",
				slog.String("notification_id", n.ID),
				slog.String("updated_at", n.UpdatedAt),
			)
		}
	}

	detailURL := n.Subject.LatestCommentURL
	if detailURL == "" {
		detailURL = n.Subject.URL
	}
	return item, detailURL
}

// attachDetails は各通知の最新コメントを並行して取得し、items に付与する。
// レート制限の待機が期限に間に合わない場合はその通知をコメントなしに縮退させ、
// 縮退した件数をまとめてWarnログに残す。
func (c *Client) attachDetails(ctx context.Context, items []model.Item, detailURLs []string, token string) {
	limiter := c.detail.newLimiter()
	sem := make(chan struct{}, c.detail.Concurrency)
	var (
		wg       sync.WaitGroup
		deadline atomic.Int64
	)

	for i, u := range detailURLs {
		if u == "" {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := limiter.Wait(ctx); err != nil {
				deadline.Add(1)
				return
			}
			items[i].LatestComment = c.fetchDetail(ctx, u, token)
		}()
	}
	wg.Wait()

	if n := deadline.Load(); n > 0 {
		c.logger.Warn("期限内に最新コメントを取得できなかった通知があります",
			slog.Int64("skipped", n),
			slog.Int("items", len(items)),
			slog.Float64("detail_rate_per_sec", c.detail.RatePerSec),
		)
	}
}

// fetchDetail は最新コメント（またはIssue/PR本体）を取得する。
// どの失敗もnilを返し、呼び出し元は「コメントなし」として扱う。
func (c *Client) fetchDetail(ctx context.Context, rawURL, token string) *model.SubItem {
	if err := c.ssrfGuard.ValidateURL(rawURL); err != nil {
		c.logger.Warn("詳細URLのSSRF検証に失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil
	}

	req, err := c.newRequest(ctx, http.MethodGet, rawURL, token, nil)
	if err != nil {
		return nil
	}
	resp, err := c.detailClient.Do(req)
	if err != nil {
		c.logger.Debug("詳細の取得に失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("詳細の取得でエラーステータスが返りました",
			slog.String("url", rawURL),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil
	}

	var d detailJSON
	if err := json.NewDecoder(io.LimitReader(resp.Body, c.maxBodySize)).Decode(&d); err != nil {
		c.logger.Debug("詳細のJSONパースに失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil
	}

	return &model.SubItem{
		ID:        d.ID.String(),
		Body:      d.Body,
		Author:    d.User.Login,
		Permalink: d.HTMLURL,
	}
}

// CheckToken はトークンで通知一覧を取得できるかを確認する。
// 401/403はfalseを返す。それ以外の失敗はエラーとして返す。
func (c *Client) CheckToken(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/notifications", token, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, &model.TransportError{Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, c.maxBodySize))

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return false, nil
	default:
		return false, &model.TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("GitHub APIがステータス %d を返しました", resp.StatusCode),
		}
	}
}

// UnsubscribeThread は通知スレッドを既読にしてから購読を無視に設定する。
// 既読にしないと無視設定が反映されないため、この順序で呼び出す。
func (c *Client) UnsubscribeThread(ctx context.Context, token, threadURL string) error {
	if err := c.validateThreadURL(threadURL); err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPatch, threadURL, token, nil)
	if err != nil {
		return err
	}
	if err := c.doNoContent(req); err != nil {
		return fmt.Errorf("スレッドの既読化に失敗しました: %w", err)
	}

	req, err = c.newRequest(ctx, http.MethodPut, threadURL+"/subscription", token, strings.NewReader(`{"ignored":true}`))
	if err != nil {
		return err
	}
	if err := c.doNoContent(req); err != nil {
		return fmt.Errorf("スレッドの購読解除に失敗しました: %w", err)
	}
	return nil
}

// validateThreadURL はスレッドURLが設定済みAPIホスト配下であることを検証する。
// ボタンの値はSlackから戻ってくるため、任意のURLへトークンを送らないようにする。
func (c *Client) validateThreadURL(threadURL string) error {
	u, err := url.Parse(threadURL)
	if err != nil {
		return fmt.Errorf("スレッドURLが不正です: %w", err)
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("ベースURLが不正です: %w", err)
	}
	if u.Scheme != base.Scheme || u.Host != base.Host || !strings.HasPrefix(u.Path, base.Path+"/notifications/threads/") {
		return fmt.Errorf("スレッドURLがAPIのホスト外です: %s", threadURL)
	}
	return nil
}

func (c *Client) doNoContent(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &model.TransportError{Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, c.maxBodySize))

	if resp.StatusCode == http.StatusUnauthorized {
		return &model.AuthenticationError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &model.TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("GitHub APIがステータス %d を返しました", resp.StatusCode),
		}
	}
	return nil
}

// HTMLURL はAPIのURLをブラウザで開けるURLに変換する。
// 例: https://api.github.com/repos/o/r/pulls/1 → https://github.com/o/r/pull/1
// GitHub Enterpriseの /api/v3 プレフィックスも取り除く。
func HTMLURL(apiURL string) string {
	if apiURL == "" {
		return ""
	}
	u, err := url.Parse(apiURL)
	if err != nil {
		return apiURL
	}
	u.Host = strings.TrimPrefix(u.Host, "api.")
	path := strings.TrimPrefix(u.Path, "/api/v3")
	path = strings.TrimPrefix(path, "/repos")

	segments := strings.Split(path, "/")
	// /owner/repo/<kind>/... の kind を単数形に置き換える
	if len(segments) > 3 {
		switch segments[3] {
		case "pulls":
			segments[3] = "pull"
		case "commits":
			segments[3] = "commit"
		}
	}
	u.Path = strings.Join(segments, "/")
	u.RawPath = ""
	return u.String()
}
