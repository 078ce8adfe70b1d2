package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/ghnotify/internal/model"
)

// atomReason はAtomフィード由来の通知に設定する理由。
const atomReason = "feed"

// ErrUnsupported はプロバイダーが対応していない操作を表す。
var ErrUnsupported = errors.New("このフィードプロバイダーでは対応していない操作です")

// AtomSource はGitHubのプライベートAtomフィード（*.private.atom?token=...）を
// 通知の取得元として使用する。認証情報はフィードURLそのもの。
type AtomSource struct {
	ssrfGuard   SSRFValidator
	httpClient  *http.Client
	logger      *slog.Logger
	maxBodySize int64
}

// NewAtomSource はAtomSourceの新しいインスタンスを生成する。
func NewAtomSource(ssrfGuard SSRFValidator, logger *slog.Logger, timeout time.Duration, maxBodySize int64) *AtomSource {
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}
	return &AtomSource{
		ssrfGuard:   ssrfGuard,
		httpClient:  ssrfGuard.NewSafeClient(timeout),
		logger:      logger,
		maxBodySize: maxBodySize,
	}
}

// FetchItems はフィードを取得し、各エントリーをItemに変換する。
// 401/403は*model.AuthenticationError、それ以外の失敗は*model.TransportErrorを返す。
// Atomフィードには最新コメントがないため、LatestCommentは常にnil。
func (s *AtomSource) FetchItems(ctx context.Context, credential string) ([]model.Item, error) {
	if credential == "" {
		return nil, errors.New("認証情報が空です")
	}
	if err := s.ssrfGuard.ValidateURL(credential); err != nil {
		return nil, &model.TransportError{Err: fmt.Errorf("SSRF検証に失敗: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/atom+xml, application/xml, text/xml, */*")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &model.TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, &model.AuthenticationError{StatusCode: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return nil, &model.TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("フィードがステータス %d を返しました", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBodySize))
	if err != nil {
		return nil, &model.TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("レスポンスボディの読み取りに失敗: %w", err)}
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, &model.TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("フィードのパースに失敗: %w", err)}
	}

	return convertEntries(parsed.Items), nil
}

// convertEntries はgofeedのエントリーをItemに変換する。
// IDを持たないエントリーはスナップショットのキーにできないため除外する。
func convertEntries(entries []*gofeed.Item) []model.Item {
	items := make([]model.Item, 0, len(entries))
	for _, e := range entries {
		if e == nil {
			continue
		}
		id := e.GUID
		if id == "" {
			id = e.Link
		}
		if id == "" {
			continue
		}

		item := model.Item{
			ID:     id,
			Title:  e.Title,
			Reason: atomReason,
			URL:    e.Link,
		}

		switch {
		case len(e.Categories) > 0:
			item.Repo = e.Categories[0]
		case e.Author != nil && e.Author.Name != "":
			item.Repo = e.Author.Name
		case len(e.Authors) > 0 && e.Authors[0] != nil:
			item.Repo = e.Authors[0].Name
		}

		if e.UpdatedParsed != nil {
			t := e.UpdatedParsed.UTC()
			item.UpdatedAt = &t
		} else if e.PublishedParsed != nil {
			t := e.PublishedParsed.UTC()
			item.UpdatedAt = &t
		}

		if item.URL == "" && (strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://")) {
			item.URL = id
		}
		items = append(items, item)
	}
	return items
}

// CheckToken はフィードURLが取得可能かを確認する。
func (s *AtomSource) CheckToken(ctx context.Context, credential string) (bool, error) {
	if credential == "" || s.ssrfGuard.ValidateURL(credential) != nil {
		return false, nil
	}
	_, err := s.FetchItems(ctx, credential)
	if err == nil {
		return true, nil
	}
	if model.IsAuthenticationError(err) {
		return false, nil
	}
	var transportErr *model.TransportError
	if errors.As(err, &transportErr) && transportErr.StatusCode == http.StatusNotFound {
		// トークンが不正な場合、GitHubは404を返す
		return false, nil
	}
	return false, err
}

// UnsubscribeThread はAtomフィードでは対応していない。
func (s *AtomSource) UnsubscribeThread(ctx context.Context, token, threadURL string) error {
	return ErrUnsupported
}
