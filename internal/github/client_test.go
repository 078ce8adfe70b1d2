package github

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/ghnotify/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeGuard はテスト用のSSRFValidator。httptestサーバー（ループバック）への接続を許可する。
type fakeGuard struct {
	client  *http.Client
	blocked map[string]bool

	mu        sync.Mutex
	validated []string
}

func (g *fakeGuard) ValidateURL(rawURL string) error {
	g.mu.Lock()
	g.validated = append(g.validated, rawURL)
	g.mu.Unlock()
	if g.blocked[rawURL] {
		return errors.New("blocked")
	}
	return nil
}

func (g *fakeGuard) NewSafeClient(timeout time.Duration) *http.Client {
	return g.client
}

func newTestClient(t *testing.T, srv *httptest.Server, guard *fakeGuard) *Client {
	t.Helper()
	var buf bytes.Buffer
	if guard.client == nil {
		guard.client = srv.Client()
	}
	return NewClient(srv.URL, srv.Client(), guard, DetailLimits{}, newTestLogger(&buf), 0)
}

const notificationTemplate = `[
  {
    "id": "1",
    "repository": {"full_name": "octocat/Hello-World", "html_url": "https://github.com/octocat/Hello-World"},
    "subject": {
      "title": "Greetings",
      "url": "%[1]s/repos/octocat/Hello-World/pulls/123",
      "latest_comment_url": "%[1]s/repos/octocat/Hello-World/issues/comments/456",
      "type": "PullRequest"
    },
    "reason": "review_requested",
    "unread": true,
    "updated_at": "2024-01-01T00:00:00Z",
    "url": "%[1]s/notifications/threads/1"
  },
  {
    "id": "2",
    "repository": {"full_name": "octocat/Spoon-Knife", "html_url": "https://github.com/octocat/Spoon-Knife"},
    "subject": {
      "title": "Bug report",
      "url": "%[1]s/repos/octocat/Spoon-Knife/issues/7",
      "latest_comment_url": null,
      "type": "Issue"
    },
    "reason": "mention",
    "updated_at": "2024-01-02T00:00:00Z",
    "url": "%[1]s/notifications/threads/2"
  }
]`

func TestClient_FetchItems_MapsNotifications(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer ghp_test" {
			t.Errorf("Authorization = %q, want Bearer ghp_test", got)
		}
		if got := r.Header.Get("X-GitHub-Api-Version"); got != apiVersion {
			t.Errorf("X-GitHub-Api-Version = %q", got)
		}
		switch r.URL.Path {
		case "/notifications":
			fmt.Fprintf(w, notificationTemplate, srv.URL)
		case "/repos/octocat/Hello-World/issues/comments/456":
			fmt.Fprint(w, `{"id": 456, "body": "LGTM", "user": {"login": "hubot"}, "html_url": "https://github.com/octocat/Hello-World/pull/123#issuecomment-456"}`)
		case "/repos/octocat/Spoon-Knife/issues/7":
			// latest_comment_urlがない場合はsubject.urlを取得する
			fmt.Fprint(w, `{"id": 7, "body": "It crashes", "user": {"login": "octocat"}, "html_url": "https://github.com/octocat/Spoon-Knife/issues/7"}`)
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeGuard{})
	items, err := c.FetchItems(context.Background(), "ghp_test")
	if err != nil {
		t.Fatalf("FetchItems returned error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}

	first := items[0]
	if first.ID != "1" || first.Repo != "octocat/Hello-World" || first.Title != "Greetings" || first.Reason != "review_requested" {
		t.Errorf("unexpected item: %+v", first)
	}
	if first.ThreadURL != srv.URL+"/notifications/threads/1" {
		t.Errorf("ThreadURL = %q", first.ThreadURL)
	}
	if !strings.HasSuffix(first.URL, "/octocat/Hello-World/pull/123") {
		t.Errorf("URL = %q, want .../octocat/Hello-World/pull/123", first.URL)
	}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if first.UpdatedAt == nil || !first.UpdatedAt.Equal(want) {
		t.Errorf("UpdatedAt = %v, want %v", first.UpdatedAt, want)
	}
	if first.LatestComment == nil {
		t.Fatal("expected LatestComment")
	}
	if first.LatestComment.ID != "456" || first.LatestComment.Author != "hubot" || first.LatestComment.Body != "LGTM" {
		t.Errorf("LatestComment = %+v", first.LatestComment)
	}

	second := items[1]
	if second.LatestComment == nil || second.LatestComment.Author != "octocat" {
		t.Errorf("second LatestComment = %+v", second.LatestComment)
	}
}

// 詳細取得の失敗は通知をLatestComment=nilに縮退させるだけで、全体は成功することを検証する
func TestClient_FetchItems_DetailFailureDegrades(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/notifications":
			fmt.Fprintf(w, notificationTemplate, srv.URL)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeGuard{})
	items, err := c.FetchItems(context.Background(), "ghp_test")
	if err != nil {
		t.Fatalf("FetchItems returned error: %v", err)
	}
	for _, it := range items {
		if it.LatestComment != nil {
			t.Errorf("item %s: LatestComment = %+v, want nil", it.ID, it.LatestComment)
		}
	}
}

// SSRF検証で拒否された詳細URLには接続しないことを検証する
func TestClient_FetchItems_BlockedDetailURL(t *testing.T) {
	var (
		srv         *httptest.Server
		detailCalls int
		mu          sync.Mutex
	)
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/notifications" {
			fmt.Fprintf(w, notificationTemplate, srv.URL)
			return
		}
		mu.Lock()
		detailCalls++
		mu.Unlock()
		fmt.Fprint(w, `{"id": 1, "body": "x", "user": {"login": "y"}, "html_url": "z"}`)
	}))
	defer srv.Close()

	guard := &fakeGuard{blocked: map[string]bool{
		srv.URL + "/repos/octocat/Hello-World/issues/comments/456": true,
	}}
	c := newTestClient(t, srv, guard)
	items, err := c.FetchItems(context.Background(), "ghp_test")
	if err != nil {
		t.Fatalf("FetchItems returned error: %v", err)
	}
	if items[0].LatestComment != nil {
		t.Errorf("blocked item LatestComment = %+v, want nil", items[0].LatestComment)
	}
	if items[1].LatestComment == nil {
		t.Error("allowed item should have LatestComment")
	}
	if detailCalls != 1 {
		t.Errorf("detail calls = %d, want 1", detailCalls)
	}
}

// manyNotifications はn件の通知と、それぞれのコメント詳細を返すサーバーを起動する。
func manyNotifications(t *testing.T, n int) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/notifications" {
			fmt.Fprint(w, `{"id": 1, "body": "LGTM", "user": {"login": "octocat"}, "html_url": "https://github.com/o/r/pull/1#c"}`)
			return
		}
		parts := make([]string, n)
		for i := range n {
			parts[i] = fmt.Sprintf(`{"id": "%[2]d", "reason": "mention", "updated_at": "2024-01-01T00:00:00Z",
  "url": "%[1]s/notifications/threads/%[2]d",
  "repository": {"full_name": "o/r"},
  "subject": {"title": "t", "url": "%[1]s/repos/o/r/issues/%[2]d", "latest_comment_url": "%[1]s/repos/o/r/issues/comments/%[2]d"}}`, srv.URL, i+1)
		}
		fmt.Fprintf(w, "[%s]", strings.Join(parts, ","))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func countComments(items []model.Item) int {
	n := 0
	for _, it := range items {
		if it.LatestComment != nil {
			n++
		}
	}
	return n
}

// 並行してポーリングする購読者同士がレート制限の枠を奪い合わないことを検証する
func TestClient_FetchItems_ConcurrentCallsHaveOwnDetailBudget(t *testing.T) {
	srv := manyNotifications(t, 20)
	var buf bytes.Buffer
	guard := &fakeGuard{client: srv.Client()}
	c := NewClient(srv.URL, srv.Client(), guard, DetailLimits{RatePerSec: 20, Burst: 20}, newTestLogger(&buf), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 800*time.Millisecond)
	defer cancel()

	var (
		wg      sync.WaitGroup
		results [2][]model.Item
		errs    [2]error
	)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.FetchItems(ctx, "ghp_test")
		}()
	}
	wg.Wait()

	for i := range 2 {
		if errs[i] != nil {
			t.Fatalf("FetchItems[%d] returned error: %v", i, errs[i])
		}
		if got := countComments(results[i]); got != 20 {
			t.Errorf("FetchItems[%d]: items with comment = %d, want 20", i, got)
		}
	}
}

// レート制限の待機が期限を超える通知はコメントなしに縮退し、件数がログに残ることを検証する
func TestClient_FetchItems_DetailDeadlineIsLogged(t *testing.T) {
	srv := manyNotifications(t, 5)
	var buf bytes.Buffer
	guard := &fakeGuard{client: srv.Client()}
	c := NewClient(srv.URL, srv.Client(), guard, DetailLimits{RatePerSec: 0.5, Burst: 1}, newTestLogger(&buf), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	items, err := c.FetchItems(ctx, "ghp_test")
	if err != nil {
		t.Fatalf("FetchItems returned error: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("len(items) = %d, want 5", len(items))
	}
	if got := countComments(items); got != 1 {
		t.Errorf("items with comment = %d, want 1", got)
	}
	logs := buf.String()
	if !strings.Contains(logs, "期限内に最新コメントを取得できなかった通知があります") {
		t.Errorf("expected degradation warning, got logs: %s", logs)
	}
	if !strings.Contains(logs, `"skipped":4`) {
		t.Errorf("expected skipped=4 in logs: %s", logs)
	}
}

// RatePerSecが0以下の場合は詳細取得を制限しないことを検証する
func TestDetailLimits_NonPositiveRateIsUnlimited(t *testing.T) {
	l := DetailLimits{}.newLimiter()
	if l.Limit() != rate.Inf {
		t.Errorf("Limit = %v, want Inf", l.Limit())
	}
	l = DetailLimits{RatePerSec: 2}.newLimiter()
	if l.Burst() != 1 {
		t.Errorf("Burst = %d, want 1", l.Burst())
	}
}

func TestClient_FetchItems_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantAuth bool
	}{
		{"401は認証エラー", http.StatusUnauthorized, `{"message":"Bad credentials"}`, true},
		{"403は転送エラー", http.StatusForbidden, `{}`, false},
		{"500は転送エラー", http.StatusInternalServerError, ``, false},
		{"不正なJSONは転送エラー", http.StatusOK, `{not json`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := newTestClient(t, srv, &fakeGuard{})
			_, err := c.FetchItems(context.Background(), "ghp_test")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := model.IsAuthenticationError(err); got != tt.wantAuth {
				t.Errorf("IsAuthenticationError = %v, want %v (err=%v)", got, tt.wantAuth, err)
			}
			if got := model.IsTransportError(err); got == tt.wantAuth {
				t.Errorf("IsTransportError = %v, want %v (err=%v)", got, !tt.wantAuth, err)
			}
		})
	}
}

func TestClient_FetchItems_EmptyCredential(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeGuard{})
	if _, err := c.FetchItems(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty credential")
	}
	if called {
		t.Error("no request should be made for empty credential")
	}
}

// タイムアウトは転送エラーとして扱われることを検証する
func TestClient_FetchItems_TimeoutIsTransportError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv, &fakeGuard{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.FetchItems(ctx, "ghp_test")
	if !model.IsTransportError(err) {
		t.Errorf("err = %v, want TransportError", err)
	}
}

func TestClient_CheckToken(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		want    bool
		wantErr bool
	}{
		{"200は有効", http.StatusOK, true, false},
		{"401は無効", http.StatusUnauthorized, false, false},
		{"403は無効", http.StatusForbidden, false, false},
		{"502はエラー", http.StatusBadGateway, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, `[]`)
			}))
			defer srv.Close()

			c := newTestClient(t, srv, &fakeGuard{})
			got, err := c.CheckToken(context.Background(), "ghp_test")
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckToken err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("CheckToken = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClient_UnsubscribeThread(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path+" "+string(body))
		mu.Unlock()
		switch r.Method {
		case http.MethodPatch:
			w.WriteHeader(http.StatusResetContent)
		case http.MethodPut:
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, `{"ignored": true}`)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeGuard{})
	if err := c.UnsubscribeThread(context.Background(), "ghp_test", srv.URL+"/notifications/threads/1"); err != nil {
		t.Fatalf("UnsubscribeThread returned error: %v", err)
	}

	want := []string{
		"PATCH /notifications/threads/1 ",
		`PUT /notifications/threads/1/subscription {"ignored":true}`,
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

// 既読化に失敗した場合は購読解除を行わないことを検証する
func TestClient_UnsubscribeThread_PatchFailureStops(t *testing.T) {
	var puts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			puts++
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeGuard{})
	if err := c.UnsubscribeThread(context.Background(), "ghp_test", srv.URL+"/notifications/threads/1"); err == nil {
		t.Fatal("expected error")
	}
	if puts != 0 {
		t.Errorf("PUT calls = %d, want 0", puts)
	}
}

// APIホスト外のスレッドURLにはトークンを送らないことを検証する
func TestClient_UnsubscribeThread_RejectsForeignHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made")
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeGuard{})
	for _, u := range []string{
		"https://evil.example.com/notifications/threads/1",
		srv.URL + "/repos/o/r",
		"::not a url",
	} {
		if err := c.UnsubscribeThread(context.Background(), "ghp_test", u); err == nil {
			t.Errorf("UnsubscribeThread(%q) expected error", u)
		}
	}
}

func TestHTMLURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://api.github.com/repos/octokit/octokit.rb/issues/123", "https://github.com/octokit/octokit.rb/issues/123"},
		{"https://api.github.com/repos/o/r/pulls/5", "https://github.com/o/r/pull/5"},
		{"https://api.github.com/repos/o/r/commits/abc123", "https://github.com/o/r/commit/abc123"},
		{"https://api.github.com/repos/o/my-api.client/pulls/1", "https://github.com/o/my-api.client/pull/1"},
		{"https://ghe.example.com/api/v3/repos/o/r/pulls/2", "https://ghe.example.com/o/r/pull/2"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := HTMLURL(tt.in); got != tt.want {
			t.Errorf("HTMLURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
