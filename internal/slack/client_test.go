package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// recordedRequest はテストサーバーが受け取ったリクエスト。
type recordedRequest struct {
	path string
	auth string
	body map[string]any
}

func newSlackServer(t *testing.T, respond func(path string) string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("リクエストボディがJSONではありません: %v", err)
		}
		reqs = append(reqs, recordedRequest{path: r.URL.Path, auth: r.Header.Get("Authorization"), body: body})
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, respond(r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestClient_PostMessage(t *testing.T) {
	srv, reqs := newSlackServer(t, func(string) string {
		return `{"ok": true, "channel": "D123", "ts": "1700000000.000100"}`
	})

	var buf bytes.Buffer
	c := NewClient(srv.Client(), newTestLogger(&buf), srv.URL, "xoxb-test")
	ts, err := c.PostMessage(context.Background(), Message{
		Channel: "U1",
		Text:    "New notification for Greetings",
		Blocks:  []Block{{Type: "header", Text: PlainText("New notification")}},
		Mrkdwn:  true,
	})
	if err != nil {
		t.Fatalf("PostMessage returned error: %v", err)
	}
	if ts != "1700000000.000100" {
		t.Errorf("ts = %q", ts)
	}

	got := (*reqs)[0]
	if got.path != "/chat.postMessage" {
		t.Errorf("path = %q", got.path)
	}
	if got.auth != "Bearer xoxb-test" {
		t.Errorf("Authorization = %q", got.auth)
	}
	if got.body["channel"] != "U1" || got.body["unfurl_links"] != false {
		t.Errorf("body = %v", got.body)
	}
	blocks, ok := got.body["blocks"].([]any)
	if !ok || len(blocks) != 1 {
		t.Fatalf("blocks = %v", got.body["blocks"])
	}
}

func TestClient_PostMessage_NotOK(t *testing.T) {
	srv, _ := newSlackServer(t, func(string) string {
		return `{"ok": false, "error": "channel_not_found"}`
	})

	var buf bytes.Buffer
	c := NewClient(srv.Client(), newTestLogger(&buf), srv.URL, "xoxb-test")
	_, err := c.PostMessage(context.Background(), Message{Channel: "U1", Text: "x"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != "channel_not_found" || apiErr.Method != "chat.postMessage" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestClient_PostMessage_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	c := NewClient(srv.Client(), newTestLogger(&buf), srv.URL, "xoxb-test")
	if _, err := c.PostMessage(context.Background(), Message{Channel: "U1"}); err == nil {
		t.Fatal("expected error for 429")
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"retry_after":"30"`)) {
		t.Errorf("log should contain retry_after, got %s", buf.String())
	}
}

func TestClient_UpdateMessage_SendsRawBlocks(t *testing.T) {
	srv, reqs := newSlackServer(t, func(string) string {
		return `{"ok": true, "ts": "2.0"}`
	})

	var buf bytes.Buffer
	c := NewClient(srv.Client(), newTestLogger(&buf), srv.URL, "xoxb-test")
	ts, err := c.UpdateMessage(context.Background(), "D1", "1.0", []json.RawMessage{
		json.RawMessage(`{"type":"header","text":{"type":"plain_text","text":"New notification"}}`),
	})
	if err != nil {
		t.Fatalf("UpdateMessage returned error: %v", err)
	}
	if ts != "2.0" {
		t.Errorf("ts = %q", ts)
	}
	got := (*reqs)[0]
	if got.path != "/chat.update" || got.body["ts"] != "1.0" || got.body["channel"] != "D1" {
		t.Errorf("request = %+v", got)
	}
}

func TestClient_AddReaction_AlreadyReactedIsOK(t *testing.T) {
	tests := []struct {
		name    string
		resp    string
		wantErr bool
	}{
		{"成功", `{"ok": true}`, false},
		{"already_reacted", `{"ok": false, "error": "already_reacted"}`, false},
		{"その他のエラー", `{"ok": false, "error": "invalid_name"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, reqs := newSlackServer(t, func(string) string { return tt.resp })
			var buf bytes.Buffer
			c := NewClient(srv.Client(), newTestLogger(&buf), srv.URL, "xoxb-test")

			err := c.AddReaction(context.Background(), "D1", "1.0", "zipper_mouth_face")
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if (*reqs)[0].body["name"] != "zipper_mouth_face" || (*reqs)[0].body["timestamp"] != "1.0" {
				t.Errorf("body = %v", (*reqs)[0].body)
			}
		})
	}
}

func TestCallbackRoundTrip(t *testing.T) {
	value := EncodeCallback("unsubscribe_from_thread", "U1", "https://api.github.com/notifications/threads/1")
	if value != "unsubscribe_from_thread::U1__https://api.github.com/notifications/threads/1" {
		t.Errorf("EncodeCallback = %q", value)
	}

	name, args, err := ParseCallback(value, 2)
	if err != nil {
		t.Fatalf("ParseCallback returned error: %v", err)
	}
	if name != "unsubscribe_from_thread" || args[0] != "U1" || args[1] != "https://api.github.com/notifications/threads/1" {
		t.Errorf("ParseCallback = %q %v", name, args)
	}

	// URLに区切り文字が含まれても最後の引数に残る
	_, args, err = ParseCallback("x::U1__https://h/a__b", 2)
	if err != nil || args[1] != "https://h/a__b" {
		t.Errorf("ParseCallback args = %v, err = %v", args, err)
	}

	for _, bad := range []string{"", "no-separator", "::U1__x", "name::only-one"} {
		if _, _, err := ParseCallback(bad, 2); err == nil {
			t.Errorf("ParseCallback(%q) expected error", bad)
		}
	}
}
