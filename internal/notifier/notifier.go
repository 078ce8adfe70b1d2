// Package notifier は配信イベントをSlackのDMとして送信する。
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/ghnotify/internal/model"
	"github.com/hitoshi/ghnotify/internal/security"
	"github.com/hitoshi/ghnotify/internal/slack"
)

// CallbackUnsubscribeThread は「スレッドの購読解除」ボタンのコールバック名。
const CallbackUnsubscribeThread = "unsubscribe_from_thread"

// UnsubscribeBlockID は購読解除ボタンを含むactionsブロックのID。
const UnsubscribeBlockID = "unsubscribe-block"

// MessageSink はメッセージ送信先のインターフェース。
type MessageSink interface {
	PostMessage(ctx context.Context, msg slack.Message) (string, error)
}

// Notifier は1件の配信イベントを購読者へ送信する。
// 送信先クライアントとサニタイザー以外の状態を持たないため、並行に呼び出してよい。
type Notifier struct {
	sink      MessageSink
	sanitizer security.ContentSanitizerService
	logger    *slog.Logger
}

// New はNotifierの新しいインスタンスを生成する。
func New(sink MessageSink, sanitizer security.ContentSanitizerService, logger *slog.Logger) *Notifier {
	return &Notifier{sink: sink, sanitizer: sanitizer, logger: logger}
}

// Deliver はイベントを描画して subscriberID 宛てに送信する。
// 再送は行わない。送信失敗やタイムアウトは*model.DeliveryErrorとして返す。
func (n *Notifier) Deliver(ctx context.Context, subscriberID string, ev model.DeliveryEvent) error {
	msg := n.Render(subscriberID, ev)
	if _, err := n.sink.PostMessage(ctx, msg); err != nil {
		return &model.DeliveryError{SubscriberID: subscriberID, ItemID: ev.Item.ID, Err: err}
	}
	n.logger.Debug("通知を送信しました",
		slog.String("subscriber_id", subscriberID),
		slog.String("item_id", ev.Item.ID),
		slog.String("kind", string(ev.Kind)),
	)
	return nil
}

// Render はイベントをBlock Kitのメッセージに変換する。
func (n *Notifier) Render(subscriberID string, ev model.DeliveryEvent) slack.Message {
	item := ev.Item
	updated := ev.Kind == model.EventUpdated

	header := "New notification"
	text := "New notification for " + item.Title
	if updated {
		header = "Updated notification"
		text = "Update on " + item.Title
	}

	link := item.URL
	if c := item.LatestComment; c != nil && c.Permalink != "" {
		link = c.Permalink
	}

	blocks := []slack.Block{
		{Type: "header", Text: slack.PlainText(header)},
		{Type: "section", Text: slack.Markdown(fmt.Sprintf("*<%s|%s>*", link, escapeLinkText(item.Title)))},
		{Type: "section", Fields: []slack.TextObject{
			*slack.Markdown("*Reason:* " + strings.ReplaceAll(item.Reason, "_", " ")),
		}},
	}

	if c := item.LatestComment; c != nil && c.Permalink != item.URL {
		blocks = append(blocks,
			slack.Block{Type: "section", Fields: []slack.TextObject{
				*slack.Markdown(fmt.Sprintf("_*@%s* commented:_", c.Author)),
			}},
		)
		if body := n.sanitizer.Sanitize(c.Body, security.SlackSectionLimit); body != "" {
			blocks = append(blocks, slack.Block{Type: "section", Text: slack.Markdown(body)})
		}
	}

	if item.ThreadURL != "" {
		blocks = append(blocks, slack.Block{
			Type:    "actions",
			BlockID: UnsubscribeBlockID,
			Elements: []slack.Element{{
				Type:     "button",
				Text:     &slack.TextObject{Type: "plain_text", Text: "Unsubscribe", Emoji: true},
				Value:    slack.EncodeCallback(CallbackUnsubscribeThread, subscriberID, item.ThreadURL),
				ActionID: "unsubscribe-thread-action",
			}},
		})
	}

	return slack.Message{
		Channel:     subscriberID,
		Text:        text,
		Blocks:      blocks,
		Mrkdwn:      true,
		UnfurlLinks: false,
	}
}

var linkTextEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "|", "¦")

// escapeLinkText はリンクテキスト中のSlack制御文字をエスケープする。
// "|" や ">" を含むタイトルでリンク表記が壊れないようにする。
func escapeLinkText(s string) string {
	return linkTextEscaper.Replace(s)
}
