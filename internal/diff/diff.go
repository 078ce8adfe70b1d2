// Package diff は前回スナップショットと最新スナップショットの差分から配信イベントを生成する。
package diff

import (
	"sort"
	"strconv"

	"github.com/hitoshi/ghnotify/internal/model"
)

// Compute はoldとnewを比較し、配信すべきイベントを順序付きで返す。
//
//   - newにのみ存在するID: EventNew
//   - 両方に存在し(ID, UpdatedAt)が異なる: EventUpdated
//   - 両方に存在し等しい: イベントなし
//   - oldにのみ存在するID: 削除イベントは出さない
//
// イベントはUpdatedAtの昇順（古い順）に並ぶ。UpdatedAtがない通知は最も古いものとして扱い、
// 同時刻の場合はIDの昇順で並べる。同じ(old, new)に対して常に同じ結果を返す。
func Compute(subscriberID string, old, new []model.Item) []model.DeliveryEvent {
	previous := index(old)
	current := index(new)

	var events []model.DeliveryEvent
	for id, item := range current {
		prev, ok := previous[id]
		switch {
		case !ok:
			events = append(events, model.DeliveryEvent{SubscriberID: subscriberID, Item: item, Kind: model.EventNew})
		case !prev.Equal(item):
			events = append(events, model.DeliveryEvent{SubscriberID: subscriberID, Item: item, Kind: model.EventUpdated})
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return Less(events[i].Item, events[j].Item)
	})
	return events
}

// index はIDをキーにしたマップを構築する。
// 同じIDが複数ある場合はUpdatedAtが最も新しいものを残す。
func index(items []model.Item) map[string]model.Item {
	m := make(map[string]model.Item, len(items))
	for _, item := range items {
		if existing, ok := m[item.ID]; ok && !newer(item, existing) {
			continue
		}
		m[item.ID] = item
	}
	return m
}

// newer はaがbより新しい場合にtrueを返す。
func newer(a, b model.Item) bool {
	if a.UpdatedAt == nil {
		return false
	}
	if b.UpdatedAt == nil {
		return true
	}
	return a.UpdatedAt.After(*b.UpdatedAt)
}

// Less は配信順序を定義する全順序。
// UpdatedAtの昇順（nilは最古）、同時刻はIDの昇順。
func Less(a, b model.Item) bool {
	switch {
	case a.UpdatedAt == nil && b.UpdatedAt != nil:
		return true
	case a.UpdatedAt != nil && b.UpdatedAt == nil:
		return false
	case a.UpdatedAt != nil && b.UpdatedAt != nil && !a.UpdatedAt.Equal(*b.UpdatedAt):
		return a.UpdatedAt.Before(*b.UpdatedAt)
	}
	return lessID(a.ID, b.ID)
}

// lessID はIDを比較する。数字のみのIDは数値として比較し、
// 数字以外を含むIDより前に並べる。それ以外は辞書順。
func lessID(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		if na != nb {
			return na < nb
		}
		return a < b // "01" と "1"
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}
