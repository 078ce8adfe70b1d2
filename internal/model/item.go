// Package model はドメインモデルを定義する。
package model

import "time"

// Item は購読者のフィードに含まれる1件の通知を表す。
// IDは購読者のフィード内でのみ一意であり、グローバルには一意ではない。
type Item struct {
	ID            string
	Repo          string
	Title         string
	Reason        string
	URL           string     // ブラウザで開くためのURL
	ThreadURL     string     // スレッド操作用のAPI URL
	LatestComment *SubItem   // 取得に失敗した場合はnil
	UpdatedAt     *time.Time // フィード上で同一IDに対して単調増加する
}

// Equal は2つのItemが同一の状態かを判定する。
// 同一性は(ID, UpdatedAt)の組で定義される。
// IDが同じでUpdatedAtが異なる場合は「同じ通知の更新」であり、等しくない。
// UpdatedAtが両方nilの場合は等しく、片方のみnilの場合は等しくない。
func (i Item) Equal(other Item) bool {
	if i.ID != other.ID {
		return false
	}
	switch {
	case i.UpdatedAt == nil && other.UpdatedAt == nil:
		return true
	case i.UpdatedAt == nil || other.UpdatedAt == nil:
		return false
	default:
		return i.UpdatedAt.Equal(*other.UpdatedAt)
	}
}

// SubItem は通知に付随する最新コメントを表す。取得時にItemへ添付され、以後変更されない。
type SubItem struct {
	ID        string
	Body      string
	Author    string
	Permalink string
}
