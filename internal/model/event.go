package model

// EventKind は配信イベントの種別を表す。
type EventKind string

const (
	// EventNew は前回のスナップショットに存在しなかった通知。
	EventNew EventKind = "new"
	// EventUpdated は前回から(ID, UpdatedAt)が変化した通知。
	EventUpdated EventKind = "updated"
)

// DeliveryEvent は「この通知の新規/更新を購読者に伝える」単位。
// Diff Engineが生成しNotifierが消費する。永続化はしない。
type DeliveryEvent struct {
	SubscriberID string
	Item         Item
	Kind         EventKind
}
