package model

import (
	"fmt"
	"math"
	"time"
)

// Subscriber は通知の購読者を表す。
// IDはSlackのユーザーIDであり、DMの宛先としても使用する。
type Subscriber struct {
	ID           string
	Username     string
	Credential   string // フィードプロバイダーのトークン。Feed Client以外では使用しない
	Config       SubscriberConfig
	LastSnapshot []Item // 最後に成功したポーリング時点の全通知
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SubscriberConfig は購読者ごとの設定を表す。
type SubscriberConfig struct {
	// Frequency はポーリング間隔（分）。nilの場合はデフォルトのティアに属する。
	Frequency *float64
}

// Validate は設定値が有効かを検証する。
func (c SubscriberConfig) Validate() error {
	if c.Frequency == nil {
		return nil
	}
	f := *c.Frequency
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("frequency は有限の数値で指定してください")
	}
	if f <= 0 {
		return fmt.Errorf("frequency は正の数で指定してください: %v", f)
	}
	return nil
}

// WithSnapshot はLastSnapshotを置き換えたコピーを返す。
// 元のSubscriberは変更しない。
func (s *Subscriber) WithSnapshot(items []Item) *Subscriber {
	updated := *s
	updated.LastSnapshot = items
	return &updated
}
