// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/ghnotify/internal/model"
)

// SubscriberRepository は購読者データの永続化インターフェース。
type SubscriberRepository interface {
	// List は全購読者を返す。
	// デコードできないレコードはスキップし、*model.StoreError を結合したエラーとして
	// 有効な購読者と一緒に返す。クエリ自体の失敗時は購読者はnilになる。
	List(ctx context.Context) ([]*model.Subscriber, error)

	// FindByID は指定IDの購読者を取得する。見つからない場合はmodel.ErrSubscriberNotFoundを返す。
	FindByID(ctx context.Context, id string) (*model.Subscriber, error)

	// Save は購読者レコード全体をUPSERTする。
	Save(ctx context.Context, sub *model.Subscriber) error

	// SaveConfig は設定のみを更新する。last_snapshotには触れないため、
	// ポーリングサイクルのコミットと競合しても配信済みのスナップショットを巻き戻さない。
	// 存在しない場合はmodel.ErrSubscriberNotFoundを返す。
	SaveConfig(ctx context.Context, id string, cfg model.SubscriberConfig) error

	// SaveAll はポーリング結果のスナップショットを1トランザクションで書き込む。
	// 更新するのはlast_snapshotとupdated_atのみで、存在しない行は作成しない。
	SaveAll(ctx context.Context, subs []*model.Subscriber) error

	// Create は購読者を作成する。既に存在する場合は何もせずfalseを返す。
	Create(ctx context.Context, sub *model.Subscriber) (bool, error)

	// Delete は指定IDの購読者を削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, id string) error
}
