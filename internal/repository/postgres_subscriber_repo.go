package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/ghnotify/internal/model"
)

// PostgresSubscriberRepo はPostgreSQLを使用した購読者リポジトリ。
// configとlast_snapshotはJSONBカラムに保存する。
type PostgresSubscriberRepo struct {
	db  *sql.DB
	now func() time.Time
}

// コンパイル時にインターフェースの実装を検証する。
var _ SubscriberRepository = (*PostgresSubscriberRepo)(nil)

// NewPostgresSubscriberRepo はPostgresSubscriberRepoを生成する。
func NewPostgresSubscriberRepo(db *sql.DB) *PostgresSubscriberRepo {
	return &PostgresSubscriberRepo{db: db, now: time.Now}
}

const postgresSelectSubscriber = `SELECT id, username, credential, config::text, last_snapshot::text, created_at, updated_at
	 FROM subscribers`

// List は全購読者を作成日時順に返す。
func (r *PostgresSubscriberRepo) List(ctx context.Context) ([]*model.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx, postgresSelectSubscriber+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, &model.StoreError{Op: "list", Err: fmt.Errorf("購読者一覧の取得に失敗しました: %w", err)}
	}
	defer rows.Close()

	var (
		subs    []*model.Subscriber
		decErrs []error
	)
	for rows.Next() {
		var row subscriberRow
		if err := rows.Scan(&row.id, &row.username, &row.credential, &row.config, &row.snapshot, &row.createdAt, &row.updatedAt); err != nil {
			return nil, &model.StoreError{Op: "list", Err: fmt.Errorf("購読者行の読み取りに失敗しました: %w", err)}
		}
		sub, err := row.toModel()
		if err != nil {
			decErrs = append(decErrs, err)
			continue
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StoreError{Op: "list", Err: fmt.Errorf("購読者一覧の走査に失敗しました: %w", err)}
	}
	return subs, errors.Join(decErrs...)
}

// FindByID は指定IDの購読者を取得する。
func (r *PostgresSubscriberRepo) FindByID(ctx context.Context, id string) (*model.Subscriber, error) {
	var row subscriberRow
	err := r.db.QueryRowContext(ctx, postgresSelectSubscriber+` WHERE id = $1`, id).
		Scan(&row.id, &row.username, &row.credential, &row.config, &row.snapshot, &row.createdAt, &row.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSubscriberNotFound
	}
	if err != nil {
		return nil, &model.StoreError{Op: "find", Err: fmt.Errorf("購読者の取得に失敗しました: %w", err)}
	}
	return row.toModel()
}

// Save は購読者レコード全体をUPSERTする。
func (r *PostgresSubscriberRepo) Save(ctx context.Context, sub *model.Subscriber) error {
	enc, err := encodeSubscriber(sub)
	if err != nil {
		return &model.StoreError{Op: "save", Err: err}
	}
	created, _ := timestamps(sub, r.now())
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO subscribers (id, username, credential, config, last_snapshot, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   username = EXCLUDED.username,
		   credential = EXCLUDED.credential,
		   config = EXCLUDED.config,
		   last_snapshot = EXCLUDED.last_snapshot,
		   updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.Username, sub.Credential, enc.config, enc.snapshot, created, r.now().UTC(),
	)
	if err != nil {
		return &model.StoreError{Op: "save", Err: fmt.Errorf("購読者の保存に失敗しました: %w", err)}
	}
	return nil
}

// SaveConfig は設定とupdated_atのみを更新する。
func (r *PostgresSubscriberRepo) SaveConfig(ctx context.Context, id string, cfg model.SubscriberConfig) error {
	enc, err := encodeConfig(cfg)
	if err != nil {
		return &model.StoreError{Op: "save_config", Err: err}
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscribers SET config = $2::jsonb, updated_at = $3 WHERE id = $1`,
		id, enc, r.now().UTC(),
	)
	if err != nil {
		return &model.StoreError{Op: "save_config", Err: fmt.Errorf("設定の更新に失敗しました: %w", err)}
	}
	n, err := result.RowsAffected()
	if err != nil {
		return &model.StoreError{Op: "save_config", Err: fmt.Errorf("failed to get rows affected: %w", err)}
	}
	if n == 0 {
		return model.ErrSubscriberNotFound
	}
	return nil
}

// SaveAll はスナップショットを1トランザクションで更新する。
// 購読解除済みの行は復活させず、設定も上書きしない。
func (r *PostgresSubscriberRepo) SaveAll(ctx context.Context, subs []*model.Subscriber) error {
	if len(subs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &model.StoreError{Op: "save_all", Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer tx.Rollback()

	now := r.now().UTC()
	for _, sub := range subs {
		snap, err := encodeSnapshot(sub.LastSnapshot)
		if err != nil {
			return &model.StoreError{Op: "save_all", Err: err}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscribers SET last_snapshot = $2::jsonb, updated_at = $3 WHERE id = $1`,
			sub.ID, snap, now,
		); err != nil {
			return &model.StoreError{Op: "save_all", Err: fmt.Errorf("スナップショットの更新に失敗しました (id=%s): %w", sub.ID, err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return &model.StoreError{Op: "save_all", Err: fmt.Errorf("failed to commit transaction: %w", err)}
	}
	return nil
}

// Create は購読者を作成する。既に存在する場合は何もしない。
func (r *PostgresSubscriberRepo) Create(ctx context.Context, sub *model.Subscriber) (bool, error) {
	enc, err := encodeSubscriber(sub)
	if err != nil {
		return false, &model.StoreError{Op: "create", Err: err}
	}
	created, updated := timestamps(sub, r.now())
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO subscribers (id, username, credential, config, last_snapshot, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		sub.ID, sub.Username, sub.Credential, enc.config, enc.snapshot, created, updated,
	)
	if err != nil {
		return false, &model.StoreError{Op: "create", Err: fmt.Errorf("購読者の作成に失敗しました: %w", err)}
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, &model.StoreError{Op: "create", Err: fmt.Errorf("failed to get rows affected: %w", err)}
	}
	return n > 0, nil
}

// Delete は指定IDの購読者を削除する。
func (r *PostgresSubscriberRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM subscribers WHERE id = $1`, id); err != nil {
		return &model.StoreError{Op: "delete", Err: fmt.Errorf("購読者の削除に失敗しました: %w", err)}
	}
	return nil
}
