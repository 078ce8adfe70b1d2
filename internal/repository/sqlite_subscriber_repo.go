package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/ghnotify/internal/model"
)

// SQLiteSubscriberRepo はSQLiteを使用した購読者リポジトリ。
// 書き込みはmuでシリアライズする。日時はRFC 3339のTEXTで保存する。
type SQLiteSubscriberRepo struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

var _ SubscriberRepository = (*SQLiteSubscriberRepo)(nil)

// NewSQLiteSubscriberRepo はSQLiteSubscriberRepoを生成する。
func NewSQLiteSubscriberRepo(db *sql.DB) *SQLiteSubscriberRepo {
	return &SQLiteSubscriberRepo{db: db, now: time.Now}
}

const sqliteSelectSubscriber = `SELECT id, username, credential, config, last_snapshot, created_at, updated_at
	 FROM subscribers`

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// scanSQLiteRow は1行を読み取り、TEXTの日時をtime.Timeへ変換する。
func scanSQLiteRow(scan func(dest ...any) error) (subscriberRow, error) {
	var (
		row              subscriberRow
		created, updated string
	)
	if err := scan(&row.id, &row.username, &row.credential, &row.config, &row.snapshot, &created, &updated); err != nil {
		return row, err
	}
	var err error
	if row.createdAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return row, &model.StoreError{Op: "decode " + row.id, Err: fmt.Errorf("%w: created_at: %v", ErrCorruptedRecord, err)}
	}
	if row.updatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return row, &model.StoreError{Op: "decode " + row.id, Err: fmt.Errorf("%w: updated_at: %v", ErrCorruptedRecord, err)}
	}
	return row, nil
}

// List は全購読者を作成日時順に返す。
func (r *SQLiteSubscriberRepo) List(ctx context.Context) ([]*model.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx, sqliteSelectSubscriber+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, &model.StoreError{Op: "list", Err: fmt.Errorf("購読者一覧の取得に失敗しました: %w", err)}
	}
	defer rows.Close()

	var (
		subs    []*model.Subscriber
		decErrs []error
	)
	for rows.Next() {
		row, err := scanSQLiteRow(rows.Scan)
		if err != nil {
			if errors.Is(err, ErrCorruptedRecord) {
				decErrs = append(decErrs, err)
				continue
			}
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
func (r *SQLiteSubscriberRepo) FindByID(ctx context.Context, id string) (*model.Subscriber, error) {
	row, err := scanSQLiteRow(r.db.QueryRowContext(ctx, sqliteSelectSubscriber+` WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSubscriberNotFound
	}
	if errors.Is(err, ErrCorruptedRecord) {
		return nil, err
	}
	if err != nil {
		return nil, &model.StoreError{Op: "find", Err: fmt.Errorf("購読者の取得に失敗しました: %w", err)}
	}
	return row.toModel()
}

// Save は購読者レコード全体をUPSERTする。
func (r *SQLiteSubscriberRepo) Save(ctx context.Context, sub *model.Subscriber) error {
	enc, err := encodeSubscriber(sub)
	if err != nil {
		return &model.StoreError{Op: "save", Err: err}
	}
	created, _ := timestamps(sub, r.now())

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO subscribers (id, username, credential, config, last_snapshot, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   username = excluded.username,
		   credential = excluded.credential,
		   config = excluded.config,
		   last_snapshot = excluded.last_snapshot,
		   updated_at = excluded.updated_at`,
		sub.ID, sub.Username, sub.Credential, enc.config, enc.snapshot,
		formatSQLiteTime(created), formatSQLiteTime(r.now()),
	)
	if err != nil {
		return &model.StoreError{Op: "save", Err: fmt.Errorf("購読者の保存に失敗しました: %w", err)}
	}
	return nil
}

// SaveConfig は設定とupdated_atのみを更新する。
func (r *SQLiteSubscriberRepo) SaveConfig(ctx context.Context, id string, cfg model.SubscriberConfig) error {
	enc, err := encodeConfig(cfg)
	if err != nil {
		return &model.StoreError{Op: "save_config", Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.ExecContext(ctx,
		`UPDATE subscribers SET config = ?, updated_at = ? WHERE id = ?`,
		enc, formatSQLiteTime(r.now()), id,
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
func (r *SQLiteSubscriberRepo) SaveAll(ctx context.Context, subs []*model.Subscriber) error {
	if len(subs) == 0 {
		return nil
	}

	// トランザクション外でエンコードを済ませる
	snaps := make([]string, len(subs))
	for i, sub := range subs {
		snap, err := encodeSnapshot(sub.LastSnapshot)
		if err != nil {
			return &model.StoreError{Op: "save_all", Err: err}
		}
		snaps[i] = snap
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &model.StoreError{Op: "save_all", Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer tx.Rollback()

	now := formatSQLiteTime(r.now())
	for i, sub := range subs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscribers SET last_snapshot = ?, updated_at = ? WHERE id = ?`,
			snaps[i], now, sub.ID,
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
func (r *SQLiteSubscriberRepo) Create(ctx context.Context, sub *model.Subscriber) (bool, error) {
	enc, err := encodeSubscriber(sub)
	if err != nil {
		return false, &model.StoreError{Op: "create", Err: err}
	}
	created, updated := timestamps(sub, r.now())

	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscribers (id, username, credential, config, last_snapshot, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Username, sub.Credential, enc.config, enc.snapshot,
		formatSQLiteTime(created), formatSQLiteTime(updated),
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
func (r *SQLiteSubscriberRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM subscribers WHERE id = ?`, id); err != nil {
		return &model.StoreError{Op: "delete", Err: fmt.Errorf("購読者の削除に失敗しました: %w", err)}
	}
	return nil
}
