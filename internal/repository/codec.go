package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/ghnotify/internal/model"
)

// ErrCorruptedRecord は保存済みレコードをデコードできない場合のエラー。
var ErrCorruptedRecord = errors.New("破損したレコード")

// configRecord はconfigカラムのJSON表現。
type configRecord struct {
	Frequency *float64 `json:"frequency,omitempty"`
}

// itemRecord はlast_snapshotカラムに保存する1件分のJSON表現。
type itemRecord struct {
	ID            string         `json:"id"`
	Repo          string         `json:"repo"`
	Title         string         `json:"title"`
	Reason        string         `json:"reason"`
	URL           string         `json:"url"`
	ThreadURL     string         `json:"thread_url,omitempty"`
	LatestComment *subItemRecord `json:"latest_comment,omitempty"`
	UpdatedAt     *time.Time     `json:"updated_at,omitempty"`
}

type subItemRecord struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	Author    string `json:"author"`
	Permalink string `json:"permalink"`
}

func encodeConfig(cfg model.SubscriberConfig) (string, error) {
	b, err := json.Marshal(configRecord{Frequency: cfg.Frequency})
	if err != nil {
		return "", fmt.Errorf("設定のエンコードに失敗しました: %w", err)
	}
	return string(b), nil
}

func decodeConfig(data string) (model.SubscriberConfig, error) {
	if data == "" {
		return model.SubscriberConfig{}, nil
	}
	var rec configRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return model.SubscriberConfig{}, fmt.Errorf("%w: config: %v", ErrCorruptedRecord, err)
	}
	return model.SubscriberConfig{Frequency: rec.Frequency}, nil
}

func encodeSnapshot(items []model.Item) (string, error) {
	recs := make([]itemRecord, 0, len(items))
	for _, it := range items {
		rec := itemRecord{
			ID:        it.ID,
			Repo:      it.Repo,
			Title:     it.Title,
			Reason:    it.Reason,
			URL:       it.URL,
			ThreadURL: it.ThreadURL,
		}
		if it.UpdatedAt != nil {
			t := it.UpdatedAt.UTC()
			rec.UpdatedAt = &t
		}
		if c := it.LatestComment; c != nil {
			rec.LatestComment = &subItemRecord{ID: c.ID, Body: c.Body, Author: c.Author, Permalink: c.Permalink}
		}
		recs = append(recs, rec)
	}
	b, err := json.Marshal(recs)
	if err != nil {
		return "", fmt.Errorf("スナップショットのエンコードに失敗しました: %w", err)
	}
	return string(b), nil
}

func decodeSnapshot(data string) ([]model.Item, error) {
	if data == "" {
		return nil, nil
	}
	var recs []itemRecord
	if err := json.Unmarshal([]byte(data), &recs); err != nil {
		return nil, fmt.Errorf("%w: last_snapshot: %v", ErrCorruptedRecord, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	items := make([]model.Item, 0, len(recs))
	for _, rec := range recs {
		it := model.Item{
			ID:        rec.ID,
			Repo:      rec.Repo,
			Title:     rec.Title,
			Reason:    rec.Reason,
			URL:       rec.URL,
			ThreadURL: rec.ThreadURL,
			UpdatedAt: rec.UpdatedAt,
		}
		if c := rec.LatestComment; c != nil {
			it.LatestComment = &model.SubItem{ID: c.ID, Body: c.Body, Author: c.Author, Permalink: c.Permalink}
		}
		items = append(items, it)
	}
	return items, nil
}

// subscriberRow はsubscribersテーブルの1行を保持する。
// ドライバ差分のある日時はスキャン後にtime.Timeへ変換してから渡す。
type subscriberRow struct {
	id         string
	username   string
	credential string
	config     string
	snapshot   string
	createdAt  time.Time
	updatedAt  time.Time
}

// toModel は行をドメインモデルへ変換する。失敗時は*model.StoreErrorを返す。
func (r subscriberRow) toModel() (*model.Subscriber, error) {
	cfg, err := decodeConfig(r.config)
	if err != nil {
		return nil, &model.StoreError{Op: "decode " + r.id, Err: err}
	}
	snapshot, err := decodeSnapshot(r.snapshot)
	if err != nil {
		return nil, &model.StoreError{Op: "decode " + r.id, Err: err}
	}
	return &model.Subscriber{
		ID:           r.id,
		Username:     r.username,
		Credential:   r.credential,
		Config:       cfg,
		LastSnapshot: snapshot,
		CreatedAt:    r.createdAt,
		UpdatedAt:    r.updatedAt,
	}, nil
}

// encodedSubscriber はINSERT/UPDATE用にエンコード済みのカラム値。
type encodedSubscriber struct {
	config   string
	snapshot string
}

func encodeSubscriber(sub *model.Subscriber) (encodedSubscriber, error) {
	cfg, err := encodeConfig(sub.Config)
	if err != nil {
		return encodedSubscriber{}, err
	}
	snap, err := encodeSnapshot(sub.LastSnapshot)
	if err != nil {
		return encodedSubscriber{}, err
	}
	return encodedSubscriber{config: cfg, snapshot: snap}, nil
}

// timestamps は作成・更新日時を決定する。ゼロ値の場合はnowを使用する。
func timestamps(sub *model.Subscriber, now time.Time) (created, updated time.Time) {
	created, updated = sub.CreatedAt, sub.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}
	return created.UTC(), updated.UTC()
}
