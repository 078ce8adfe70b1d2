// Package subscriber は購読コマンドのドメインロジックを提供する。
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/hitoshi/ghnotify/internal/model"
	"github.com/hitoshi/ghnotify/internal/repository"
)

// ReactionUnsubscribed はスレッドの購読解除後にメッセージへ付けるリアクション。
const ReactionUnsubscribed = "zipper_mouth_face"

// configKeyFrequency は設定コマンドで受け付ける唯一のキー。
const configKeyFrequency = "frequency"

// ProviderClient はトークン検証とスレッド購読解除を行うフィードプロバイダーのインターフェース。
type ProviderClient interface {
	CheckToken(ctx context.Context, token string) (bool, error)
	UnsubscribeThread(ctx context.Context, token, threadURL string) error
}

// MessageEditor は配信済みメッセージを編集するインターフェース。
type MessageEditor interface {
	UpdateMessage(ctx context.Context, channel, ts string, blocks []json.RawMessage) (string, error)
	AddReaction(ctx context.Context, channel, ts, name string) error
}

// Service は購読管理のサービス層。
// 購読登録、設定変更、購読解除、スレッド単位の購読解除を提供する。
type Service struct {
	repo     repository.SubscriberRepository
	provider ProviderClient
	editor   MessageEditor
	logger   *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repo repository.SubscriberRepository,
	provider ProviderClient,
	editor MessageEditor,
	logger *slog.Logger,
) *Service {
	return &Service{
		repo:     repo,
		provider: provider,
		editor:   editor,
		logger:   logger,
	}
}

// Subscribe はトークンを検証してから購読者を登録する。
// 既に登録済みの場合は何もせずfalseを返す。
func (s *Service) Subscribe(ctx context.Context, userID, username, token string) (bool, error) {
	ok, err := s.provider.CheckToken(ctx, token)
	if err != nil {
		return false, fmt.Errorf("トークンの検証に失敗しました: %w", err)
	}
	if !ok {
		return false, model.NewInvalidTokenError()
	}

	created, err := s.repo.Create(ctx, &model.Subscriber{
		ID:         userID,
		Username:   username,
		Credential: token,
	})
	if err != nil {
		return false, fmt.Errorf("購読者の登録に失敗しました: %w", err)
	}

	if created {
		s.logger.Info("購読者を登録しました", slog.String("subscriber_id", userID))
	}
	return created, nil
}

// Configure は空白区切りのkey/valueを解析し、既存の設定にマージして保存する。
func (s *Service) Configure(ctx context.Context, userID, text string) (model.SubscriberConfig, error) {
	update, err := ParseConfig(text)
	if err != nil {
		return model.SubscriberConfig{}, err
	}

	sub, err := s.repo.FindByID(ctx, userID)
	switch {
	case errors.Is(err, model.ErrSubscriberNotFound):
		return model.SubscriberConfig{}, model.NewNotSubscribedError()
	case errors.Is(err, repository.ErrCorruptedRecord):
		s.logger.Error("購読者データが破損しています",
			slog.String("subscriber_id", userID),
			slog.String("error", err.Error()),
		)
		return model.SubscriberConfig{}, model.NewCorruptedDataError()
	case err != nil:
		return model.SubscriberConfig{}, fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}

	merged := sub.Config
	if update.Frequency != nil {
		merged.Frequency = update.Frequency
	}
	if err := merged.Validate(); err != nil {
		return model.SubscriberConfig{}, model.NewInvalidConfigValueError(configKeyFrequency, err.Error())
	}

	// スナップショットはポーリングサイクルが所有するため、設定のみを書き込む
	if err := s.repo.SaveConfig(ctx, userID, merged); err != nil {
		if errors.Is(err, model.ErrSubscriberNotFound) {
			return model.SubscriberConfig{}, model.NewNotSubscribedError()
		}
		return model.SubscriberConfig{}, fmt.Errorf("設定の保存に失敗しました: %w", err)
	}

	s.logger.Info("購読者の設定を更新しました", slog.String("subscriber_id", userID))
	return merged, nil
}

// ParseConfig は "key value key value ..." 形式の文字列を設定に変換する。
// 未知のキーや解析できない値はユーザー向けのAPIErrorを返す。
func ParseConfig(text string) (model.SubscriberConfig, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 || len(fields)%2 != 0 {
		return model.SubscriberConfig{}, model.NewMalformedConfigError()
	}

	var cfg model.SubscriberConfig
	for i := 0; i < len(fields); i += 2 {
		key, value := strings.ToLower(fields[i]), fields[i+1]
		switch key {
		case configKeyFrequency:
			f, err := strconv.ParseFloat(value, 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return model.SubscriberConfig{}, model.NewInvalidConfigValueError(key, "value must be a number")
			}
			cfg.Frequency = &f
		default:
			return model.SubscriberConfig{}, model.NewUnknownConfigKeyError(fields[i])
		}
	}

	if err := cfg.Validate(); err != nil {
		return model.SubscriberConfig{}, model.NewInvalidConfigValueError(configKeyFrequency, "value must be a positive number")
	}
	return cfg, nil
}

// Unsubscribe は購読者を削除する。未登録の場合もエラーにしない。
func (s *Service) Unsubscribe(ctx context.Context, userID string) error {
	if err := s.repo.Delete(ctx, userID); err != nil {
		return fmt.Errorf("購読者の削除に失敗しました: %w", err)
	}
	s.logger.Info("購読者を削除しました", slog.String("subscriber_id", userID))
	return nil
}

// UnsubscribeThread はスレッドの購読を解除し、通知メッセージからボタンを取り除く。
// blocksは元メッセージのブロックで、末尾のボタンブロックを除いて書き戻す。
func (s *Service) UnsubscribeThread(ctx context.Context, userID, threadURL, channel, ts string, blocks []json.RawMessage) error {
	sub, err := s.repo.FindByID(ctx, userID)
	switch {
	case errors.Is(err, model.ErrSubscriberNotFound):
		return model.NewNotSubscribedError()
	case errors.Is(err, repository.ErrCorruptedRecord):
		return model.NewCorruptedDataError()
	case err != nil:
		return fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}

	logger := s.logger.With(
		slog.String("subscriber_id", userID),
		slog.String("thread_url", threadURL),
	)

	if err := s.provider.UnsubscribeThread(ctx, sub.Credential, threadURL); err != nil {
		logger.Error("スレッドの購読解除に失敗しました", slog.String("error", err.Error()))
		return model.NewThreadUnsubscribeError()
	}

	if len(blocks) > 0 {
		blocks = blocks[:len(blocks)-1]
	}
	newTS, err := s.editor.UpdateMessage(ctx, channel, ts, blocks)
	if err != nil {
		logger.Error("メッセージの更新に失敗しました", slog.String("error", err.Error()))
		return model.NewThreadUnsubscribeError()
	}
	if newTS == "" {
		newTS = ts
	}

	if err := s.editor.AddReaction(ctx, channel, newTS, ReactionUnsubscribed); err != nil {
		// 購読解除自体は完了しているのでログのみ
		logger.Warn("リアクションの追加に失敗しました", slog.String("error", err.Error()))
	}

	logger.Info("スレッドの購読を解除しました")
	return nil
}
