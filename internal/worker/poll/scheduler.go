// Package poll はティアごとのポーリングサイクルを実行するスケジューラを提供する。
// 購読者の通知を取得し、前回スナップショットとの差分を配信してから
// 新しいスナップショットを保存する。
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/ghnotify/internal/diff"
	"github.com/hitoshi/ghnotify/internal/metrics"
	"github.com/hitoshi/ghnotify/internal/model"
)

// ErrCycleInProgress は同じティアの前回サイクルが実行中のためスキップしたことを表す。
var ErrCycleInProgress = errors.New("前回のサイクルが実行中です")

// commitTimeout はサイクル終了時の保存に使うタイムアウト。
// シャットダウン中でも配信済みの結果を保存できるよう、親のキャンセルとは切り離す。
const commitTimeout = 30 * time.Second

// SubscriberStore はスケジューラが使用する購読者ストアのインターフェース。
type SubscriberStore interface {
	List(ctx context.Context) ([]*model.Subscriber, error)
	SaveAll(ctx context.Context, subs []*model.Subscriber) error
}

// FeedFetcher は購読者の通知一覧を取得するインターフェース。
type FeedFetcher interface {
	FetchItems(ctx context.Context, credential string) ([]model.Item, error)
}

// EventNotifier は配信イベントを1件送信するインターフェース。
type EventNotifier interface {
	Deliver(ctx context.Context, subscriberID string, ev model.DeliveryEvent) error
}

// Phase は購読者ごとのサイクルの段階。ログに出力する。
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseFetching   Phase = "fetching"
	PhaseDiffing    Phase = "diffing"
	PhaseDelivering Phase = "delivering"
	PhaseCommitting Phase = "committing"
	PhaseFailed     Phase = "failed"
)

// CycleResult は1回のサイクルの集計結果。
type CycleResult struct {
	CycleID         string
	Tier            Tier
	Subscribers     int // ティアに属していた購読者数
	Polled          int // 取得に成功した購読者数
	AuthFailed      int
	TransportFailed int
	Delivered       int // 送信に成功したイベント数
	Dropped         int // 送信に失敗して破棄したイベント数
	Committed       int // スナップショットを保存できた購読者数
	CommitFailed    int
	Duration        time.Duration
}

// Scheduler はティアごとに独立したタイマーでポーリングサイクルを実行する。
// ティアはfrequencyによる購読者の分割なので、異なるティアのサイクルが
// 同じ購読者のスナップショットを同時に書き換えることはない。
type Scheduler struct {
	store           SubscriberStore
	fetcher         FeedFetcher
	notifier        EventNotifier
	metrics         metrics.MetricsCollector
	logger          *slog.Logger
	fetchTimeout    time.Duration
	deliveryTimeout time.Duration
	maxConcurrency  int

	running map[Tier]*atomic.Bool
	now     func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewScheduler(
	store SubscriberStore,
	fetcher FeedFetcher,
	notifier EventNotifier,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	fetchTimeout time.Duration,
	deliveryTimeout time.Duration,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	running := make(map[Tier]*atomic.Bool, len(AllTiers()))
	for _, t := range AllTiers() {
		running[t] = &atomic.Bool{}
	}
	return &Scheduler{
		store:           store,
		fetcher:         fetcher,
		notifier:        notifier,
		metrics:         collector,
		logger:          logger,
		fetchTimeout:    fetchTimeout,
		deliveryTimeout: deliveryTimeout,
		maxConcurrency:  maxConcurrency,
		running:         running,
		now:             time.Now,
	}
}

// Start はティアごとのタイマーを起動する。
// コンテキストがキャンセルされ、実行中のサイクルがすべて終わるまでブロックする。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("ポーリングスケジューラを開始しました",
		slog.Int("max_concurrency", s.maxConcurrency),
		slog.Duration("fetch_timeout", s.fetchTimeout),
		slog.Duration("delivery_timeout", s.deliveryTimeout),
	)

	var wg sync.WaitGroup
	for _, tier := range AllTiers() {
		wg.Add(1)
		go func(t Tier) {
			defer wg.Done()
			s.runTierLoop(ctx, t)
		}(tier)
	}
	wg.Wait()

	s.logger.Info("ポーリングスケジューラを停止しました")
}

// runTierLoop は時計境界ごとにサイクルを起動する。
// サイクルは別goroutineで実行し、前回が終わっていなければRunTierがスキップする。
func (s *Scheduler) runTierLoop(ctx context.Context, tier Tier) {
	var cycles sync.WaitGroup
	defer cycles.Wait()

	for {
		next := NextTick(s.now(), tier.Interval())
		timer := time.NewTimer(next.Sub(s.now()))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		cycles.Add(1)
		go func() {
			defer cycles.Done()
			if _, err := s.RunTier(ctx, tier); err != nil {
				if errors.Is(err, ErrCycleInProgress) {
					s.logger.Warn("前回のサイクルが実行中のためスキップしました",
						slog.String("tier", tier.String()),
					)
					return
				}
				s.logger.Error("ポーリングサイクルの実行に失敗しました",
					slog.String("tier", tier.String()),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

// subscriberOutcome は購読者1件分の処理結果。
type subscriberOutcome struct {
	updated   *model.Subscriber // nilの場合はスナップショットを変更しない
	delivered int
	dropped   int
	err       error
}

// RunTier は指定ティアのサイクルを1回実行する。
// 同じティアのサイクルが実行中の場合はErrCycleInProgressを返す。
// 購読者単位の失敗はログに記録し、サイクル全体は中断しない。
func (s *Scheduler) RunTier(ctx context.Context, tier Tier) (CycleResult, error) {
	flag, ok := s.running[tier]
	if !ok {
		return CycleResult{}, fmt.Errorf("未知のティアです: %d", int(tier))
	}
	if !flag.CompareAndSwap(false, true) {
		s.metrics.RecordSkippedTick(tier.String())
		return CycleResult{}, ErrCycleInProgress
	}
	defer flag.Store(false)

	start := time.Now()
	result := CycleResult{CycleID: uuid.NewString(), Tier: tier}
	logger := s.logger.With(
		slog.String("cycle_id", result.CycleID),
		slog.String("tier", tier.String()),
	)

	subs, err := s.store.List(ctx)
	if err != nil {
		if subs == nil {
			return result, fmt.Errorf("購読者一覧の取得に失敗: %w", err)
		}
		// 破損したレコードはスキップ済み。残りの購読者で続行する
		logger.Error("読み取れない購読者レコードがあります",
			slog.String("error", err.Error()),
		)
	}

	var members []*model.Subscriber
	for _, sub := range subs {
		if TierFor(sub.Config.Frequency) == tier {
			members = append(members, sub)
		}
	}
	result.Subscribers = len(members)

	if len(members) == 0 {
		logger.Debug("対象の購読者はいません")
		return result, nil
	}

	logger.Info("ポーリングサイクルを開始します",
		slog.Int("subscriber_count", len(members)),
	)

	// semaphoreパターンで並列数を制御
	outcomes := make([]subscriberOutcome, len(members))
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for i, sub := range members {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int, sub *model.Subscriber) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = s.pollSubscriber(ctx, logger, tier, sub)
		}(i, sub)
	}

	wg.Wait()

	var updated []*model.Subscriber
	for _, o := range outcomes {
		result.Delivered += o.delivered
		result.Dropped += o.dropped
		switch {
		case o.err == nil:
			result.Polled++
		case model.IsAuthenticationError(o.err):
			result.AuthFailed++
		default:
			result.TransportFailed++
		}
		if o.updated != nil {
			updated = append(updated, o.updated)
		}
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	result.Committed, result.CommitFailed = s.commit(commitCtx, logger, tier, updated)

	result.Duration = time.Since(start)
	s.metrics.RecordCycleDuration(tier.String(), result.Duration)

	logger.Info("ポーリングサイクルが完了しました",
		slog.Int("subscriber_count", result.Subscribers),
		slog.Int("polled", result.Polled),
		slog.Int("auth_failed", result.AuthFailed),
		slog.Int("transport_failed", result.TransportFailed),
		slog.Int("delivered", result.Delivered),
		slog.Int("dropped", result.Dropped),
		slog.Int("committed", result.Committed),
		slog.Int("commit_failed", result.CommitFailed),
		slog.Float64("duration_ms", float64(result.Duration.Milliseconds())),
	)

	return result, nil
}

// pollSubscriber は1人の購読者について取得→差分→配信を行い、保存すべきレコードを返す。
// 取得に失敗した場合はスナップショットを変更しない。
func (s *Scheduler) pollSubscriber(ctx context.Context, logger *slog.Logger, tier Tier, sub *model.Subscriber) subscriberOutcome {
	logger = logger.With(slog.String("subscriber_id", sub.ID))

	logger.Debug("通知を取得します", slog.String("phase", string(PhaseFetching)))
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	items, err := s.fetcher.FetchItems(fetchCtx, sub.Credential)
	cancel()
	if err != nil {
		label := metrics.PollResultTransport
		if model.IsAuthenticationError(err) {
			label = metrics.PollResultAuthError
		}
		s.metrics.RecordPoll(tier.String(), label)
		logger.Warn("通知の取得に失敗しました",
			slog.String("phase", string(PhaseFailed)),
			slog.String("reason", label),
			slog.String("error", err.Error()),
		)
		return subscriberOutcome{err: err}
	}
	s.metrics.RecordPoll(tier.String(), metrics.PollResultSuccess)

	logger.Debug("差分を計算します",
		slog.String("phase", string(PhaseDiffing)),
		slog.Int("item_count", len(items)),
	)
	events := diff.Compute(sub.ID, sub.LastSnapshot, items)

	if len(events) > 0 {
		logger.Info("通知を配信します",
			slog.String("phase", string(PhaseDelivering)),
			slog.Int("event_count", len(events)),
		)
	}

	var out subscriberOutcome
	for i, ev := range events {
		if ctx.Err() != nil {
			// シャットダウン中。配信済みの分だけを反映し、残りは次回のサイクルで再計算する
			logger.Warn("キャンセルされたため配信を中断しました",
				slog.Int("remaining", len(events)-i),
			)
			out.updated = sub.WithSnapshot(partialSnapshot(sub.LastSnapshot, events[:i]))
			return out
		}

		deliverCtx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
		err := s.notifier.Deliver(deliverCtx, sub.ID, ev)
		cancel()
		if err != nil {
			out.dropped++
			s.metrics.RecordDelivery(string(ev.Kind), metrics.DeliveryResultDropped)
			logger.Warn("通知の配信に失敗しました。このイベントは破棄します",
				slog.String("item_id", ev.Item.ID),
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
			continue
		}
		out.delivered++
		s.metrics.RecordDelivery(string(ev.Kind), metrics.DeliveryResultSent)
	}

	logger.Debug("スナップショットを更新します", slog.String("phase", string(PhaseCommitting)))
	out.updated = sub.WithSnapshot(items)
	return out
}

// partialSnapshot は前回スナップショットに処理済みイベントの通知を上書きしたものを返す。
func partialSnapshot(previous []model.Item, handled []model.DeliveryEvent) []model.Item {
	snapshot := make([]model.Item, 0, len(previous)+len(handled))
	pos := make(map[string]int, len(previous)+len(handled))
	for _, it := range previous {
		if i, ok := pos[it.ID]; ok {
			snapshot[i] = it
			continue
		}
		pos[it.ID] = len(snapshot)
		snapshot = append(snapshot, it)
	}
	for _, ev := range handled {
		if i, ok := pos[ev.Item.ID]; ok {
			snapshot[i] = ev.Item
			continue
		}
		pos[ev.Item.ID] = len(snapshot)
		snapshot = append(snapshot, ev.Item)
	}
	return snapshot
}

// commit は更新されたスナップショットを一括保存する。
// 一括保存に失敗した場合は1件ずつ再試行し、失敗したレコードの更新は破棄する。
func (s *Scheduler) commit(ctx context.Context, logger *slog.Logger, tier Tier, updated []*model.Subscriber) (committed, failed int) {
	if len(updated) == 0 {
		return 0, 0
	}

	err := s.store.SaveAll(ctx, updated)
	if err == nil {
		return len(updated), 0
	}

	logger.Error("スナップショットの一括保存に失敗しました。購読者ごとに再試行します",
		slog.Int("subscriber_count", len(updated)),
		slog.String("error", err.Error()),
	)

	for _, sub := range updated {
		if err := s.store.SaveAll(ctx, []*model.Subscriber{sub}); err != nil {
			failed++
			s.metrics.RecordCommitFailure(tier.String())
			logger.Error("スナップショットの保存に失敗しました。次回のサイクルで再計算します",
				slog.String("subscriber_id", sub.ID),
				slog.String("phase", string(PhaseFailed)),
				slog.String("error", err.Error()),
			)
			continue
		}
		committed++
	}
	return committed, failed
}
