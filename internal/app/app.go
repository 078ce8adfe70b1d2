package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/ghnotify/internal/config"
	"github.com/hitoshi/ghnotify/internal/database"
	"github.com/hitoshi/ghnotify/internal/github"
	"github.com/hitoshi/ghnotify/internal/handler"
	"github.com/hitoshi/ghnotify/internal/logger"
	"github.com/hitoshi/ghnotify/internal/metrics"
	"github.com/hitoshi/ghnotify/internal/middleware"
	"github.com/hitoshi/ghnotify/internal/notifier"
	"github.com/hitoshi/ghnotify/internal/repository"
	"github.com/hitoshi/ghnotify/internal/security"
	"github.com/hitoshi/ghnotify/internal/slack"
	"github.com/hitoshi/ghnotify/internal/subscriber"
	"github.com/hitoshi/ghnotify/internal/worker/poll"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// feedProvider はポーリングとコマンドの両方が使うフィードプロバイダー。
// github.Client と github.AtomSource が満たす。
type feedProvider interface {
	poll.FeedFetcher
	subscriber.ProviderClient
}

var (
	_ feedProvider = (*github.Client)(nil)
	_ feedProvider = (*github.AtomSource)(nil)
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップ
	logger.SetupDefaultWithLevel(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "7778"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("アプリケーションを起動します",
		slog.String("command", string(cmd)),
		slog.String("database_driver", cfg.DatabaseDriver),
		slog.String("feed_provider", cfg.FeedProvider),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openStore はDB接続を開き、ドライバに応じた購読者リポジトリを返す。
func openStore(cfg *config.Config) (*sql.DB, repository.SubscriberRepository, error) {
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("データベースに接続しました",
		slog.String("driver", cfg.DatabaseDriver),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		return db, repository.NewSQLiteSubscriberRepo(db), nil
	default:
		return db, repository.NewPostgresSubscriberRepo(db), nil
	}
}

// newSSRFGuard は設定に応じたSSRFガードを生成する。
// GitHub APIプロバイダーでは詳細URLにトークンを付けて接続するため、APIのホストだけを許可する。
// AtomフィードのURLは購読者が登録するため、ホストは制限しない。
func newSSRFGuard(cfg *config.Config) security.SSRFGuardService {
	if cfg.FeedProvider == config.ProviderAtom {
		return security.NewSSRFGuard()
	}
	u, err := url.Parse(cfg.GitHubAPIURL)
	if err != nil || u.Hostname() == "" {
		slog.Warn("GITHUB_API_URLのホストを解析できません。詳細URLのホスト制限を無効にします",
			slog.String("github_api_url", cfg.GitHubAPIURL),
		)
		return security.NewSSRFGuard()
	}
	return security.NewSSRFGuard(u.Hostname())
}

// newFeedProvider は設定に応じたフィードプロバイダーを生成する。
func newFeedProvider(cfg *config.Config, guard security.SSRFGuardService, log *slog.Logger) feedProvider {
	switch cfg.FeedProvider {
	case config.ProviderAtom:
		return github.NewAtomSource(guard, log, cfg.FetchTimeout, cfg.FetchMaxSize)
	default:
		return github.NewClient(
			cfg.GitHubAPIURL,
			&http.Client{Timeout: cfg.FetchTimeout},
			guard,
			github.DetailLimits{
				RatePerSec:  cfg.DetailRatePerSec,
				Burst:       cfg.DetailBurst,
				Concurrency: cfg.DetailConcurrency,
			},
			log,
			cfg.FetchMaxSize,
		)
	}
}

// newSlackClient はSlack Web APIクライアントを生成する。
func newSlackClient(cfg *config.Config, log *slog.Logger) *slack.Client {
	return slack.NewClient(&http.Client{Timeout: cfg.DeliveryTimeout}, log, cfg.SlackAPIURL, cfg.SlackBotToken)
}

// newRegistry はGoランタイムとプロセスのメトリクスを登録したレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// buildRouter はserveモードのHTTPハンドラーを構築する。
func buildRouter(cfg *config.Config, db handler.HealthChecker, repo repository.SubscriberRepository, reg prometheus.Gatherer, limiter *middleware.RateLimiter) http.Handler {
	log := slog.Default()
	provider := newFeedProvider(cfg, newSSRFGuard(cfg), log)
	svc := subscriber.NewService(repo, provider, newSlackClient(cfg, log), log)

	return handler.NewRouter(&handler.RouterDeps{
		VerificationToken: cfg.VerificationToken,
		RateLimiter:       limiter,
		CommandService:    svc,
		HealthChecker:     db,
		Gatherer:          reg,
		Logger:            log,
	})
}

// runServe はコマンドサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	db, repo, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral), slog.Default())
	defer limiter.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      buildRouter(cfg, db, repo, newRegistry(), limiter),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, server, "コマンドサーバー")
}

// serveUntilDone はctxがキャンセルされるまでサーバーを動かし、その後シャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+"を起動しました", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info(name + "を停止します")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info(name + "を停止しました")
	return nil
}

// buildScheduler はworkerモードのスケジューラを構築する。
func buildScheduler(cfg *config.Config, repo repository.SubscriberRepository, reg prometheus.Registerer) *poll.Scheduler {
	log := slog.Default()
	provider := newFeedProvider(cfg, newSSRFGuard(cfg), log)
	n := notifier.New(newSlackClient(cfg, log), security.NewContentSanitizer(), log)

	return poll.NewScheduler(
		repo,
		provider,
		n,
		metrics.NewCollector(reg),
		log,
		cfg.FetchTimeout,
		cfg.DeliveryTimeout,
		cfg.PollMaxConcurrent,
	)
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、ティアごとのポーリングスケジューラを起動する。
// /metrics はMetricsPortで公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, repo, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := newRegistry()
	scheduler := buildScheduler(cfg, repo, reg)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsDone := make(chan error, 1)
	go func() {
		metricsDone <- serveUntilDone(ctx, metricsServer, "メトリクスサーバー")
	}()

	slog.Info("ワーカーを起動しました",
		slog.Int("max_concurrent", cfg.PollMaxConcurrent),
		slog.Duration("fetch_timeout", cfg.FetchTimeout),
	)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx)

	if err := <-metricsDone; err != nil {
		slog.Error("メトリクスサーバーの停止に失敗しました", slog.String("error", err.Error()))
	}

	slog.Info("ワーカーを停止しました")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("マイグレーションを実行します",
		slog.String("driver", cfg.DatabaseDriver),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	version, err := database.RunMigrations(db, cfg.DatabaseDriver)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("マイグレーションが完了しました", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
// URLとして解釈できないDSN（SQLiteのファイルパスなど）はそのまま返す。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}
	return u.Redacted()
}
