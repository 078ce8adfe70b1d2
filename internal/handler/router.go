package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/ghnotify/internal/metrics"
	"github.com/hitoshi/ghnotify/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	VerificationToken string
	RateLimiter       *middleware.RateLimiter

	// コマンド
	CommandService CommandServiceInterface

	// 運用
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer

	Logger *slog.Logger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → (/gh のみ) Verification → RateLimit
//
// /health と /metrics は検証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))

	cmdHandler := NewCommandHandler(deps.CommandService, deps.Logger)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.Logger))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- Slackからのリクエスト ---
	// ミドルウェアスタック: Verification → RateLimit
	r.Route("/gh", func(r chi.Router) {
		r.Use(middleware.NewVerificationMiddleware(deps.VerificationToken, deps.Logger))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		r.Get("/", cmdHandler.Index)
		r.Post("/subscribe", cmdHandler.Subscribe)
		r.Post("/config", cmdHandler.Config)
		r.Post("/unsubscribe", cmdHandler.Unsubscribe)
		r.Post("/events", cmdHandler.Events)
	})

	return r
}
