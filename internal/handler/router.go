package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/calbridge/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	AllowedOrigins    []string // 状態変更メソッドのOrigin検証リスト
	SessionConfig     middleware.SessionConfig
	RateLimiter       *middleware.RateLimiter

	// 認可フロー
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// カレンダー操作
	TokenProvider  TokenProviderInterface
	CalendarClient CalendarClientInterface
	Promoter       PromoterInterface
	DefaultTZ      string

	// 運用エンドポイント
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORS → SecurityHeaders → Logging → Recovery → Session → OriginCheck → RateLimit
//
// 運用エンドポイント（/healthz, /metrics）はセッション管理の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))

	// --- 運用エンドポイント ---

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- セッション配下のルート ---

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig, deps.Logger)
	calHandler := NewCalendarHandler(deps.TokenProvider, deps.CalendarClient, deps.Promoter, deps.DefaultTZ, deps.Logger)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionConfig))
		r.Use(middleware.NewOriginCheckMiddleware(deps.AllowedOrigins...))
		r.Use(deps.RateLimiter.Middleware())

		// 認可フロー
		r.Get("/oauth/callback", authHandler.Callback)
		r.Post("/auth/logout", authHandler.Logout)

		// カレンダー操作
		r.Route("/calendar", func(r chi.Router) {
			r.Get("/connect", authHandler.Connect)
			r.Get("/status", calHandler.Status)
			r.Get("/upcoming", calHandler.Upcoming)
			r.Post("/upsert", calHandler.Upsert)
			r.Post("/agenda", calHandler.Agenda)
			r.Post("/promote", calHandler.Promote)
			r.Delete("/{eventID}", calHandler.Delete)
		})
	})

	return r
}
