package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/timeroi/internal/middleware"
)

// HealthChecker はDBなど依存先の疎通を確認する。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// OAuthConnectHandler はGoogleカレンダー連携のOAuthフローを処理する。connect.Handlerが実装する。
type OAuthConnectHandler interface {
	Connect(w http.ResponseWriter, r *http.Request)
	Callback(w http.ResponseWriter, r *http.Request)
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	HTTPRecorder      middleware.HTTPRecorder
	SessionReader     middleware.SessionReader
	CORSAllowedOrigin string
	HSTS              bool
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 認証・セッション
	AuthService AuthServiceInterface
	Sessions    SessionIssuer
	Connect     OAuthConnectHandler

	// カレンダー
	TokenResolver     TokenResolver
	CalendarFactory   CalendarClientFactory
	ConnectionService ConnectionService
	ReauthURL         string

	// タグ・集計
	TagService TagServiceInterface

	// ユーザー
	UserService UserServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → (Session → RateLimit(General) → CSRF)
//
// 認証前のルート（/health, /auth/register など）はSession以降のチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.HTTPRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.Sessions, deps.ConnectionService)
	calendarHandler := NewCalendarHandler(
		deps.TokenResolver,
		deps.CalendarFactory,
		deps.Sessions,
		deps.TagService,
		deps.ConnectionService,
		CalendarHandlerConfig{ReauthURL: deps.ReauthURL},
	)
	tagHandler := NewTagHandler(deps.TagService)
	userHandler := NewUserHandler(deps.UserService, deps.Sessions)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

	r.Route("/auth", func(r chi.Router) {
		// OAuthフロー（セッションの確認はハンドラー内でリダイレクトとして扱う）
		r.Get("/google/connect", deps.Connect.Connect)
		r.Get("/google-callback", deps.Connect.Callback)

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/logout", authHandler.Logout)
		})
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionReader))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		write := deps.RateLimiter.WriteMiddleware()

		r.Get("/auth/me", authHandler.Me)

		// カレンダー
		r.Route("/calendar", func(r chi.Router) {
			r.Get("/status", calendarHandler.Status)
			r.With(write).Delete("/connection", calendarHandler.Disconnect)

			r.Route("/events", func(r chi.Router) {
				r.Get("/", calendarHandler.ListEvents)
				r.With(write).Post("/", calendarHandler.CreateEvent)

				r.Route("/{eventId}", func(r chi.Router) {
					r.Get("/", calendarHandler.GetEvent)
					r.With(write).Patch("/", calendarHandler.UpdateEvent)
					r.With(write).Delete("/", calendarHandler.DeleteEvent)
				})
			})
		})

		// タグ
		r.Route("/api/event-tags", func(r chi.Router) {
			r.Get("/", tagHandler.List)
			r.Get("/{eventId}", tagHandler.Get)
			r.With(write).Put("/{eventId}", tagHandler.Upsert)
			r.With(write).Delete("/{eventId}", tagHandler.Delete)
		})

		// 集計
		r.Get("/api/analytics/summary", tagHandler.Summary)

		// ユーザー管理
		r.Route("/api/users", func(r chi.Router) {
			r.With(write).Delete("/me", userHandler.Withdraw)
		})
	})

	return r
}

// healthHandler はDBへの疎通を確認するヘルスチェックハンドラーを返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
