// Package app はサブコマンドの解析と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
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
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/timeroi/internal/auth"
	"github.com/hitoshi/timeroi/internal/calendar"
	"github.com/hitoshi/timeroi/internal/config"
	"github.com/hitoshi/timeroi/internal/connect"
	"github.com/hitoshi/timeroi/internal/database"
	"github.com/hitoshi/timeroi/internal/handler"
	"github.com/hitoshi/timeroi/internal/logger"
	"github.com/hitoshi/timeroi/internal/metrics"
	"github.com/hitoshi/timeroi/internal/middleware"
	"github.com/hitoshi/timeroi/internal/repository"
	"github.com/hitoshi/timeroi/internal/security"
	"github.com/hitoshi/timeroi/internal/session"
	"github.com/hitoshi/timeroi/internal/tag"
	"github.com/hitoshi/timeroi/internal/token"
	"github.com/hitoshi/timeroi/internal/user"
	"github.com/hitoshi/timeroi/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

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
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandWorker:
		return runWorker(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. トークン更新ロック（Redisがあれば複数インスタンスで共有する）
	locker, closeLocker, err := newLocker(cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	router, stopRouter, err := buildRouter(cfg, db, locker)
	if err != nil {
		return err
	}
	defer stopRouter()

	// 3. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// buildRouter はリポジトリからハンドラーまでを組み立てる。
// 返されたstopはレート制限のクリーンアップを停止する。
func buildRouter(cfg *config.Config, db *sql.DB, locker token.Locker) (http.Handler, func(), error) {
	// 1. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	accountRepo := repository.NewPostgresLinkedAccountRepo(db)
	tagRepo := repository.NewPostgresEventTagRepo(db)

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. セッション
	codec, err := session.NewCodec(cfg.SessionSecret, time.Duration(cfg.SessionMaxAge)*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session codec: %w", err)
	}
	issuer := &session.Issuer{
		Codec:  codec,
		Cookie: session.CookieConfig{Domain: cfg.CookieDomain, Secure: cfg.CookieSecure},
	}

	// 4. ドメインサービスの初期化
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HTTPTimeout:  cfg.OAuthHTTPTimeout,
	})
	authService := auth.NewService(userRepo)
	tokenManager := token.NewManager(accountRepo, oauthProvider, locker, collector)
	tagService := tag.NewService(tagRepo)
	userService := user.NewService(userRepo, accountRepo, tagRepo, oauthProvider)

	calendarFactory := calendar.NewClientFactory(calendar.FactoryConfig{
		HTTPTimeout: cfg.CalendarHTTPTimeout,
		Sanitizer:   security.NewEventSanitizer(),
		Recorder:    collector,
	})

	connectHandler := connect.NewHandler(oauthProvider, accountRepo, issuer, collector, connect.Config{
		BaseURL:          cfg.BaseURL,
		DefaultReturnURL: cfg.DefaultReturnURL,
	})

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitWrite),
	)

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		HTTPRecorder:      collector,
		SessionReader:     issuer,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		HSTS:              cfg.CookieSecure,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),

		AuthService: authService,
		Sessions:    issuer,
		Connect:     connectHandler,

		TokenResolver:     tokenManager,
		CalendarFactory:   handler.NewCalendarFactoryAdapter(calendarFactory),
		ConnectionService: userService,
		ReauthURL:         reauthURL(cfg.DefaultReturnURL),

		TagService:  handler.NewTagServiceAdapter(tagService),
		UserService: userService,
	}

	return handler.NewRouter(deps), rateLimiter.Stop, nil
}

// newLocker はREDIS_URLが設定されていればRedisLocker、なければLocalLockerを返す。
func newLocker(cfg *config.Config) (token.Locker, func(), error) {
	if cfg.RedisURL == "" {
		slog.Info("using in-process refresh lock")
		return token.NewLocalLocker(), func() {}, nil
	}

	client, err := database.OpenRedis(context.Background(), cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open redis: %w", err)
	}
	slog.Info("using redis refresh lock", slog.Duration("ttl", cfg.RefreshLockTTL))

	return token.NewRedisLocker(client, cfg.RefreshLockTTL), func() { closeRedis(client) }, nil
}

func closeRedis(client *redis.Client) {
	if err := client.Close(); err != nil {
		slog.Warn("failed to close redis client", slog.String("error", err.Error()))
	}
}

// reauthURL は再連携時にフロントエンドが遷移する連携開始URLを返す。
func reauthURL(returnURL string) string {
	return "/auth/google/connect?returnUrl=" + url.QueryEscape(returnURL)
}

// runWorker はワーカーモードで起動する。
// 保持期間切れのイベントタグ削除をCleanupIntervalごとに実行し、
// SIGINTまたはSIGTERMシグナルを受信すると停止する。
func runWorker(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job := cleanup.NewCleanupJob(db, slog.Default(), cfg.TagRetentionDays)

	slog.Info("worker starting",
		slog.Int("tag_retention_days", job.RetentionDays),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	job.Schedule(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
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
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.Redacted()
}
