package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/clikpost/internal/metrics"
	"github.com/hitoshi/clikpost/internal/middleware"
)

// HealthChecker はヘルスチェックで疎通を確認する依存先。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	SessionFinder     middleware.SessionFinder
	TokenVerifier     middleware.TokenVerifier
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// メトリクス（nilの場合は/metricsを公開しない）
	Metrics         metrics.MetricsCollector
	MetricsGatherer prometheus.Gatherer

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ソーシャル連携
	SocialService SocialServiceInterface
	SocialConfig  SocialHandlerConfig

	// コンテンツ生成
	ContentGenerator ContentGeneratorInterface
	ImageGenerator   ImageGeneratorInterface

	// AIチャット
	ChatService ChatServiceInterface

	// ユーザー
	UserService UserServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	SecurityHeaders → Recovery → RequestID → Logging → Metrics → CORS
//	（認証ルート）→ Session/Bearer → RateLimit(General) → CSRF
//
// OAuthコールバック（/auth/google/callback, /api/auth/connect/callback/*）は
// 利用者をstateで識別するため認証チェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(metrics.StatusMiddleware(deps.Metrics))
	}
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	socialHandler := NewSocialHandler(deps.SocialService, deps.SocialConfig)
	contentHandler := NewContentHandler(deps.ContentGenerator, deps.ImageGenerator)
	chatHandler := NewChatHandler(deps.ChatService)
	userHandler := NewUserHandler(deps.UserService)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}
	r.Handle("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// 認証ルート（OAuthフロー）
	r.Route("/auth", func(r chi.Router) {
		r.Get("/google/login", authHandler.Login)
		r.Get("/google/callback", authHandler.Callback)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// プロバイダからのリダイレクトはセッションを伴わない
	r.Get("/api/auth/connect/callback/{platform}", socialHandler.Callback)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session/Bearer → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder, deps.TokenVerifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		// APIトークン発行
		r.Post("/auth/token", authHandler.IssueToken)

		// ソーシャル連携
		r.Get("/api/auth/connect/facebook/pages", socialHandler.GetFacebookPages)
		r.Post("/api/auth/connect/facebook/select-page", socialHandler.SelectFacebookPage)
		r.Get("/api/auth/connect/connected-platforms", socialHandler.ConnectedPlatforms)
		// GET /api/auth/connect/{platform} - 認可URL生成（接続専用レート制限を追加）
		r.With(deps.RateLimiter.ConnectMiddleware()).Get("/api/auth/connect/{platform}", socialHandler.Connect)
		r.Delete("/api/auth/connect/{platform}", socialHandler.Disconnect)

		// コンテンツ生成とチャット（生成専用レート制限を追加）
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.GenerateMiddleware())
			r.Post("/api/content/generator", contentHandler.GenerateContent)
			r.Post("/api/images/generator", contentHandler.GenerateImages)
			r.Post("/api/chat", chatHandler.Send)
			r.Post("/api/chat/stream", chatHandler.Stream)
		})

		// ユーザー管理
		r.Route("/api/users", func(r chi.Router) {
			r.Delete("/me", userHandler.Withdraw)
		})
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
