package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/clikpost/internal/auth"
	"github.com/hitoshi/clikpost/internal/chat"
	"github.com/hitoshi/clikpost/internal/config"
	"github.com/hitoshi/clikpost/internal/database"
	"github.com/hitoshi/clikpost/internal/generate"
	"github.com/hitoshi/clikpost/internal/handler"
	"github.com/hitoshi/clikpost/internal/logger"
	"github.com/hitoshi/clikpost/internal/metrics"
	"github.com/hitoshi/clikpost/internal/middleware"
	"github.com/hitoshi/clikpost/internal/repository"
	"github.com/hitoshi/clikpost/internal/security"
	"github.com/hitoshi/clikpost/internal/social"
	"github.com/hitoshi/clikpost/internal/user"
	"github.com/hitoshi/clikpost/internal/worker/cleanup"
	"github.com/hitoshi/clikpost/internal/worker/refresh"
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

	// 3. LOG_LEVELを反映
	logger.SetupDefaultWithLevel(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。引数エラーとhelpは設定を読む前に処理し、使い方をwへ書く。
func Run(w io.Writer, args []string) error {
	inv, err := ParseArgs(args)
	if err != nil {
		fmt.Fprint(w, Usage)
		return err
	}

	switch inv.Command {
	case CommandHelp:
		fmt.Fprint(w, Usage)
		return nil
	case CommandHealthcheck:
		// 設定全体を読まずに済ませる
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
		slog.String("command", string(inv.Command)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch inv.Command {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg, inv.Migration)
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// socialComponents はサーバーとワーカーで共有するソーシャル連携の部品。
type socialComponents struct {
	accounts *repository.PostgresLinkedAccountRepo
	pending  *repository.PostgresPendingPageRepo
	states   *repository.PostgresOAuthStateRepo
	config   social.ServiceConfig
}

// newSocialComponents はトークン暗号化、プロバイダ定義、リポジトリを組み立てる。
// プロバイダのエンドポイントはSSRFガードで検証し、不正なURLがあれば起動を中止する。
func newSocialComponents(cfg *config.Config, db *sql.DB, recorder social.MetricsRecorder) (*socialComponents, error) {
	cipher, err := security.NewTokenCipher(cfg.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token cipher: %w", err)
	}

	guard := security.NewSSRFGuard()
	registry := social.DefaultRegistry().WithEndpoints(cfg.EndpointOverrides())
	if err := registry.Validate(guard.ValidateURL); err != nil {
		return nil, fmt.Errorf("invalid provider endpoint: %w", err)
	}

	return &socialComponents{
		accounts: repository.NewPostgresLinkedAccountRepo(db, cipher),
		pending:  repository.NewPostgresPendingPageRepo(db, cipher),
		states:   repository.NewPostgresOAuthStateRepo(db),
		config: social.ServiceConfig{
			Registry:    registry,
			Credentials: cfg.Credentials(),
			StateSecret: []byte(cfg.SessionSecret),
			StateTTL:    cfg.OAuthStateTTL,
			PendingTTL:  cfg.PendingPageTTL,
			HTTPClient:  guard.NewSafeClient(cfg.ProviderTimeout),
			Metrics:     recorder,
		},
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	sc, err := newSocialComponents(cfg, db, collector)
	if err != nil {
		return err
	}

	// 4. ドメインサービスの初期化
	tokens := auth.NewTokenManager([]byte(cfg.JWTSecret), cfg.JWTTTL)
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	authService := auth.NewService(
		oauthProvider, userRepo, identRepo, sessionRepo,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge, Tokens: tokens},
	)

	pendingStore := social.NewPendingPageStore(sc.pending)
	linker := social.NewLinker(sc.accounts, pendingStore)
	socialService := social.NewService(sc.config, sc.states, linker, pendingStore)

	// 投稿文生成とチャットは同じOpenRouterクライアントを共有する
	generatorClient := security.NewSSRFGuard().NewSafeClient(60 * time.Second)
	openRouter := generate.NewOpenRouterClient(generate.OpenRouterConfig{
		APIKey:     cfg.OpenRouterAPIKey,
		URL:        cfg.OpenRouterURL,
		Referer:    cfg.BaseURL,
		Title:      "clikpost",
		HTTPClient: generatorClient,
	})
	contentGenerator := generate.NewContentGenerator(generate.ContentConfig{
		Model:  cfg.OpenRouterModel,
		Client: openRouter,
	}, security.NewTextSanitizer())
	imageGenerator := generate.NewImageGenerator(generate.ImageConfig{
		APIKey:     cfg.HuggingFaceAPIKey,
		ModelURL:   cfg.HuggingFaceModelURL,
		HTTPClient: generatorClient,
	})

	chatService := chat.NewService(repository.NewPostgresConversationRepo(db), openRouter, chat.Config{
		Model:        cfg.ChatModel,
		HistoryLimit: cfg.ChatHistoryLimit,
	})

	userService := user.NewService(userRepo, sessionRepo, sc.accounts)

	// 5. ルーターの構築（configのレート制限はreq/min単位）
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.GeneralRate = middleware.PerMinute(cfg.RateLimitGeneral)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.ConnectRate = middleware.PerMinute(cfg.RateLimitConnect)
	rateLimiterCfg.ConnectBurst = cfg.RateLimitConnect
	rateLimiterCfg.GenerateRate = middleware.PerMinute(cfg.RateLimitGenerate)
	rateLimiterCfg.GenerateBurst = cfg.RateLimitGenerate
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		HealthChecker:     db,
		SessionFinder:     sessionRepo,
		TokenVerifier:     tokens,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,
		Logger:      slog.Default(),

		Metrics:         collector,
		MetricsGatherer: registry,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		SocialService: handler.NewSocialServiceAdapter(socialService, linker),
		SocialConfig: handler.SocialHandlerConfig{
			BaseURL:           cfg.BaseURL,
			PageSelectionPath: cfg.PageSelectionPath,
		},

		ContentGenerator: contentGenerator,
		ImageGenerator:   imageGenerator,

		ChatService: chatService,

		UserService: handler.NewUserServiceAdapter(userService),
	}

	router := handler.NewRouter(deps)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Int("platforms", len(sc.config.Registry.Platforms())),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れデータのクリーンアップと、期限の近いトークンの更新を並行して実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	sc, err := newSocialComponents(cfg, db, nil)
	if err != nil {
		return err
	}
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 3. ジョブの初期化
	refresher := social.NewRefresher(sc.config, sc.accounts, nil)
	scheduler := refresh.NewScheduler(sc.accounts, refresher, slog.Default(), refresh.Config{
		Window:                cfg.RefreshWindow,
		MaxConcurrency:        cfg.RefreshMaxConcurrent,
		RefreshTokenPlatforms: sc.config.Registry.PlatformsByRefreshStyle(social.RefreshWithRefreshToken),
		AccessTokenPlatforms:  sc.config.Registry.PlatformsByRefreshStyle(social.RefreshWithAccessToken),
	})
	cleanupJob := cleanup.NewCleanupJob(slog.Default(),
		cleanup.Target{Name: "oauth_states", Deleter: sc.states},
		cleanup.Target{Name: "pending_page_selections", Deleter: sc.pending},
		cleanup.Target{Name: "sessions", Deleter: sessionRepo},
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("refresh_interval", cfg.RefreshInterval),
		slog.Duration("refresh_window", cfg.RefreshWindow),
		slog.Int("max_concurrent", cfg.RefreshMaxConcurrent),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Start(gctx, cfg.RefreshInterval)
		return nil
	})
	g.Go(func() error {
		cleanupJob.Start(gctx, cfg.CleanupInterval)
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker failed: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate は埋め込みマイグレーションに対してopを実行し、結果のバージョンをログに残す。
func runMigrate(cfg *config.Config, op database.MigrationOp) error {
	slog.Info("running database migration",
		slog.String("operation", string(op.Kind)),
		slog.Int("steps", op.Steps),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	status, err := database.Migrate(cfg.DatabaseURL, op)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migration finished",
		slog.String("operation", string(op.Kind)),
		slog.Uint64("version", uint64(status.Version)),
		slog.Bool("dirty", status.Dirty),
		slog.Bool("changed", status.Changed),
	)
	if status.Dirty {
		return fmt.Errorf("schema version %d is dirty; fix the failed migration before retrying", status.Version)
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
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
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
