package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/hitoshi/clikpost/internal/model"
	"github.com/hitoshi/clikpost/internal/security"
	"github.com/hitoshi/clikpost/internal/social"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database（プール上限はプロセスごと）
	DatabaseURL       string        `env:"DATABASE_URL"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`

	// OAuth（ログイン）
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`

	// Session
	SessionSecret string `env:"SESSION_SECRET"`
	SessionMaxAge int    `env:"SESSION_MAX_AGE" envDefault:"86400"`

	// APIトークン（未設定の場合はSESSION_SECRETを使用）
	JWTSecret string        `env:"JWT_SECRET"`
	JWTTTL    time.Duration `env:"JWT_TTL" envDefault:"1h"`

	// 連携トークンの暗号化鍵（32バイト、または64文字の16進表記）
	TokenEncryptionKeyRaw string `env:"TOKEN_ENCRYPTION_KEY"`
	TokenEncryptionKey    []byte `env:"-"`

	// ソーシャル連携
	OAuthStateTTL     time.Duration `env:"OAUTH_STATE_TTL" envDefault:"10m"`
	PendingPageTTL    time.Duration `env:"PENDING_PAGE_TTL" envDefault:"15m"`
	PageSelectionPath string        `env:"PAGE_SELECTION_PATH" envDefault:"/dashboard/connect/facebook/pages"`
	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`

	// Workers
	RefreshInterval      time.Duration `env:"REFRESH_INTERVAL" envDefault:"15m"`
	RefreshWindow        time.Duration `env:"REFRESH_WINDOW" envDefault:"1h"`
	RefreshMaxConcurrent int           `env:"REFRESH_MAX_CONCURRENT" envDefault:"4"`
	CleanupInterval      time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral  int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	RateLimitConnect  int `env:"RATE_LIMIT_CONNECT" envDefault:"10"`
	RateLimitGenerate int `env:"RATE_LIMIT_GENERATE" envDefault:"5"`

	// コンテンツ生成
	OpenRouterAPIKey    string `env:"OPENROUTER_API_KEY"`
	OpenRouterURL       string `env:"OPENROUTER_URL"`
	OpenRouterModel     string `env:"OPENROUTER_MODEL"`
	HuggingFaceAPIKey   string `env:"HUGGINGFACE_API_KEY"`
	HuggingFaceModelURL string `env:"HUGGINGFACE_MODEL_URL"`

	// AIチャット（空の場合はchatパッケージのデフォルト）
	ChatModel        string `env:"CHAT_MODEL"`
	ChatHistoryLimit int    `env:"CHAT_HISTORY_LIMIT" envDefault:"20"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL"`

	// Cookie
	CookieSecure bool   `env:"-"`
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// プラットフォームごとの資格情報とエンドポイント差し替え
	Providers map[model.Platform]ProviderEnv `env:"-"`
}

// ProviderEnv は {PLATFORM}_ 接頭辞の環境変数から読み込むプロバイダ設定。
// 資格情報が欠けていても起動は失敗させず、接続開始時に設定エラーとして扱う。
type ProviderEnv struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURI  string `env:"REDIRECT_URI"`
	AuthURL      string `env:"AUTH_URL"`
	TokenURL     string `env:"TOKEN_URL"`
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はまとめてエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	required := []struct {
		key   string
		value string
	}{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"GOOGLE_CLIENT_ID", cfg.GoogleClientID},
		{"GOOGLE_CLIENT_SECRET", cfg.GoogleClientSecret},
		{"GOOGLE_REDIRECT_URL", cfg.GoogleRedirectURL},
		{"SESSION_SECRET", cfg.SessionSecret},
		{"BASE_URL", cfg.BaseURL},
		{"TOKEN_ENCRYPTION_KEY", cfg.TokenEncryptionKeyRaw},
	}
	var missing []string
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	key, err := decodeTokenKey(cfg.TokenEncryptionKeyRaw)
	if err != nil {
		return nil, err
	}
	cfg.TokenEncryptionKey = key

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = cfg.SessionSecret
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	providers, err := loadProviders(social.DefaultRegistry().Platforms())
	if err != nil {
		return nil, err
	}
	cfg.Providers = providers

	return cfg, nil
}

// decodeTokenKey は暗号化鍵を32バイトに変換する。
// 64文字の16進表記はデコードし、それ以外は生のバイト列として扱う。
func decodeTokenKey(raw string) ([]byte, error) {
	if len(raw) == hex.EncodedLen(security.TokenKeySize) {
		if key, err := hex.DecodeString(raw); err == nil {
			return key, nil
		}
	}
	if len(raw) != security.TokenKeySize {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must be %d bytes or %d hex characters, got %d characters",
			security.TokenKeySize, hex.EncodedLen(security.TokenKeySize), len(raw))
	}
	return []byte(raw), nil
}

// loadProviders はプラットフォームごとに {PLATFORM}_ 接頭辞の環境変数を読み込む。
func loadProviders(platforms []model.Platform) (map[model.Platform]ProviderEnv, error) {
	out := make(map[model.Platform]ProviderEnv, len(platforms))
	for _, p := range platforms {
		var pe ProviderEnv
		prefix := strings.ToUpper(string(p)) + "_"
		if err := env.ParseWithOptions(&pe, env.Options{Prefix: prefix}); err != nil {
			return nil, fmt.Errorf("failed to parse %s settings: %w", prefix, err)
		}
		out[p] = pe
	}
	return out, nil
}

// Credentials はソーシャル連携サービスに渡す資格情報の表を返す。
func (c *Config) Credentials() map[model.Platform]social.Credentials {
	creds := make(map[model.Platform]social.Credentials, len(c.Providers))
	for p, pe := range c.Providers {
		creds[p] = social.Credentials{
			ClientID:     pe.ClientID,
			ClientSecret: pe.ClientSecret,
			RedirectURI:  pe.RedirectURI,
		}
	}
	return creds
}

// EndpointOverrides はAUTH_URL / TOKEN_URL が設定されたプラットフォームの差し替え表を返す。
func (c *Config) EndpointOverrides() map[model.Platform]social.EndpointOverride {
	overrides := make(map[model.Platform]social.EndpointOverride)
	for p, pe := range c.Providers {
		if pe.AuthURL == "" && pe.TokenURL == "" {
			continue
		}
		overrides[p] = social.EndpointOverride{
			AuthorizationEndpoint: pe.AuthURL,
			TokenEndpoint:         pe.TokenURL,
		}
	}
	return overrides
}
