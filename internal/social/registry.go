// Package social はソーシャルアカウント連携（OAuth接続・コールバック・アカウント紐付け）の
// ドメインロジックを提供する。
//
// プロバイダごとの差異（認可エンドポイント、スコープ区切り、トークン交換方式、
// アカウントIDの取得方法）はRegistryの行として宣言し、処理側は分岐を持たない。
package social

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hitoshi/clikpost/internal/model"
)

// TokenRequestStyle はトークンエンドポイントへのリクエスト形式を表す。
type TokenRequestStyle int

const (
	// StyleQueryGET はクエリ文字列に全パラメータを載せたGET。
	StyleQueryGET TokenRequestStyle = iota + 1
	// StyleFormPOST はクライアント資格情報を含むapplication/x-www-form-urlencodedのPOST。
	StyleFormPOST
	// StyleJSONPOST はクライアント資格情報を含むJSONボディのPOST。
	StyleJSONPOST
	// StyleBasicAuthPOST は資格情報をAuthorization: Basicヘッダで送るフォームPOST。
	StyleBasicAuthPOST
)

// String はログ出力用の名前を返す。
func (s TokenRequestStyle) String() string {
	switch s {
	case StyleQueryGET:
		return "query-get"
	case StyleFormPOST:
		return "form-post"
	case StyleJSONPOST:
		return "json-post"
	case StyleBasicAuthPOST:
		return "basic-auth-post"
	default:
		return "unknown"
	}
}

// IdentitySource はプロバイダ側アカウントIDの取得元を表す。
type IdentitySource int

const (
	// IdentityFromToken はトークンレスポンスのフィールドから取得する。
	IdentityFromToken IdentitySource = iota + 1
	// IdentityFromEndpoint は認証付きGETの応答から取得する。
	IdentityFromEndpoint
)

// TokenPlacement はアクセストークンをAPIリクエストに載せる位置を表す。
type TokenPlacement int

const (
	// TokenInBearerHeader はAuthorization: Bearerヘッダに載せる。
	TokenInBearerHeader TokenPlacement = iota
	// TokenInQuery はaccess_tokenクエリパラメータに載せる。
	TokenInQuery
)

// AccountIdentity はアカウントIDの解決方法を宣言する。
// Fieldはドット区切りのパス（例: "data.id", "items.0.id"）。
type AccountIdentity struct {
	Source    IdentitySource
	Endpoint  string
	Placement TokenPlacement
	Field     string
}

// PageSelection はFacebookページ選択サブフローの設定。
type PageSelection struct {
	// Endpoint はユーザーが管理するページ一覧のエンドポイント。
	Endpoint string
}

// RefreshStyle はアクセストークンの更新方式を表す。
type RefreshStyle int

const (
	RefreshUnsupported RefreshStyle = iota
	// RefreshWithRefreshToken はgrant_type=refresh_tokenで更新する。
	RefreshWithRefreshToken
	// RefreshWithAccessToken は現在のアクセストークンを長期トークンに交換する（fb_exchange_token）。
	RefreshWithAccessToken
)

// ProviderConfig は1プラットフォーム分のOAuth方言を表すRegistryの行。
type ProviderConfig struct {
	Platform              model.Platform
	AuthorizationEndpoint string
	TokenEndpoint         string
	Scopes                []string
	ScopeDelimiter        string

	// ClientIDParam はクライアントIDのパラメータ名。空の場合は "client_id"。
	ClientIDParam string

	ClientIDEnvKey     string
	ClientSecretEnvKey string
	RedirectURIEnvKey  string

	TokenRequestStyle TokenRequestStyle
	ExtraAuthParams   map[string]string
	UsePKCE           bool
	Identity          AccountIdentity
	PageSelection     *PageSelection
	RefreshStyle      RefreshStyle
}

// clientIDParam はクライアントIDのパラメータ名を返す。
func (p ProviderConfig) clientIDParam() string {
	if p.ClientIDParam == "" {
		return "client_id"
	}
	return p.ClientIDParam
}

// scopeString はプロバイダの区切り文字でスコープを連結する。
func (p ProviderConfig) scopeString() string {
	delim := p.ScopeDelimiter
	if delim == "" {
		delim = " "
	}
	return strings.Join(p.Scopes, delim)
}

// parseScopes はトークンレスポンスのscope値をスコープ一覧に分解する。
// 区切り文字はプロバイダによって異なるため、カンマと空白の両方で分割する。
func parseScopes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' '
	})
	scopes := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			scopes = append(scopes, f)
		}
	}
	return scopes
}

// EndpointOverride はサンドボックス等に向けてエンドポイントを差し替える設定。
type EndpointOverride struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
}

// Registry はプラットフォーム識別子からProviderConfigを引く静的テーブル。
type Registry struct {
	providers map[model.Platform]ProviderConfig
}

// NewRegistry は指定した行でRegistryを生成する。
// 環境変数キーが未設定の行には {PLATFORM}_CLIENT_ID 形式の既定値を補う。
func NewRegistry(rows ...ProviderConfig) *Registry {
	providers := make(map[model.Platform]ProviderConfig, len(rows))
	for _, row := range rows {
		prefix := strings.ToUpper(string(row.Platform)) + "_"
		if row.ClientIDEnvKey == "" {
			row.ClientIDEnvKey = prefix + "CLIENT_ID"
		}
		if row.ClientSecretEnvKey == "" {
			row.ClientSecretEnvKey = prefix + "CLIENT_SECRET"
		}
		if row.RedirectURIEnvKey == "" {
			row.RedirectURIEnvKey = prefix + "REDIRECT_URI"
		}
		providers[row.Platform] = row
	}
	return &Registry{providers: providers}
}

// DefaultRegistry は組み込みプロバイダで構成したRegistryを返す。
func DefaultRegistry() *Registry {
	return NewRegistry(BuiltinProviders()...)
}

// Lookup はプラットフォームの設定を返す。
// 未対応の識別子には*UnsupportedPlatformErrorを返す。
func (r *Registry) Lookup(platform string) (ProviderConfig, error) {
	p, ok := r.providers[model.Platform(strings.ToLower(platform))]
	if !ok {
		return ProviderConfig{}, &UnsupportedPlatformError{Platform: platform}
	}
	return p, nil
}

// Platforms は対応プラットフォームを名前順で返す。
func (r *Registry) Platforms() []model.Platform {
	platforms := make([]model.Platform, 0, len(r.providers))
	for p := range r.providers {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}

// PlatformsByRefreshStyle は指定の更新方式を持つプラットフォームを名前順で返す。
func (r *Registry) PlatformsByRefreshStyle(style RefreshStyle) []model.Platform {
	var platforms []model.Platform
	for _, p := range r.Platforms() {
		if r.providers[p].RefreshStyle == style {
			platforms = append(platforms, p)
		}
	}
	return platforms
}

// WithEndpoints はエンドポイントを差し替えた新しいRegistryを返す。空の値は差し替えない。
func (r *Registry) WithEndpoints(overrides map[model.Platform]EndpointOverride) *Registry {
	rows := make([]ProviderConfig, 0, len(r.providers))
	for platform, p := range r.providers {
		if o, ok := overrides[platform]; ok {
			if o.AuthorizationEndpoint != "" {
				p.AuthorizationEndpoint = o.AuthorizationEndpoint
			}
			if o.TokenEndpoint != "" {
				p.TokenEndpoint = o.TokenEndpoint
			}
		}
		rows = append(rows, p)
	}
	return NewRegistry(rows...)
}

// Validate は全行のエンドポイントを検証関数で確認する。
// 起動時にSSRFガードのURL検証を渡して設定ミスを検出する用途で使用する。
func (r *Registry) Validate(validateURL func(string) error) error {
	for _, platform := range r.Platforms() {
		p := r.providers[platform]
		endpoints := []string{p.AuthorizationEndpoint, p.TokenEndpoint}
		if p.Identity.Source == IdentityFromEndpoint {
			endpoints = append(endpoints, p.Identity.Endpoint)
		}
		if p.PageSelection != nil {
			endpoints = append(endpoints, p.PageSelection.Endpoint)
		}
		for _, e := range endpoints {
			if err := validateURL(e); err != nil {
				return fmt.Errorf("invalid endpoint for %s: %w", platform, err)
			}
		}
	}
	return nil
}
