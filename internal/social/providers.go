package social

import "github.com/hitoshi/clikpost/internal/model"

const graphAPI = "https://graph.facebook.com/v19.0"

// BuiltinProviders は組み込みのプロバイダ定義を返す。
// プラットフォームを追加する場合はここに行を追加する。
func BuiltinProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			Platform:              model.PlatformFacebook,
			AuthorizationEndpoint: "https://www.facebook.com/v19.0/dialog/oauth",
			TokenEndpoint:         graphAPI + "/oauth/access_token",
			Scopes:                []string{"pages_show_list", "instagram_basic", "instagram_content_publish", "pages_read_engagement"},
			ScopeDelimiter:        ",",
			TokenRequestStyle:     StyleQueryGET,
			Identity: AccountIdentity{
				Source:    IdentityFromEndpoint,
				Endpoint:  graphAPI + "/me?fields=id",
				Placement: TokenInQuery,
				Field:     "id",
			},
			PageSelection: &PageSelection{Endpoint: graphAPI + "/me/accounts"},
			RefreshStyle:  RefreshWithAccessToken,
		},
		{
			Platform:              model.PlatformInstagram,
			AuthorizationEndpoint: "https://api.instagram.com/oauth/authorize",
			TokenEndpoint:         "https://api.instagram.com/oauth/access_token",
			Scopes:                []string{"instagram_business_basic", "instagram_business_content_publish"},
			ScopeDelimiter:        ",",
			TokenRequestStyle:     StyleFormPOST,
			Identity: AccountIdentity{
				Source: IdentityFromToken,
				Field:  "user_id",
			},
		},
		{
			Platform:              model.PlatformLinkedIn,
			AuthorizationEndpoint: "https://www.linkedin.com/oauth/v2/authorization",
			TokenEndpoint:         "https://www.linkedin.com/oauth/v2/accessToken",
			Scopes:                []string{"openid", "profile", "w_member_social"},
			ScopeDelimiter:        " ",
			TokenRequestStyle:     StyleFormPOST,
			Identity: AccountIdentity{
				Source:   IdentityFromEndpoint,
				Endpoint: "https://api.linkedin.com/v2/userinfo",
				Field:    "sub",
			},
			RefreshStyle: RefreshWithRefreshToken,
		},
		{
			Platform:              model.PlatformTwitter,
			AuthorizationEndpoint: "https://twitter.com/i/oauth2/authorize",
			TokenEndpoint:         "https://api.twitter.com/2/oauth2/token",
			Scopes:                []string{"tweet.read", "tweet.write", "users.read", "offline.access"},
			ScopeDelimiter:        " ",
			TokenRequestStyle:     StyleBasicAuthPOST,
			UsePKCE:               true,
			Identity: AccountIdentity{
				Source:   IdentityFromEndpoint,
				Endpoint: "https://api.twitter.com/2/users/me",
				Field:    "data.id",
			},
			RefreshStyle: RefreshWithRefreshToken,
		},
		{
			Platform:              model.PlatformYouTube,
			AuthorizationEndpoint: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenEndpoint:         "https://oauth2.googleapis.com/token",
			Scopes:                []string{"https://www.googleapis.com/auth/youtube.upload", "https://www.googleapis.com/auth/youtube.readonly"},
			ScopeDelimiter:        " ",
			TokenRequestStyle:     StyleFormPOST,
			ExtraAuthParams: map[string]string{
				"access_type": "offline",
				"prompt":      "consent",
			},
			Identity: AccountIdentity{
				Source:   IdentityFromEndpoint,
				Endpoint: "https://www.googleapis.com/youtube/v3/channels?part=id&mine=true",
				Field:    "items.0.id",
			},
			RefreshStyle: RefreshWithRefreshToken,
		},
		{
			Platform:              model.PlatformPinterest,
			AuthorizationEndpoint: "https://www.pinterest.com/oauth/",
			TokenEndpoint:         "https://api.pinterest.com/v5/oauth/token",
			Scopes:                []string{"boards:read", "pins:read", "pins:write", "user_accounts:read"},
			ScopeDelimiter:        ",",
			TokenRequestStyle:     StyleBasicAuthPOST,
			Identity: AccountIdentity{
				Source:   IdentityFromEndpoint,
				Endpoint: "https://api.pinterest.com/v5/user_account",
				Field:    "username",
			},
			RefreshStyle: RefreshWithRefreshToken,
		},
		{
			Platform:              model.PlatformTikTok,
			AuthorizationEndpoint: "https://www.tiktok.com/v2/auth/authorize/",
			TokenEndpoint:         "https://open.tiktokapis.com/v2/oauth/token/",
			Scopes:                []string{"user.info.basic", "video.publish", "video.upload"},
			ScopeDelimiter:        ",",
			ClientIDParam:         "client_key",
			TokenRequestStyle:     StyleFormPOST,
			Identity: AccountIdentity{
				Source: IdentityFromToken,
				Field:  "open_id",
			},
			RefreshStyle: RefreshWithRefreshToken,
		},
	}
}
