package social

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/clikpost/internal/model"
)

// maxErrorBodyBytes はエラーに保持するプロバイダ応答本文の上限。
const maxErrorBodyBytes = 512

// truncateBody はプロバイダの応答本文を診断用に切り詰める。
func truncateBody(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		return string(body[:maxErrorBodyBytes]) + "...(truncated)"
	}
	return string(body)
}

// UnsupportedPlatformError は未対応のプラットフォームが指定された場合のエラー。
type UnsupportedPlatformError struct {
	Platform string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unsupported platform: %q", e.Platform)
}

// ConfigurationError はプロバイダの資格情報が設定されていない場合のエラー。
// 運用者が修正すべき問題のため、認可URL生成時点で失敗させる。
type ConfigurationError struct {
	Platform    model.Platform
	MissingKeys []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s is not configured: missing %s", e.Platform, strings.Join(e.MissingKeys, ", "))
}

// MissingAuthorizationCodeError はコールバックに認可コードが含まれない場合のエラー。
type MissingAuthorizationCodeError struct {
	Platform model.Platform
}

func (e *MissingAuthorizationCodeError) Error() string {
	return fmt.Sprintf("authorization code missing for %s callback", e.Platform)
}

// InvalidStateError はstateの形式・署名・期限・nonceの検証に失敗した場合のエラー。
type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string {
	return "invalid state: " + e.Reason
}

// AuthorizationDeniedError はプロバイダがerrorパラメータ付きでリダイレクトした場合のエラー。
type AuthorizationDeniedError struct {
	Platform    model.Platform
	Code        string
	Description string
}

func (e *AuthorizationDeniedError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s authorization denied: %s", e.Platform, e.Code)
	}
	return fmt.Sprintf("%s authorization denied: %s (%s)", e.Platform, e.Code, e.Description)
}

// TokenExchangeError はトークンエンドポイントとの通信に失敗した場合のエラー。
// StatusCodeが0の場合は通信自体の失敗を表す。
type TokenExchangeError struct {
	Platform   model.Platform
	StatusCode int
	Body       string
	Err        error
}

func (e *TokenExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s token exchange failed: %v", e.Platform, e.Err)
	}
	return fmt.Sprintf("%s token exchange failed with status %d: %s", e.Platform, e.StatusCode, e.Body)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// IsClientError はプロバイダが4xxを返したかを判定する。
// 4xxは失効した資格情報を示すため、トークン更新時は連携状態をerrorにする。
func (e *TokenExchangeError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsRevocation は資格情報の失効を示す応答かを判定する。
// 429は一時的な制限のため失効とはみなさない。
func (e *TokenExchangeError) IsRevocation() bool {
	return e.IsClientError() && e.StatusCode != http.StatusTooManyRequests
}

// AccountIdentityResolutionError はアカウントIDの取得に失敗した場合のエラー。
type AccountIdentityResolutionError struct {
	Platform   model.Platform
	StatusCode int
	Body       string
	Err        error
}

func (e *AccountIdentityResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s account identity resolution failed: %v", e.Platform, e.Err)
	}
	return fmt.Sprintf("%s account identity resolution failed with status %d: %s", e.Platform, e.StatusCode, e.Body)
}

func (e *AccountIdentityResolutionError) Unwrap() error { return e.Err }

// NoPendingSelectionError はページ選択待ちデータが存在しない場合のエラー。
type NoPendingSelectionError struct {
	UserID string
}

func (e *NoPendingSelectionError) Error() string {
	return "no pending page selection for user " + e.UserID
}

// PageNotFoundError は選択されたページが候補に含まれない場合のエラー。
type PageNotFoundError struct {
	PageID string
	Reason string
}

func (e *PageNotFoundError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("page %q is not in the pending selection", e.PageID)
	}
	return fmt.Sprintf("page %q rejected: %s", e.PageID, e.Reason)
}

// NotConnectedError は連携済みアカウントが存在しない場合のエラー。
type NotConnectedError struct {
	Platform model.Platform
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("%s is not connected", e.Platform)
}

// ErrRefreshUnsupported はトークン更新に対応していないプロバイダ、
// またはリフレッシュトークンを持たないアカウントに対する更新要求を表す。
var ErrRefreshUnsupported = errors.New("token refresh is not supported for this account")
