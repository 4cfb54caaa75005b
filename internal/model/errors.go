// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, social, content, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnsupportedPlatform      = "UNSUPPORTED_PLATFORM"
	ErrCodeMissingAuthorizationCode = "MISSING_AUTHORIZATION_CODE"
	ErrCodeInvalidState             = "INVALID_STATE"
	ErrCodeAuthorizationDenied      = "AUTHORIZATION_DENIED"
	ErrCodeTokenExchangeFailed      = "TOKEN_EXCHANGE_FAILED"
	ErrCodeIdentityResolutionFailed = "IDENTITY_RESOLUTION_FAILED"
	ErrCodeProviderNotConfigured    = "PROVIDER_NOT_CONFIGURED"
	ErrCodeNoPendingPageSelection   = "NO_PENDING_PAGE_SELECTION"
	ErrCodePageNotFound             = "PAGE_NOT_FOUND"
	ErrCodeAccountNotConnected      = "ACCOUNT_NOT_CONNECTED"
	ErrCodeInvalidRequest           = "INVALID_REQUEST"
	ErrCodeGenerationFailed         = "GENERATION_FAILED"
	ErrCodeUserNotFound             = "USER_NOT_FOUND"
	ErrCodeConversationNotFound     = "CONVERSATION_NOT_FOUND"
)

// NewUnsupportedPlatformError は未対応プラットフォームエラーを生成する。
func NewUnsupportedPlatformError(platform string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedPlatform,
		Message:  "Unsupported platform",
		Category: "validation",
		Action:   fmt.Sprintf("%q は未対応です。対応しているプラットフォームを指定してください。", platform),
	}
}

// NewMissingAuthorizationCodeError は認可コード欠落エラーを生成する。
func NewMissingAuthorizationCodeError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingAuthorizationCode,
		Message:  "Authorization code missing",
		Category: "social",
		Action:   "もう一度連携をやり直してください。",
	}
}

// NewInvalidStateError はstate検証失敗エラーを生成する。
func NewInvalidStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  "stateパラメータが不正または期限切れです。",
		Category: "social",
		Action:   "連携画面から再度接続を開始してください。",
	}
}

// NewAuthorizationDeniedError はプロバイダ側で認可が拒否された場合のエラーを生成する。
func NewAuthorizationDeniedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthorizationDenied,
		Message:  fmt.Sprintf("プロバイダで認可が拒否されました: %s", reason),
		Category: "social",
		Action:   "連携を許可する場合は、もう一度接続を開始してください。",
	}
}

// NewTokenExchangeFailedError はトークン交換失敗エラーを生成する。
func NewTokenExchangeFailedError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeTokenExchangeFailed,
		Message:  fmt.Sprintf("Failed to connect account: %s", detail),
		Category: "social",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewIdentityResolutionFailedError はアカウントID取得失敗エラーを生成する。
func NewIdentityResolutionFailedError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeIdentityResolutionFailed,
		Message:  fmt.Sprintf("Failed to connect account: %s", detail),
		Category: "social",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewProviderNotConfiguredError はプロバイダ資格情報の未設定エラーを生成する。
func NewProviderNotConfiguredError(platform string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderNotConfigured,
		Message:  fmt.Sprintf("%s の連携設定が完了していません。", platform),
		Category: "system",
		Action:   "管理者に連絡してください。",
	}
}

// NewNoPendingPageSelectionError はページ選択待ちデータが無い場合のエラーを生成する。
func NewNoPendingPageSelectionError() *APIError {
	return &APIError{
		Code:     ErrCodeNoPendingPageSelection,
		Message:  "No pending Facebook connection found",
		Category: "social",
		Action:   "Facebookの接続を最初からやり直してください。",
	}
}

// NewPageNotFoundError は選択されたページが候補に含まれない場合のエラーを生成する。
func NewPageNotFoundError(pageID string) *APIError {
	return &APIError{
		Code:     ErrCodePageNotFound,
		Message:  fmt.Sprintf("指定されたページが見つかりません: %s", pageID),
		Category: "validation",
		Action:   "一覧に表示されたページから選択してください。",
	}
}

// NewAccountNotConnectedError は連携済みアカウントが存在しない場合のエラーを生成する。
func NewAccountNotConnectedError(platform string) *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotConnected,
		Message:  fmt.Sprintf("%s は連携されていません。", platform),
		Category: "social",
		Action:   "連携済みプラットフォームを確認してください。",
	}
}

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewGenerationFailedError はコンテンツ生成失敗エラーを生成する。
func NewGenerationFailedError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeGenerationFailed,
		Message:  fmt.Sprintf("コンテンツの生成に失敗しました: %s", detail),
		Category: "content",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewConversationNotFoundError はチャットの会話が見つからない場合のエラーを生成する。
// 他のユーザーの会話IDが指定された場合も同じエラーを返す。
func NewConversationNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeConversationNotFound,
		Message:  "会話が見つかりません。",
		Category: "content",
		Action:   "sessionIdを指定せずに新しい会話を開始してください。",
	}
}
