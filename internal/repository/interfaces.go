// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/clikpost/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// DeleteByID は指定IDのユーザーを削除する。
	// identities、oauth_states、pending_page_selections、chat_conversationsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// LinkedAccountRepository は連携アカウントの永続化インターフェース。
// トークンは保存時に暗号化され、読み出し時に復号される。
type LinkedAccountRepository interface {
	// Create は連携アカウントを新しい行として追加する。既存行は更新しない。
	Create(ctx context.Context, account *model.LinkedAccount) error

	// ListByUserID はユーザーの連携アカウントをconnected_at降順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.LinkedAccount, error)

	// FindLatest はユーザーとプラットフォームの最新行を返す。見つからない場合はnilを返す。
	FindLatest(ctx context.Context, userID string, platform model.Platform) (*model.LinkedAccount, error)

	// ListExpiring は更新可能なconnected状態のアカウントのうち期限がBefore以前のものを、
	// プラットフォームごとの最新行に限って(expires_at, id)順に最大Limit件返す。
	ListExpiring(ctx context.Context, q ExpiringQuery) ([]*model.LinkedAccount, error)

	// UpdateTokens は更新されたトークンと期限で行を上書きする。
	UpdateTokens(ctx context.Context, account *model.LinkedAccount) error

	// UpdateStatus は行の状態を更新する。
	UpdateStatus(ctx context.Context, id string, status model.AccountStatus) error

	// RevokeByUserAndPlatform はconnected状態の行をrevokedにし、更新件数を返す。
	RevokeByUserAndPlatform(ctx context.Context, userID string, platform model.Platform) (int64, error)

	// DeleteByUserID はユーザーの全連携アカウントを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// ExpiringQuery はListExpiringの検索条件。
// どちらのプラットフォーム一覧にも含まれない行は更新手段がないため返さない。
type ExpiringQuery struct {
	Before time.Time

	// RefreshTokenPlatforms はリフレッシュトークンで更新するプラットフォーム。
	// リフレッシュトークンを保持する行に限る。
	RefreshTokenPlatforms []model.Platform
	// AccessTokenPlatforms は現在のアクセストークンを交換して更新するプラットフォーム。
	AccessTokenPlatforms []model.Platform

	// AfterExpiresAtとAfterIDはキーセットページングのカーソル。AfterIDが空なら先頭から。
	AfterExpiresAt time.Time
	AfterID        string

	Limit int
}

// OAuthStateRepository は認可リダイレクト中の状態の永続化インターフェース。
type OAuthStateRepository interface {
	// Create は状態を保存する。
	Create(ctx context.Context, state *model.PendingOAuthState) error

	// Consume はnonceに対応する状態を削除して返す。
	// 存在しない、または期限切れの場合はnilを返す。同じnonceは二度と返らない。
	Consume(ctx context.Context, nonce string) (*model.PendingOAuthState, error)

	// DeleteExpired は期限切れの状態を削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// PendingPageRepository はFacebookページ選択待ちデータの永続化インターフェース。
type PendingPageRepository interface {
	// Put はユーザーのページ選択待ちデータを保存する。既存データは上書きする。
	Put(ctx context.Context, selection *model.PendingPageSelection) error

	// Get はユーザーのページ選択待ちデータを返す。存在しない、または期限切れの場合はnilを返す。
	Get(ctx context.Context, userID string) (*model.PendingPageSelection, error)

	// Take はユーザーのページ選択待ちデータを削除して返す。
	// 存在しない、または期限切れの場合はnilを返す。
	Take(ctx context.Context, userID string) (*model.PendingPageSelection, error)

	// DeleteExpired は期限切れのデータを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// ConversationRepository はチャット会話と履歴の永続化インターフェース。
type ConversationRepository interface {
	// Create はユーザーの新しい会話を作成し、そのIDを返す。
	Create(ctx context.Context, userID string) (string, error)

	// Owns は会話が存在し、かつユーザーのものであるかを返す。
	Owns(ctx context.Context, conversationID, userID string) (bool, error)

	// AppendMessage は会話にメッセージを追加し、会話の更新日時を進める。
	AppendMessage(ctx context.Context, conversationID string, message *model.ChatMessage) error

	// RecentMessages は会話の直近limit件のメッセージを古い順に返す。
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.ChatMessage, error)
}
