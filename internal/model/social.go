package model

import "time"

// Platform は連携先のソーシャルプラットフォーム識別子を表す。
type Platform string

// 対応プラットフォーム
const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformTwitter   Platform = "twitter"
	PlatformYouTube   Platform = "youtube"
	PlatformPinterest Platform = "pinterest"
	PlatformTikTok    Platform = "tiktok"
)

// String はプラットフォーム識別子を文字列として返す。
func (p Platform) String() string {
	return string(p)
}

// AccountStatus は連携アカウントの状態を表す。
type AccountStatus string

const (
	AccountStatusConnected AccountStatus = "connected"
	AccountStatusError     AccountStatus = "error"
	AccountStatusRevoked   AccountStatus = "revoked"
)

// LinkedAccount はユーザーが連携したソーシャルアカウントを表す。
// 接続のたびに新しい行を追加し、読み出し時にプラットフォームごとの最新行を採用する。
type LinkedAccount struct {
	ID           string
	UserID       string
	Platform     Platform
	AccountID    string
	AccessToken  string
	RefreshToken string     // 空文字は未発行
	ExpiresAt    *time.Time // nilは無期限
	Scopes       []string
	ConnectedAt  time.Time
	Status       AccountStatus
}

// HasRefreshToken はリフレッシュトークンを保持しているかを返す。
func (a *LinkedAccount) HasRefreshToken() bool {
	return a.RefreshToken != ""
}

// PendingOAuthState は認可リダイレクト中のサーバー側状態を表す。
// nonceをキーに保存し、コールバックで一度だけ消費する。
type PendingOAuthState struct {
	Nonce        string
	UserID       string
	Platform     Platform
	CodeVerifier string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// IsExpired は指定時刻において期限切れかを返す。
func (s *PendingOAuthState) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// FacebookPage はユーザーが管理するFacebookページを表す。
type FacebookPage struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	AccessToken string   `json:"access_token"`
	Perms       []string `json:"perms"`
}

// PendingPageSelection はFacebookページ選択待ちの一時データを表す。
// ユーザーごとに1件のみ保持し、再接続時は上書きされる。
type PendingPageSelection struct {
	UserID          string         `json:"user_id"`
	UserAccessToken string         `json:"user_access_token"`
	Pages           []FacebookPage `json:"pages"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
}

// FindPage は指定IDのページを返す。見つからない場合はnilを返す。
func (p *PendingPageSelection) FindPage(pageID string) *FacebookPage {
	for i := range p.Pages {
		if p.Pages[i].ID == pageID {
			return &p.Pages[i]
		}
	}
	return nil
}
