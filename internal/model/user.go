// Package model はclikpostのドメインモデルとAPIエラーを定義する。
package model

import "time"

// IdentityProviderGoogle はログインに使うIdP。ソーシャル連携のPlatformとは別物。
const IdentityProviderGoogle = "google"

// User はGoogleログインで作られる利用者。
// 連携アカウント、保留中のOAuth state、チャット履歴はすべてこのIDに紐づき、退会で消える。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity はログインIdP上のアカウントとUserの対応。
// (Provider, ProviderUserID) は一意。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はsession_id Cookieが指すログインセッション。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Active はnow時点でセッションが期限内かを返す。
func (s *Session) Active(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt)
}
