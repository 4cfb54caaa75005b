package handler

import (
	"context"

	"github.com/hitoshi/clikpost/internal/model"
	"github.com/hitoshi/clikpost/internal/social"
	"github.com/hitoshi/clikpost/internal/user"
)

// SocialServiceAdapter は social.Service と social.Linker を SocialServiceInterface に適合させるアダプタ。
type SocialServiceAdapter struct {
	svc    *social.Service
	linker *social.Linker
}

// NewSocialServiceAdapter はSocialServiceAdapterを生成する。
func NewSocialServiceAdapter(svc *social.Service, linker *social.Linker) *SocialServiceAdapter {
	return &SocialServiceAdapter{svc: svc, linker: linker}
}

// Connect は認可URLを生成する。
func (a *SocialServiceAdapter) Connect(ctx context.Context, platform, userID string) (string, error) {
	return a.svc.Connect(ctx, platform, userID)
}

// Callback はプロバイダからのコールバックを処理する。
func (a *SocialServiceAdapter) Callback(ctx context.Context, in social.CallbackInput) (*social.CallbackResult, error) {
	return a.svc.Callback(ctx, in)
}

// GetPages はページ選択待ちのFacebookページ一覧を返す。
func (a *SocialServiceAdapter) GetPages(ctx context.Context, userID string) ([]model.FacebookPage, error) {
	return a.linker.GetPages(ctx, userID)
}

// SelectPage は選択されたFacebookページを連携する。
func (a *SocialServiceAdapter) SelectPage(ctx context.Context, in social.SelectPageInput) (*model.LinkedAccount, error) {
	return a.linker.SelectPage(ctx, in)
}

// ConnectedPlatforms は連携中のプラットフォーム一覧を返す。
func (a *SocialServiceAdapter) ConnectedPlatforms(ctx context.Context, userID string) ([]model.Platform, error) {
	return a.linker.ConnectedPlatforms(ctx, userID)
}

// Disconnect はプラットフォーム名を検証してから連携を解除する。
func (a *SocialServiceAdapter) Disconnect(ctx context.Context, userID, platform string) error {
	p, err := a.svc.Registry().Lookup(platform)
	if err != nil {
		return err
	}
	return a.linker.Disconnect(ctx, userID, p.Platform)
}

// UserServiceAdapter は user.Service を UserServiceInterface に適合させるアダプタ。
type UserServiceAdapter struct {
	svc *user.Service
}

// NewUserServiceAdapter はUserServiceAdapterを生成する。
func NewUserServiceAdapter(svc *user.Service) *UserServiceAdapter {
	return &UserServiceAdapter{svc: svc}
}

// Withdraw はユーザーの退会処理を実行する。
func (a *UserServiceAdapter) Withdraw(ctx context.Context, userID string) error {
	return a.svc.Withdraw(ctx, userID)
}

// --- compile-time interface checks ---

var _ SocialServiceInterface = (*SocialServiceAdapter)(nil)
var _ UserServiceInterface = (*UserServiceAdapter)(nil)
