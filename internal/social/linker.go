package social

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/clikpost/internal/model"
	"github.com/hitoshi/clikpost/internal/repository"
)

// LinkInput は連携アカウントとして保存する解決済みの資格情報。
type LinkInput struct {
	UserID       string
	Platform     model.Platform
	AccountID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scopes       []string
}

// SelectPageInput はFacebookページ選択リクエスト。
type SelectPageInput struct {
	UserID          string
	PageID          string
	PageAccessToken string
	Perms           []string
}

// Linker は連携アカウントの保存と参照を担う。
// 書き込みは常に新しい行を追加し、参照時にプラットフォームごとの最新行を採用する。
type Linker struct {
	accounts repository.LinkedAccountRepository
	pending  PendingPageStore
	now      func() time.Time
}

// NewLinker はLinkerの新しいインスタンスを生成する。
func NewLinker(accounts repository.LinkedAccountRepository, pending PendingPageStore) *Linker {
	return &Linker{
		accounts: accounts,
		pending:  pending,
		now:      time.Now,
	}
}

// Link は連携アカウントを新しい行として保存する。
func (l *Linker) Link(ctx context.Context, in LinkInput) (*model.LinkedAccount, error) {
	account := &model.LinkedAccount{
		ID:           uuid.New().String(),
		UserID:       in.UserID,
		Platform:     in.Platform,
		AccountID:    in.AccountID,
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		ExpiresAt:    in.ExpiresAt,
		Scopes:       in.Scopes,
		ConnectedAt:  l.now(),
		Status:       model.AccountStatusConnected,
	}
	if account.Scopes == nil {
		account.Scopes = []string{}
	}

	if err := l.accounts.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("連携アカウントの保存に失敗しました: %w", err)
	}

	slog.Info("ソーシャルアカウントを連携しました",
		slog.String("user_id", account.UserID),
		slog.String("platform", string(account.Platform)),
		slog.String("account_id", account.AccountID),
	)
	return account, nil
}

// GetPages はページ選択待ちのページ一覧を返す。
func (l *Linker) GetPages(ctx context.Context, userID string) ([]model.FacebookPage, error) {
	sel, err := l.pending.Peek(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sel == nil {
		return nil, &NoPendingSelectionError{UserID: userID}
	}
	return sel.Pages, nil
}

// SelectPage は選択されたページをページトークンで連携し、選択待ちデータを破棄する。
// ページトークンは長期トークンとして扱い、リフレッシュトークンと期限は持たない。
func (l *Linker) SelectPage(ctx context.Context, in SelectPageInput) (*model.LinkedAccount, error) {
	sel, err := l.pending.Peek(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if sel == nil {
		return nil, &NoPendingSelectionError{UserID: in.UserID}
	}

	page := sel.FindPage(in.PageID)
	if page == nil {
		return nil, &PageNotFoundError{PageID: in.PageID}
	}
	if in.PageAccessToken != "" && in.PageAccessToken != page.AccessToken {
		return nil, &PageNotFoundError{PageID: in.PageID, Reason: "page access token does not match"}
	}

	// 同時に届いた選択リクエストのうち1件だけが保存まで進む
	taken, err := l.pending.Take(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if taken == nil || taken.FindPage(in.PageID) == nil {
		return nil, &NoPendingSelectionError{UserID: in.UserID}
	}

	perms := in.Perms
	if len(perms) == 0 {
		perms = page.Perms
	}

	return l.Link(ctx, LinkInput{
		UserID:      in.UserID,
		Platform:    model.PlatformFacebook,
		AccountID:   page.ID,
		AccessToken: page.AccessToken,
		Scopes:      perms,
	})
}

// ConnectedPlatforms は現在連携中のプラットフォームを名前順で返す。
// 履歴行が複数あってもプラットフォームごとに最新の1行だけを評価する。
func (l *Linker) ConnectedPlatforms(ctx context.Context, userID string) ([]model.Platform, error) {
	accounts, err := l.accounts.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("連携アカウント一覧の取得に失敗しました: %w", err)
	}

	return latestConnected(accounts), nil
}

// latestConnected はプラットフォームごとに最新の行を選び、connectedのものだけを返す。
func latestConnected(accounts []*model.LinkedAccount) []model.Platform {
	latest := make(map[model.Platform]*model.LinkedAccount)
	for _, a := range accounts {
		cur, ok := latest[a.Platform]
		if !ok || a.ConnectedAt.After(cur.ConnectedAt) {
			latest[a.Platform] = a
		}
	}

	platforms := make([]model.Platform, 0, len(latest))
	for p, a := range latest {
		if a.Status == model.AccountStatusConnected {
			platforms = append(platforms, p)
		}
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}

// Disconnect はプラットフォームの連携を解除する。行は削除せずrevokedにする。
func (l *Linker) Disconnect(ctx context.Context, userID string, platform model.Platform) error {
	n, err := l.accounts.RevokeByUserAndPlatform(ctx, userID, platform)
	if err != nil {
		return fmt.Errorf("連携解除に失敗しました: %w", err)
	}
	if n == 0 {
		return &NotConnectedError{Platform: platform}
	}

	slog.Info("ソーシャルアカウントの連携を解除しました",
		slog.String("user_id", userID),
		slog.String("platform", string(platform)),
	)
	return nil
}
