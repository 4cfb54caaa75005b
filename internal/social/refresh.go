package social

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/hitoshi/clikpost/internal/model"
	"github.com/hitoshi/clikpost/internal/repository"
)

// Refresher は連携アカウントのアクセストークンを更新する。
type Refresher struct {
	registry    *Registry
	credentials map[model.Platform]Credentials
	accounts    repository.LinkedAccountRepository
	exchanger   *tokenExchanger
	metrics     RefreshRecorder
	now         func() time.Time
}

// RefreshRecorder はトークン更新結果のメトリクス記録インターフェース。
type RefreshRecorder interface {
	RecordTokenRefresh(platform string, result string)
}

type nopRefreshRecorder struct{}

func (nopRefreshRecorder) RecordTokenRefresh(string, string) {}

// NewRefresher はRefresherを生成する。clientとmetricsはnilでもよい。
func NewRefresher(cfg ServiceConfig, accounts repository.LinkedAccountRepository, metrics RefreshRecorder) *Refresher {
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if metrics == nil {
		metrics = nopRefreshRecorder{}
	}
	return &Refresher{
		registry:    cfg.Registry,
		credentials: cfg.Credentials,
		accounts:    accounts,
		exchanger:   newTokenExchanger(cfg.HTTPClient),
		metrics:     metrics,
		now:         time.Now,
	}
}

// Refresh はアカウントのトークンを更新して保存する。
// プロバイダが429以外の4xxを返した場合は資格情報が失効したとみなし、状態をerrorにする。
// 更新手段がないまま期限を過ぎたアカウントもerrorにする。
func (r *Refresher) Refresh(ctx context.Context, account *model.LinkedAccount) error {
	platform := string(account.Platform)
	p, err := r.registry.Lookup(platform)
	if err != nil {
		return err
	}

	params, err := refreshParams(p, account)
	if err != nil {
		r.metrics.RecordTokenRefresh(platform, "unsupported")
		if account.ExpiresAt != nil && !r.now().Before(*account.ExpiresAt) {
			// 期限切れで更新手段もないため、再連携が必要な状態にする
			if uerr := r.accounts.UpdateStatus(ctx, account.ID, model.AccountStatusError); uerr != nil {
				return fmt.Errorf("期限切れアカウントの状態更新に失敗しました: %w", uerr)
			}
			account.Status = model.AccountStatusError
		}
		return err
	}

	creds := r.credentials[p.Platform]
	if creds.ClientID == "" || creds.ClientSecret == "" {
		r.metrics.RecordTokenRefresh(platform, "error")
		return &ConfigurationError{Platform: p.Platform, MissingKeys: []string{p.ClientIDEnvKey, p.ClientSecretEnvKey}}
	}

	token, err := r.exchanger.requestToken(ctx, p, creds, p.TokenRequestStyle, params)
	if err != nil {
		r.metrics.RecordTokenRefresh(platform, "error")
		var exErr *TokenExchangeError
		if errors.As(err, &exErr) && exErr.IsRevocation() {
			if uerr := r.accounts.UpdateStatus(ctx, account.ID, model.AccountStatusError); uerr != nil {
				slog.Error("連携状態の更新に失敗しました",
					slog.String("account_id", account.ID),
					slog.String("error", uerr.Error()),
				)
			}
			account.Status = model.AccountStatusError
		}
		return err
	}

	account.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		account.RefreshToken = token.RefreshToken
	}
	account.ExpiresAt = expiryPtr(token)

	if err := r.accounts.UpdateTokens(ctx, account); err != nil {
		r.metrics.RecordTokenRefresh(platform, "error")
		return fmt.Errorf("更新したトークンの保存に失敗しました: %w", err)
	}

	r.metrics.RecordTokenRefresh(platform, "success")
	slog.Info("アクセストークンを更新しました",
		slog.String("user_id", account.UserID),
		slog.String("platform", platform),
	)
	return nil
}

// refreshParams は更新方式に応じたトークンリクエストのパラメータを返す。
func refreshParams(p ProviderConfig, account *model.LinkedAccount) (url.Values, error) {
	switch p.RefreshStyle {
	case RefreshWithRefreshToken:
		if !account.HasRefreshToken() {
			return nil, ErrRefreshUnsupported
		}
		return url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {account.RefreshToken},
		}, nil
	case RefreshWithAccessToken:
		if account.AccessToken == "" {
			return nil, ErrRefreshUnsupported
		}
		return url.Values{
			"grant_type":        {"fb_exchange_token"},
			"fb_exchange_token": {account.AccessToken},
		}, nil
	default:
		return nil, ErrRefreshUnsupported
	}
}

// NeedsRefresh はアカウントの期限がwithin以内に到来するかを判定する。
func NeedsRefresh(account *model.LinkedAccount, now time.Time, within time.Duration) bool {
	if account.ExpiresAt == nil || account.Status != model.AccountStatusConnected {
		return false
	}
	return !account.ExpiresAt.After(now.Add(within))
}
