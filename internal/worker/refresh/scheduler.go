// Package refresh は期限が近い連携アカウントのアクセストークンを
// バックグラウンドで更新するスケジューラを提供する。
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/clikpost/internal/model"
	"github.com/hitoshi/clikpost/internal/repository"
	"github.com/hitoshi/clikpost/internal/social"
)

const (
	// DefaultWindow は期限のどれだけ前から更新対象にするか。
	DefaultWindow = time.Hour
	// DefaultBatchSize は1サイクルで更新を試行するアカウント数の上限。
	// 取得時のページサイズも兼ねる。
	DefaultBatchSize = 200
	// DefaultMaxConcurrency はプロバイダへの同時リクエスト数の上限。
	DefaultMaxConcurrency = 4
)

// AccountLister は更新対象アカウントの取得インターフェース。
// repository.LinkedAccountRepository が満たす。
type AccountLister interface {
	ListExpiring(ctx context.Context, q repository.ExpiringQuery) ([]*model.LinkedAccount, error)
}

// TokenRefresher はトークン更新の実行インターフェース。social.Refresher が満たす。
type TokenRefresher interface {
	Refresh(ctx context.Context, account *model.LinkedAccount) error
}

// Config はスケジューラの設定。ゼロ値の項目はデフォルト値を使用する。
// 更新対象プラットフォームが両方とも空の場合は組み込みRegistryから導出する。
type Config struct {
	Window         time.Duration
	BatchSize      int
	MaxConcurrency int

	RefreshTokenPlatforms []model.Platform
	AccessTokenPlatforms  []model.Platform
}

// Result は1サイクルの集計結果。
// Deferredは一時的な失敗によるバックオフ中で、今回は試行しなかった件数。
type Result struct {
	Refreshed   int
	Skipped     int
	Failed      int
	Unsupported int
	Deferred    int
}

// Scheduler はトークン更新のスケジューリングと並列制御を行う。
// ティッカーで期限が近いアカウントを取得し、
// semaphoreパターンで最大並列数を制御しながら更新を実行する。
type Scheduler struct {
	accounts  AccountLister
	refresher TokenRefresher
	logger    *slog.Logger
	config    Config
	backoff   *backoffTracker
	now       func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(accounts AccountLister, refresher TokenRefresher, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if len(cfg.RefreshTokenPlatforms) == 0 && len(cfg.AccessTokenPlatforms) == 0 {
		registry := social.DefaultRegistry()
		cfg.RefreshTokenPlatforms = registry.PlatformsByRefreshStyle(social.RefreshWithRefreshToken)
		cfg.AccessTokenPlatforms = registry.PlatformsByRefreshStyle(social.RefreshWithAccessToken)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		accounts:  accounts,
		refresher: refresher,
		logger:    logger,
		config:    cfg,
		backoff:   newBackoffTracker(),
		now:       time.Now,
	}
}

// Start はinterval間隔でRunOnceを繰り返す。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("トークン更新スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("window", s.config.Window),
		slog.Int("max_concurrency", s.config.MaxConcurrency),
	)

	// 起動直後に1回実行
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("トークン更新サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("トークン更新スケジューラを停止しました")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("トークン更新サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は期限が近いアカウントをページ単位で取得し、並列で更新する。
// スキップやバックオフ中の行で枠が埋まらないよう、試行数がBatchSizeに達するか
// 対象がなくなるまでカーソルで読み進める。
// 個々の更新失敗はログに記録して集計し、エラーとしては返さない。
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	began := time.Now()
	now := s.now()

	query := repository.ExpiringQuery{
		Before:                now.Add(s.config.Window),
		RefreshTokenPlatforms: s.config.RefreshTokenPlatforms,
		AccessTokenPlatforms:  s.config.AccessTokenPlatforms,
		Limit:                 s.config.BatchSize,
	}

	var refreshed, skipped, failed, unsupported, deferred atomic.Int32
	sem := make(chan struct{}, s.config.MaxConcurrency)
	var wg sync.WaitGroup

	listed, attempted, pages := 0, 0, 0
	var listErr error

	for attempted < s.config.BatchSize {
		page, err := s.accounts.ListExpiring(ctx, query)
		if err != nil {
			listErr = err
			break
		}
		pages++
		listed += len(page)

		for _, account := range page {
			if attempted >= s.config.BatchSize {
				break
			}
			if !social.NeedsRefresh(account, now, s.config.Window) {
				skipped.Add(1)
				continue
			}
			if !s.backoff.ready(account.ID, now) {
				deferred.Add(1)
				continue
			}

			attempted++
			wg.Add(1)
			sem <- struct{}{} // semaphore取得（ブロック）

			go func(a *model.LinkedAccount) {
				defer wg.Done()
				defer func() { <-sem }() // semaphore解放

				s.refreshOne(ctx, a, now, &refreshed, &failed, &unsupported)
			}(account)
		}

		if len(page) < query.Limit {
			break
		}
		last := page[len(page)-1]
		if last.ExpiresAt == nil || last.ID == query.AfterID {
			break
		}
		query.AfterExpiresAt = *last.ExpiresAt
		query.AfterID = last.ID
	}

	wg.Wait()

	if listErr != nil && pages == 0 {
		return Result{}, fmt.Errorf("更新対象アカウントの取得に失敗しました: %w", listErr)
	}
	if listErr != nil {
		s.logger.Error("更新対象アカウントの追加取得に失敗しました",
			slog.Int("pages", pages),
			slog.String("error", listErr.Error()),
		)
	}

	if listed == 0 {
		s.logger.Info("更新対象のアカウントはありません")
		return Result{}, nil
	}

	result := Result{
		Refreshed:   int(refreshed.Load()),
		Skipped:     int(skipped.Load()),
		Failed:      int(failed.Load()),
		Unsupported: int(unsupported.Load()),
		Deferred:    int(deferred.Load()),
	}
	s.logger.Info("トークン更新サイクルが完了しました",
		slog.Int("account_count", listed),
		slog.Int("pages", pages),
		slog.Int("refreshed", result.Refreshed),
		slog.Int("failed", result.Failed),
		slog.Int("unsupported", result.Unsupported),
		slog.Int("deferred", result.Deferred),
		slog.Float64("duration_ms", float64(time.Since(began).Milliseconds())),
	)

	return result, nil
}

// refreshOne は1アカウントを更新し、結果を集計とバックオフに反映する。
func (s *Scheduler) refreshOne(ctx context.Context, a *model.LinkedAccount, now time.Time, refreshed, failed, unsupported *atomic.Int32) {
	err := s.refresher.Refresh(ctx, a)
	switch {
	case err == nil:
		refreshed.Add(1)
		s.backoff.reset(a.ID)
	case errors.Is(err, social.ErrRefreshUnsupported):
		unsupported.Add(1)
		s.logger.Debug("トークン更新に対応していないアカウントです",
			slog.String("account_id", a.ID),
			slog.String("platform", string(a.Platform)),
		)
	default:
		failed.Add(1)
		attrs := []any{
			slog.String("account_id", a.ID),
			slog.String("user_id", a.UserID),
			slog.String("platform", string(a.Platform)),
			slog.String("error", err.Error()),
		}
		if ClassifyFailure(err) == FailureTransient {
			next := s.backoff.failure(a.ID, now)
			attrs = append(attrs, slog.Time("next_attempt_at", next))
		} else {
			s.backoff.reset(a.ID)
		}
		s.logger.Error("トークン更新に失敗しました", attrs...)
	}
}

// compile-time interface check
var _ TokenRefresher = (*social.Refresher)(nil)
