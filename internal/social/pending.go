package social

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/clikpost/internal/model"
	"github.com/hitoshi/clikpost/internal/repository"
)

// PendingPageStore はページ選択待ちデータをユーザー単位・TTL付きで保持する。
// 同じユーザーの2回目の接続は1回目のデータを上書きする。
type PendingPageStore interface {
	Put(ctx context.Context, userID string, selection *model.PendingPageSelection, ttl time.Duration) error
	Take(ctx context.Context, userID string) (*model.PendingPageSelection, error)
	Peek(ctx context.Context, userID string) (*model.PendingPageSelection, error)
}

// pendingPageStore はPendingPageRepositoryを用いたPendingPageStoreの実装。
type pendingPageStore struct {
	repo repository.PendingPageRepository
	now  func() time.Time
}

// NewPendingPageStore はPendingPageStoreを生成する。
func NewPendingPageStore(repo repository.PendingPageRepository) PendingPageStore {
	return &pendingPageStore{repo: repo, now: time.Now}
}

// Put は作成時刻と期限を設定して保存する。
func (s *pendingPageStore) Put(ctx context.Context, userID string, selection *model.PendingPageSelection, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("pending selection TTL must be positive")
	}
	now := s.now()
	selection.UserID = userID
	selection.CreatedAt = now
	selection.ExpiresAt = now.Add(ttl)
	if err := s.repo.Put(ctx, selection); err != nil {
		return fmt.Errorf("ページ選択待ちデータの保存に失敗しました: %w", err)
	}
	return nil
}

// Take はデータを取り出して削除する。存在しない場合はnilを返す。
func (s *pendingPageStore) Take(ctx context.Context, userID string) (*model.PendingPageSelection, error) {
	sel, err := s.repo.Take(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ページ選択待ちデータの取得に失敗しました: %w", err)
	}
	return sel, nil
}

// Peek はデータを削除せずに返す。存在しない場合はnilを返す。
func (s *pendingPageStore) Peek(ctx context.Context, userID string) (*model.PendingPageSelection, error) {
	sel, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ページ選択待ちデータの取得に失敗しました: %w", err)
	}
	return sel, nil
}
