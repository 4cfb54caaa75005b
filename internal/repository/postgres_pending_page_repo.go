package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/clikpost/internal/model"
	"github.com/hitoshi/clikpost/internal/security"
)

// PostgresPendingPageRepo はPostgreSQLを使用したページ選択待ちデータのリポジトリ。
// ユーザーアクセストークンとページトークンを含むため、ペイロード全体を暗号化して保存する。
type PostgresPendingPageRepo struct {
	db     *sql.DB
	cipher security.TokenCipher
}

// NewPostgresPendingPageRepo はPostgresPendingPageRepoを生成する。
func NewPostgresPendingPageRepo(db *sql.DB, cipher security.TokenCipher) *PostgresPendingPageRepo {
	return &PostgresPendingPageRepo{db: db, cipher: cipher}
}

// Put はユーザーのページ選択待ちデータを保存する。既存データは上書きする。
func (r *PostgresPendingPageRepo) Put(ctx context.Context, selection *model.PendingPageSelection) error {
	payload, err := r.seal(selection)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO pending_page_selections (user_id, payload, created_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET payload = EXCLUDED.payload, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		selection.UserID, payload, selection.CreatedAt, selection.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store pending page selection: %w", err)
	}
	return nil
}

// Get はユーザーのページ選択待ちデータを返す。存在しない、または期限切れの場合はnilを返す。
func (r *PostgresPendingPageRepo) Get(ctx context.Context, userID string) (*model.PendingPageSelection, error) {
	var payload string
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM pending_page_selections
		 WHERE user_id = $1 AND expires_at > now()`,
		userID,
	).Scan(&payload)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending page selection: %w", err)
	}

	return r.open(payload)
}

// Take はユーザーのページ選択待ちデータを削除して返す。
// 期限はGetと同じくDBの時刻で判定し、期限切れの行は削除してnilを返す。
func (r *PostgresPendingPageRepo) Take(ctx context.Context, userID string) (*model.PendingPageSelection, error) {
	var payload string
	var live bool
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM pending_page_selections
		 WHERE user_id = $1
		 RETURNING payload, expires_at > now()`,
		userID,
	).Scan(&payload, &live)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take pending page selection: %w", err)
	}
	if !live {
		return nil, nil
	}

	return r.open(payload)
}

// DeleteExpired は期限切れのデータを削除し、削除件数を返す。
func (r *PostgresPendingPageRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM pending_page_selections WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired pending page selections: %w", err)
	}
	return result.RowsAffected()
}

func (r *PostgresPendingPageRepo) seal(selection *model.PendingPageSelection) (string, error) {
	raw, err := json.Marshal(selection)
	if err != nil {
		return "", fmt.Errorf("failed to marshal pending page selection: %w", err)
	}
	sealed, err := r.cipher.Encrypt(string(raw))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt pending page selection: %w", err)
	}
	return sealed, nil
}

func (r *PostgresPendingPageRepo) open(payload string) (*model.PendingPageSelection, error) {
	raw, err := r.cipher.Decrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt pending page selection: %w", err)
	}
	selection := &model.PendingPageSelection{}
	if err := json.Unmarshal([]byte(raw), selection); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending page selection: %w", err)
	}
	return selection, nil
}

// compile-time interface check
var _ PendingPageRepository = (*PostgresPendingPageRepo)(nil)
