package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/clikpost/internal/model"
)

// PostgresOAuthStateRepo はPostgreSQLを使用した認可状態リポジトリ。
type PostgresOAuthStateRepo struct {
	db *sql.DB
}

// NewPostgresOAuthStateRepo はPostgresOAuthStateRepoを生成する。
func NewPostgresOAuthStateRepo(db *sql.DB) *PostgresOAuthStateRepo {
	return &PostgresOAuthStateRepo{db: db}
}

// Create は状態を保存する。
func (r *PostgresOAuthStateRepo) Create(ctx context.Context, state *model.PendingOAuthState) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_states (nonce, user_id, platform, code_verifier, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		state.Nonce, state.UserID, string(state.Platform), state.CodeVerifier, state.CreatedAt, state.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create oauth state: %w", err)
	}
	return nil
}

// Consume はnonceに対応する状態を削除して返す。
// 削除と取得を1文で行うため、同時に届いた同一コールバックのうち1件だけが成功する。
// 期限切れの行も削除されるが、呼び出し元にはnilを返す。期限はDBの時刻で判定する。
func (r *PostgresOAuthStateRepo) Consume(ctx context.Context, nonce string) (*model.PendingOAuthState, error) {
	state := &model.PendingOAuthState{}
	var platform string
	var live bool
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM oauth_states
		 WHERE nonce = $1
		 RETURNING nonce, user_id, platform, code_verifier, created_at, expires_at, expires_at > now()`,
		nonce,
	).Scan(&state.Nonce, &state.UserID, &platform, &state.CodeVerifier, &state.CreatedAt, &state.ExpiresAt, &live)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}
	if !live {
		return nil, nil
	}

	state.Platform = model.Platform(platform)
	return state, nil
}

// DeleteExpired は期限切れの状態を削除し、削除件数を返す。
func (r *PostgresOAuthStateRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_states WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired oauth states: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ OAuthStateRepository = (*PostgresOAuthStateRepo)(nil)
