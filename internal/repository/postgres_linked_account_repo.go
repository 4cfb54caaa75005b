package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/clikpost/internal/model"
	"github.com/hitoshi/clikpost/internal/security"
)

const linkedAccountColumns = `id, user_id, platform, account_id, access_token, refresh_token,
	expires_at, scopes, connected_at, status`

// PostgresLinkedAccountRepo はPostgreSQLを使用した連携アカウントリポジトリ。
type PostgresLinkedAccountRepo struct {
	db     *sql.DB
	cipher security.TokenCipher
}

// NewPostgresLinkedAccountRepo はPostgresLinkedAccountRepoを生成する。
func NewPostgresLinkedAccountRepo(db *sql.DB, cipher security.TokenCipher) *PostgresLinkedAccountRepo {
	return &PostgresLinkedAccountRepo{db: db, cipher: cipher}
}

// Create は連携アカウントを新しい行として追加する。
// IDとConnectedAtが未設定の場合はDB側の既定値を採用する。
func (r *PostgresLinkedAccountRepo) Create(ctx context.Context, account *model.LinkedAccount) error {
	accessToken, refreshToken, err := r.encryptTokens(account)
	if err != nil {
		return err
	}

	scopes := account.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO linked_accounts
		   (id, user_id, platform, account_id, access_token, refresh_token, expires_at, scopes, connected_at, status)
		 VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8,
		         COALESCE($9, now()), $10)
		 RETURNING id, connected_at`,
		account.ID, account.UserID, string(account.Platform), account.AccountID,
		accessToken, refreshToken, nullableTime(account.ExpiresAt), pq.Array(scopes),
		nullableTime(zeroToNil(account.ConnectedAt)), string(account.Status),
	).Scan(&account.ID, &account.ConnectedAt)
	if err != nil {
		return fmt.Errorf("failed to create linked account: %w", err)
	}
	return nil
}

// ListByUserID はユーザーの連携アカウントをconnected_at降順で返す。
func (r *PostgresLinkedAccountRepo) ListByUserID(ctx context.Context, userID string) ([]*model.LinkedAccount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+linkedAccountColumns+`
		 FROM linked_accounts
		 WHERE user_id = $1
		 ORDER BY connected_at DESC, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked accounts: %w", err)
	}
	defer rows.Close()

	return r.scanAll(rows)
}

// FindLatest はユーザーとプラットフォームの最新行を返す。見つからない場合はnilを返す。
func (r *PostgresLinkedAccountRepo) FindLatest(ctx context.Context, userID string, platform model.Platform) (*model.LinkedAccount, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+linkedAccountColumns+`
		 FROM linked_accounts
		 WHERE user_id = $1 AND platform = $2
		 ORDER BY connected_at DESC
		 LIMIT 1`,
		userID, string(platform),
	)

	account, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find linked account: %w", err)
	}
	return account, nil
}

// ListExpiring は更新可能な最新のconnected行を(expires_at, id)の昇順で返す。
// 空のトークンは暗号化せずに保存されるため、トークンの有無は空文字列との比較で判定できる。
func (r *PostgresLinkedAccountRepo) ListExpiring(ctx context.Context, q ExpiringQuery) ([]*model.LinkedAccount, error) {
	var afterExpiresAt sql.NullTime
	if q.AfterID != "" {
		afterExpiresAt = sql.NullTime{Time: q.AfterExpiresAt, Valid: true}
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+linkedAccountColumns+`
		 FROM (
		   SELECT DISTINCT ON (user_id, platform) `+linkedAccountColumns+`
		   FROM linked_accounts
		   ORDER BY user_id, platform, connected_at DESC
		 ) latest
		 WHERE status = 'connected' AND expires_at IS NOT NULL AND expires_at <= $1
		   AND ((platform = ANY($2) AND refresh_token <> '')
		     OR (platform = ANY($3) AND access_token <> ''))
		   AND ($4::timestamptz IS NULL OR (expires_at, id) > ($4::timestamptz, NULLIF($5, '')::uuid))
		 ORDER BY expires_at ASC, id ASC
		 LIMIT $6`,
		q.Before, pq.Array(platformStrings(q.RefreshTokenPlatforms)), pq.Array(platformStrings(q.AccessTokenPlatforms)),
		afterExpiresAt, q.AfterID, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring linked accounts: %w", err)
	}
	defer rows.Close()

	return r.scanAll(rows)
}

func platformStrings(platforms []model.Platform) []string {
	out := make([]string, len(platforms))
	for i, p := range platforms {
		out[i] = string(p)
	}
	return out
}

// UpdateTokens は更新されたトークンと期限で行を上書きし、状態をconnectedに戻す。
func (r *PostgresLinkedAccountRepo) UpdateTokens(ctx context.Context, account *model.LinkedAccount) error {
	accessToken, refreshToken, err := r.encryptTokens(account)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE linked_accounts
		 SET access_token = $2, refresh_token = $3, expires_at = $4, status = 'connected'
		 WHERE id = $1`,
		account.ID, accessToken, refreshToken, nullableTime(account.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update linked account tokens: %w", err)
	}
	return nil
}

// UpdateStatus は行の状態を更新する。
func (r *PostgresLinkedAccountRepo) UpdateStatus(ctx context.Context, id string, status model.AccountStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE linked_accounts SET status = $2 WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to update linked account status: %w", err)
	}
	return nil
}

// RevokeByUserAndPlatform はconnected状態の行をrevokedにし、更新件数を返す。
func (r *PostgresLinkedAccountRepo) RevokeByUserAndPlatform(ctx context.Context, userID string, platform model.Platform) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE linked_accounts SET status = 'revoked'
		 WHERE user_id = $1 AND platform = $2 AND status = 'connected'`,
		userID, string(platform),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke linked accounts: %w", err)
	}
	return result.RowsAffected()
}

// DeleteByUserID はユーザーの全連携アカウントを削除する。
func (r *PostgresLinkedAccountRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM linked_accounts WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete linked accounts: %w", err)
	}
	return nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresLinkedAccountRepo) scan(row rowScanner) (*model.LinkedAccount, error) {
	var (
		a            model.LinkedAccount
		platform     string
		status       string
		accessToken  string
		refreshToken string
		expiresAt    sql.NullTime
		scopes       pq.StringArray
	)
	if err := row.Scan(&a.ID, &a.UserID, &platform, &a.AccountID, &accessToken, &refreshToken,
		&expiresAt, &scopes, &a.ConnectedAt, &status); err != nil {
		return nil, err
	}

	a.Platform = model.Platform(platform)
	a.Status = model.AccountStatus(status)
	a.Scopes = []string(scopes)
	if expiresAt.Valid {
		t := expiresAt.Time
		a.ExpiresAt = &t
	}

	var err error
	if a.AccessToken, err = r.cipher.Decrypt(accessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if a.RefreshToken, err = r.cipher.Decrypt(refreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return &a, nil
}

func (r *PostgresLinkedAccountRepo) scanAll(rows *sql.Rows) ([]*model.LinkedAccount, error) {
	var accounts []*model.LinkedAccount
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan linked account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate linked accounts: %w", err)
	}
	return accounts, nil
}

func (r *PostgresLinkedAccountRepo) encryptTokens(account *model.LinkedAccount) (string, string, error) {
	accessToken, err := r.cipher.Encrypt(account.AccessToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshToken, err := r.cipher.Encrypt(account.RefreshToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return accessToken, refreshToken, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func zeroToNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// compile-time interface check
var _ LinkedAccountRepository = (*PostgresLinkedAccountRepo)(nil)
