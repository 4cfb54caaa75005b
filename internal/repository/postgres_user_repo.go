package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/clikpost/internal/model"
)

// ErrIdentityTaken は同じIdPアカウントのidentityが既に存在することを示す。
// 同一アカウントの初回ログインが並行した場合に起こる。
var ErrIdentityTaken = errors.New("identity already linked to a user")

// pqUniqueViolation はPostgreSQLのunique_violation。
const pqUniqueViolation = "23505"

// PostgresUserRepo はusersとidentitiesを扱う。
type PostgresUserRepo struct {
	db *sql.DB
}

func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は利用者を取得する。存在しなければ(nil, nil)。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at, updated_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find user %s: %w", id, err)
	}
	return &u, nil
}

// CreateWithIdentity は利用者とログインidentityを1文で作成する。
// identityが一意制約に当たった場合は利用者も作られず、ErrIdentityTakenを返す。
func (r *PostgresUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	if identity.UserID != "" && identity.UserID != user.ID {
		return fmt.Errorf("identity belongs to user %s, not %s", identity.UserID, user.ID)
	}

	_, err := r.db.ExecContext(ctx, `
		WITH new_user AS (
			INSERT INTO users (id, email, name, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		)
		INSERT INTO identities (id, user_id, provider, provider_user_id, created_at)
		SELECT $6, new_user.id, $7, $8, $9 FROM new_user`,
		user.ID, user.Email, user.Name, user.CreatedAt, user.UpdatedAt,
		identity.ID, identity.Provider, identity.ProviderUserID, identity.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation && pqErr.Table == "identities" {
		return fmt.Errorf("%w: %s/%s", ErrIdentityTaken, identity.Provider, identity.ProviderUserID)
	}
	if err != nil {
		return fmt.Errorf("failed to create user with identity: %w", err)
	}
	return nil
}

// DeleteByID は利用者を削除する。identities、oauth_states、pending_page_selections、
// chat_conversations（とそのメッセージ）は外部キーのCASCADEで消える。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return model.NewUserNotFoundError()
	}
	return nil
}

var _ UserRepository = (*PostgresUserRepo)(nil)
