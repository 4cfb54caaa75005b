package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/clikpost/internal/model"
)

// PostgresConversationRepo はPostgreSQLを使用したチャット会話リポジトリ。
type PostgresConversationRepo struct {
	db *sql.DB
}

// NewPostgresConversationRepo はPostgresConversationRepoを生成する。
func NewPostgresConversationRepo(db *sql.DB) *PostgresConversationRepo {
	return &PostgresConversationRepo{db: db}
}

// Create はユーザーの新しい会話を作成し、そのIDを返す。
func (r *PostgresConversationRepo) Create(ctx context.Context, userID string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO chat_conversations (user_id) VALUES ($1) RETURNING id`,
		userID,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	return id, nil
}

// Owns は会話が存在し、かつユーザーのものであるかを返す。
func (r *PostgresConversationRepo) Owns(ctx context.Context, conversationID, userID string) (bool, error) {
	var owned bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_conversations WHERE id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&owned)
	if err != nil {
		return false, fmt.Errorf("failed to check conversation owner: %w", err)
	}
	return owned, nil
}

// AppendMessage は会話にメッセージを追加し、会話の更新日時を進める。
// CreatedAtが未設定の場合はDB側の時刻を採用する。
func (r *PostgresConversationRepo) AppendMessage(ctx context.Context, conversationID string, message *model.ChatMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO chat_messages (conversation_id, role, content, created_at)
		 VALUES ($1, $2, $3, COALESCE($4, now()))
		 RETURNING created_at`,
		conversationID, string(message.Role), message.Content, nullableTime(zeroToNil(message.CreatedAt)),
	).Scan(&message.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert chat message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE chat_conversations SET updated_at = now() WHERE id = $1`,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecentMessages は会話の直近limit件のメッセージを古い順に返す。
func (r *PostgresConversationRepo) RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.ChatMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM (
		   SELECT id, role, content, created_at
		   FROM chat_messages
		   WHERE conversation_id = $1
		   ORDER BY id DESC
		   LIMIT $2
		 ) recent
		 ORDER BY id ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	defer rows.Close()

	var messages []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		var role string
		if err := rows.Scan(&role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		m.Role = model.ChatRole(role)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat messages: %w", err)
	}
	return messages, nil
}

// compile-time interface check
var _ ConversationRepository = (*PostgresConversationRepo)(nil)
