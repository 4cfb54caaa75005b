// Package chat はOpenRouterを用いた会話履歴付きのAIチャットを提供する。
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/clikpost/internal/generate"
	"github.com/hitoshi/clikpost/internal/model"
	"github.com/hitoshi/clikpost/internal/repository"
)

const (
	// DefaultModel はリクエストでモデルが指定されない場合に使用するモデル。
	DefaultModel = "openrouter/auto"
	// DefaultSystemPrompt は会話の先頭に付けるシステムメッセージ。
	DefaultSystemPrompt = "You are a helpful, friendly AI assistant."
	// DefaultHistoryLimit はモデルに渡す直近メッセージ数。今回のユーザー発言を含む。
	DefaultHistoryLimit = 20

	DefaultTemperature = 0.7
	MaxTemperature     = 2.0
	DefaultMaxTokens   = 1024
	MaxMaxTokens       = 4096

	// MaxMessageLength はユーザー発言の最大文字数。
	MaxMessageLength = 8000
	maxModelLength   = 128
)

// Completer はチャット補完のインターフェース。generate.OpenRouterClientが満たす。
type Completer interface {
	Configured() bool
	Complete(ctx context.Context, req generate.CompletionRequest) (*generate.Completion, error)
	Stream(ctx context.Context, req generate.CompletionRequest, onDelta func(string) error) (*generate.Completion, error)
}

// Config はServiceの設定。ゼロ値の項目はデフォルト値を使用する。
type Config struct {
	Model        string
	SystemPrompt string
	HistoryLimit int
}

// Request はチャットの1往復分の入力。
// SessionIDが空の場合は新しい会話を開始する。
type Request struct {
	Message     string
	SessionID   string
	Model       string
	Temperature *float64
	MaxTokens   *int
}

// Service は会話履歴の保存とモデル呼び出しを行う。
type Service struct {
	conversations repository.ConversationRepository
	completer     Completer
	config        Config
}

// NewService はServiceを生成する。
func NewService(conversations repository.ConversationRepository, completer Completer, cfg Config) *Service {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Service{
		conversations: conversations,
		completer:     completer,
		config:        cfg,
	}
}

// Send は発言を保存してモデルの応答を取得し、応答も履歴に保存して返す。
func (s *Service) Send(ctx context.Context, userID string, req Request) (*model.ChatReply, error) {
	sessionID, completion, err := s.prepare(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.completer.Complete(ctx, completion)
	if err != nil {
		return nil, err
	}

	return s.finish(ctx, userID, sessionID, result, start)
}

// Stream はSendのストリーミング版。応答の差分を受け取るたびにonDeltaを呼ぶ。
// 応答全体は受信完了後に履歴へ保存する。途中で失敗した場合は応答を保存しない。
func (s *Service) Stream(ctx context.Context, userID string, req Request, onDelta func(string) error) (*model.ChatReply, error) {
	sessionID, completion, err := s.prepare(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.completer.Stream(ctx, completion, onDelta)
	if err != nil {
		return nil, err
	}

	return s.finish(ctx, userID, sessionID, result, start)
}

// prepare は入力を検証し、会話を解決してユーザー発言を保存し、モデルへのリクエストを組み立てる。
func (s *Service) prepare(ctx context.Context, userID string, req Request) (string, generate.CompletionRequest, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return "", generate.CompletionRequest{}, model.NewInvalidRequestError("messageを入力してください")
	}
	if utf8.RuneCountInString(message) > MaxMessageLength {
		return "", generate.CompletionRequest{}, model.NewInvalidRequestError(
			fmt.Sprintf("messageは%d文字以内で入力してください", MaxMessageLength))
	}
	modelName := strings.TrimSpace(req.Model)
	if len(modelName) > maxModelLength {
		return "", generate.CompletionRequest{}, model.NewInvalidRequestError("modelが長すぎます")
	}
	if modelName == "" {
		modelName = s.config.Model
	}
	if !s.completer.Configured() {
		return "", generate.CompletionRequest{}, model.NewProviderNotConfiguredError("openrouter")
	}

	sessionID, err := s.resolveConversation(ctx, userID, req.SessionID)
	if err != nil {
		return "", generate.CompletionRequest{}, err
	}

	if err := s.conversations.AppendMessage(ctx, sessionID, &model.ChatMessage{
		Role:    model.ChatRoleUser,
		Content: message,
	}); err != nil {
		return "", generate.CompletionRequest{}, fmt.Errorf("発言の保存に失敗しました: %w", err)
	}

	history, err := s.conversations.RecentMessages(ctx, sessionID, s.config.HistoryLimit)
	if err != nil {
		return "", generate.CompletionRequest{}, fmt.Errorf("会話履歴の取得に失敗しました: %w", err)
	}

	messages := make([]generate.Message, 0, len(history)+1)
	messages = append(messages, generate.Message{Role: "system", Content: s.config.SystemPrompt})
	for _, m := range history {
		messages = append(messages, generate.Message{Role: string(m.Role), Content: m.Content})
	}

	temperature := ClampTemperature(req.Temperature)
	return sessionID, generate.CompletionRequest{
		Model:       modelName,
		Messages:    messages,
		Temperature: &temperature,
		MaxTokens:   ClampMaxTokens(req.MaxTokens),
	}, nil
}

// resolveConversation は指定の会話IDを検証して返す。空の場合は新しい会話を作成する。
// 存在しない会話や他のユーザーの会話は区別せずNotFoundとする。
func (s *Service) resolveConversation(ctx context.Context, userID, sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		id, err := s.conversations.Create(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("会話の作成に失敗しました: %w", err)
		}
		return id, nil
	}

	if _, err := uuid.Parse(sessionID); err != nil {
		return "", model.NewConversationNotFoundError()
	}
	owned, err := s.conversations.Owns(ctx, sessionID, userID)
	if err != nil {
		return "", fmt.Errorf("会話の確認に失敗しました: %w", err)
	}
	if !owned {
		return "", model.NewConversationNotFoundError()
	}
	return sessionID, nil
}

func (s *Service) finish(ctx context.Context, userID, sessionID string, result *generate.Completion, start time.Time) (*model.ChatReply, error) {
	if err := s.conversations.AppendMessage(ctx, sessionID, &model.ChatMessage{
		Role:    model.ChatRoleAssistant,
		Content: result.Content,
	}); err != nil {
		return nil, fmt.Errorf("応答の保存に失敗しました: %w", err)
	}

	slog.Info("chat reply generated",
		slog.String("user_id", userID),
		slog.String("session_id", sessionID),
		slog.Int("reply_length", utf8.RuneCountInString(result.Content)),
		slog.Duration("duration", time.Since(start)),
	)

	reply := &model.ChatReply{SessionID: sessionID, Message: result.Content}
	if result.Usage != nil {
		reply.Usage = &model.ChatUsage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		}
	}
	return reply, nil
}

// ClampTemperature は温度を[0, MaxTemperature]に収める。未指定ならDefaultTemperature。
func ClampTemperature(t *float64) float64 {
	if t == nil {
		return DefaultTemperature
	}
	switch {
	case *t < 0:
		return 0
	case *t > MaxTemperature:
		return MaxTemperature
	}
	return *t
}

// ClampMaxTokens は最大トークン数をMaxMaxTokens以下に収める。未指定や0以下ならDefaultMaxTokens。
func ClampMaxTokens(n *int) int {
	if n == nil || *n <= 0 {
		return DefaultMaxTokens
	}
	if *n > MaxMaxTokens {
		return MaxMaxTokens
	}
	return *n
}
