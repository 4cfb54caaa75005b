package social

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/clikpost/internal/model"
	"github.com/hitoshi/clikpost/internal/repository"
)

// 既定のTTL
const (
	DefaultStateTTL   = 10 * time.Minute
	DefaultPendingTTL = 15 * time.Minute
)

// FlowState は1回の接続試行の進行状態を表す。ログとメトリクスのラベルに使用する。
type FlowState string

const (
	FlowRequested             FlowState = "requested"
	FlowCallbackReceived      FlowState = "callback_received"
	FlowTokenExchanged        FlowState = "token_exchanged"
	FlowIdentityResolved      FlowState = "identity_resolved"
	FlowAwaitingPageSelection FlowState = "awaiting_page_selection"
	FlowLinked                FlowState = "linked"
	FlowRejected              FlowState = "rejected"
	FlowProviderError         FlowState = "provider_error"
)

// CallbackOutcome はコールバック処理の結果種別。
type CallbackOutcome int

const (
	// OutcomeLinked は連携アカウントが保存されたことを表す。
	OutcomeLinked CallbackOutcome = iota + 1
	// OutcomeAwaitingPageSelection はページ選択待ちデータが保存され、連携は未完了であることを表す。
	OutcomeAwaitingPageSelection
)

// CallbackInput はプロバイダからのリダイレクトに含まれる値。
type CallbackInput struct {
	Platform         string
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackResult はコールバック処理の結果。
type CallbackResult struct {
	Outcome   CallbackOutcome
	UserID    string
	Account   *model.LinkedAccount
	PageCount int
}

// MetricsRecorder は接続フローのメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordConnectStarted(platform string)
	RecordCallback(platform string, state FlowState)
	RecordTokenExchange(platform string, duration time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordConnectStarted(string)                      {}
func (nopRecorder) RecordCallback(string, FlowState)                 {}
func (nopRecorder) RecordTokenExchange(string, time.Duration, error) {}

// ServiceConfig はServiceの設定値。
type ServiceConfig struct {
	Registry    *Registry
	Credentials map[model.Platform]Credentials
	StateSecret []byte
	StateTTL    time.Duration
	PendingTTL  time.Duration
	// HTTPClient はプロバイダ呼び出しに使用するクライアント。本番ではSSRF防止付きクライアントを渡す。
	HTTPClient *http.Client
	Metrics    MetricsRecorder
}

// Service はソーシャルアカウント接続フローのサービス層。
// 認可URLの生成、コールバックでのstate検証・トークン交換・アカウントID解決、
// 連携アカウントの保存またはページ選択待ちへの引き渡しを統括する。
type Service struct {
	registry    *Registry
	credentials map[model.Platform]Credentials
	codec       *StateCodec
	states      repository.OAuthStateRepository
	exchanger   *tokenExchanger
	linker      *Linker
	pending     PendingPageStore
	metrics     MetricsRecorder
	stateTTL    time.Duration
	pendingTTL  time.Duration
	now         func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	cfg ServiceConfig,
	states repository.OAuthStateRepository,
	linker *Linker,
	pending PendingPageStore,
) *Service {
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	return &Service{
		registry:    cfg.Registry,
		credentials: cfg.Credentials,
		codec:       NewStateCodec(cfg.StateSecret),
		states:      states,
		exchanger:   newTokenExchanger(cfg.HTTPClient),
		linker:      linker,
		pending:     pending,
		metrics:     cfg.Metrics,
		stateTTL:    cfg.StateTTL,
		pendingTTL:  cfg.PendingTTL,
		now:         time.Now,
	}
}

// Registry はサービスが使用するプロバイダ定義を返す。
func (s *Service) Registry() *Registry {
	return s.registry
}

// credentialsFor はプラットフォームの資格情報を返す。
// 欠けている値があれば対応する環境変数名を列挙した*ConfigurationErrorを返す。
func (s *Service) credentialsFor(p ProviderConfig) (Credentials, error) {
	creds := s.credentials[p.Platform]
	var missing []string
	if creds.ClientID == "" {
		missing = append(missing, p.ClientIDEnvKey)
	}
	if creds.ClientSecret == "" {
		missing = append(missing, p.ClientSecretEnvKey)
	}
	if creds.RedirectURI == "" {
		missing = append(missing, p.RedirectURIEnvKey)
	}
	if len(missing) > 0 {
		return Credentials{}, &ConfigurationError{Platform: p.Platform, MissingKeys: missing}
	}
	return creds, nil
}

// Connect は認可URLを生成する。
// stateはnonce・ユーザーID・期限を署名付きで埋め込み、nonceはサーバー側にも保存する。
func (s *Service) Connect(ctx context.Context, platform string, userID string) (string, error) {
	p, err := s.registry.Lookup(platform)
	if err != nil {
		return "", err
	}
	creds, err := s.credentialsFor(p)
	if err != nil {
		slog.Error("プロバイダの資格情報が設定されていません",
			slog.String("platform", string(p.Platform)),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	now := s.now()
	expiresAt := now.Add(s.stateTTL)

	state, err := s.codec.Encode(p.Platform, nonce, userID, expiresAt)
	if err != nil {
		return "", fmt.Errorf("stateの生成に失敗しました: %w", err)
	}

	var verifier string
	if p.UsePKCE {
		verifier = oauth2.GenerateVerifier()
	}

	if err := s.states.Create(ctx, &model.PendingOAuthState{
		Nonce:        nonce,
		UserID:       userID,
		Platform:     p.Platform,
		CodeVerifier: verifier,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
	}); err != nil {
		return "", fmt.Errorf("認可状態の保存に失敗しました: %w", err)
	}

	authURL, err := buildAuthURL(p, creds, state, verifier)
	if err != nil {
		return "", err
	}

	s.metrics.RecordConnectStarted(string(p.Platform))
	slog.Info("OAuth接続を開始しました",
		slog.String("user_id", userID),
		slog.String("platform", string(p.Platform)),
		slog.String("flow_state", string(FlowRequested)),
	)
	return authURL, nil
}

// Callback はプロバイダからのリダイレクトを処理する。
// 認可コードとstateの検証が済むまでプロバイダへの通信は行わない。
func (s *Service) Callback(ctx context.Context, in CallbackInput) (*CallbackResult, error) {
	p, err := s.registry.Lookup(in.Platform)
	if err != nil {
		s.metrics.RecordCallback(in.Platform, FlowRejected)
		return nil, err
	}
	platform := string(p.Platform)

	result, state, err := s.callback(ctx, p, in)
	s.metrics.RecordCallback(platform, state)

	logAttrs := []any{
		slog.String("platform", platform),
		slog.String("flow_state", string(state)),
	}
	if err != nil {
		logAttrs = append(logAttrs, slog.String("error", err.Error()))
		if state == FlowProviderError {
			slog.Error("OAuthコールバックの処理に失敗しました", logAttrs...)
		} else {
			slog.Warn("OAuthコールバックを拒否しました", logAttrs...)
		}
		return nil, err
	}

	logAttrs = append(logAttrs, slog.String("user_id", result.UserID))
	slog.Info("OAuthコールバックを処理しました", logAttrs...)
	return result, nil
}

func (s *Service) callback(ctx context.Context, p ProviderConfig, in CallbackInput) (*CallbackResult, FlowState, error) {
	if in.Error != "" {
		return nil, FlowRejected, &AuthorizationDeniedError{Platform: p.Platform, Code: in.Error, Description: in.ErrorDescription}
	}
	if in.Code == "" {
		return nil, FlowRejected, &MissingAuthorizationCodeError{Platform: p.Platform}
	}

	claims, err := s.codec.Decode(p.Platform, in.State)
	if err != nil {
		return nil, FlowRejected, err
	}
	pending, err := s.states.Consume(ctx, claims.Nonce)
	if err != nil {
		return nil, FlowProviderError, fmt.Errorf("認可状態の取得に失敗しました: %w", err)
	}
	if pending == nil {
		return nil, FlowRejected, &InvalidStateError{Reason: "unknown or already used nonce"}
	}
	if pending.UserID != claims.UserID || pending.Platform != p.Platform {
		return nil, FlowRejected, &InvalidStateError{Reason: "state does not match the issued request"}
	}

	creds, err := s.credentialsFor(p)
	if err != nil {
		return nil, FlowRejected, err
	}

	start := time.Now()
	token, err := s.exchanger.exchangeCode(ctx, p, creds, in.Code, pending.CodeVerifier)
	s.metrics.RecordTokenExchange(string(p.Platform), time.Since(start), err)
	if err != nil {
		return nil, FlowProviderError, err
	}

	accountID, err := s.exchanger.resolveAccountID(ctx, p, token)
	if err != nil {
		return nil, FlowProviderError, err
	}

	if p.PageSelection != nil {
		pages, err := s.exchanger.fetchPages(ctx, p, token.AccessToken)
		if err != nil {
			return nil, FlowProviderError, err
		}
		if len(pages) > 0 {
			sel := &model.PendingPageSelection{UserAccessToken: token.AccessToken, Pages: pages}
			if err := s.pending.Put(ctx, claims.UserID, sel, s.pendingTTL); err != nil {
				return nil, FlowProviderError, err
			}
			return &CallbackResult{
				Outcome:   OutcomeAwaitingPageSelection,
				UserID:    claims.UserID,
				PageCount: len(pages),
			}, FlowAwaitingPageSelection, nil
		}
	}

	scopes := p.Scopes
	if raw := stringify(token.Extra("scope")); raw != "" {
		scopes = parseScopes(raw)
	}

	account, err := s.linker.Link(ctx, LinkInput{
		UserID:       claims.UserID,
		Platform:     p.Platform,
		AccountID:    accountID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiryPtr(token),
		Scopes:       scopes,
	})
	if err != nil {
		return nil, FlowProviderError, err
	}

	return &CallbackResult{
		Outcome: OutcomeLinked,
		UserID:  claims.UserID,
		Account: account,
	}, FlowLinked, nil
}

// expiryPtr はトークンの期限をポインタで返す。期限なしの場合はnil。
func expiryPtr(token *oauth2.Token) *time.Time {
	if token.Expiry.IsZero() {
		return nil
	}
	t := token.Expiry
	return &t
}

// IsClientError はエラーが利用者側の問題（4xx相当）かを判定する。
func IsClientError(err error) bool {
	var (
		unsupported *UnsupportedPlatformError
		missingCode *MissingAuthorizationCodeError
		badState    *InvalidStateError
		denied      *AuthorizationDeniedError
	)
	return errors.As(err, &unsupported) || errors.As(err, &missingCode) ||
		errors.As(err, &badState) || errors.As(err, &denied)
}
