package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/clikpost/internal/middleware"
	"github.com/hitoshi/clikpost/internal/model"
	"github.com/hitoshi/clikpost/internal/social"
)

// DefaultPageSelectionPath はFacebookページ選択画面のパス。
const DefaultPageSelectionPath = "/dashboard/connect/facebook/pages"

// SocialServiceInterface はソーシャル連携ハンドラーが必要とするサービスインターフェース。
type SocialServiceInterface interface {
	// Connect は認可URLを生成する。
	Connect(ctx context.Context, platform, userID string) (string, error)
	// Callback は認可コードを交換し、連携またはページ選択待ちにする。
	Callback(ctx context.Context, in social.CallbackInput) (*social.CallbackResult, error)
	// GetPages はページ選択待ちのFacebookページ一覧を返す。
	GetPages(ctx context.Context, userID string) ([]model.FacebookPage, error)
	// SelectPage は選択されたFacebookページを連携する。
	SelectPage(ctx context.Context, in social.SelectPageInput) (*model.LinkedAccount, error)
	// ConnectedPlatforms は連携中のプラットフォーム一覧を返す。
	ConnectedPlatforms(ctx context.Context, userID string) ([]model.Platform, error)
	// Disconnect はプラットフォームの連携を解除する。
	Disconnect(ctx context.Context, userID, platform string) error
}

// SocialHandlerConfig はソーシャル連携ハンドラーの設定。
type SocialHandlerConfig struct {
	BaseURL           string
	PageSelectionPath string
}

// SocialHandler はソーシャルアカウント連携のHTTPハンドラー。
type SocialHandler struct {
	service SocialServiceInterface
	config  SocialHandlerConfig
}

// NewSocialHandler はSocialHandlerを生成する。
func NewSocialHandler(service SocialServiceInterface, config SocialHandlerConfig) *SocialHandler {
	if config.PageSelectionPath == "" {
		config.PageSelectionPath = DefaultPageSelectionPath
	}
	return &SocialHandler{
		service: service,
		config:  config,
	}
}

// selectPageRequest はページ選択リクエストのボディ。
type selectPageRequest struct {
	PageID          string   `json:"pageId"`
	PageAccessToken string   `json:"pageAccessToken"`
	PagePerms       []string `json:"pagePerms"`
}

// linkedAccountResponse は連携アカウントのAPIレスポンス。
// トークン値はマスクして返す。
type linkedAccountResponse struct {
	UserID       string     `json:"userId"`
	Platform     string     `json:"platform"`
	AccountID    string     `json:"accountId"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken *string    `json:"refreshToken"`
	ExpiresAt    *time.Time `json:"expiresAt"`
	Scopes       []string   `json:"scopes"`
	ConnectedAt  time.Time  `json:"connectedAt"`
	Status       string     `json:"status"`
}

// connectedResponse は連携完了時のレスポンス。
type connectedResponse struct {
	Message string                `json:"message"`
	Record  linkedAccountResponse `json:"record"`
}

// pageResponse はFacebookページのAPIレスポンス。ページトークンは返さない。
type pageResponse struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Perms []string `json:"perms"`
}

// Connect は認可URLを返す。
// GET /api/auth/connect/{platform}
func (h *SocialHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}

	authURL, err := h.service.Connect(r.Context(), chi.URLParam(r, "platform"), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{"authUrl": authURL})
}

// Callback はプロバイダからのリダイレクトを処理する。
// セッションは不要で、利用者の識別はstateに含まれるユーザーIDで行う。
// GET /api/auth/connect/callback/{platform}?code=xxx&state=yyy
func (h *SocialHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.service.Callback(r.Context(), social.CallbackInput{
		Platform:         chi.URLParam(r, "platform"),
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if result.Outcome == social.OutcomeAwaitingPageSelection {
		http.Redirect(w, r, h.config.BaseURL+h.config.PageSelectionPath, http.StatusFound)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, connectedResponse{
		Message: fmt.Sprintf("%s connected successfully", result.Account.Platform),
		Record:  toLinkedAccountResponse(result.Account),
	})
}

// GetFacebookPages はページ選択待ちのFacebookページ一覧を返す。
// GET /api/auth/connect/facebook/pages
func (h *SocialHandler) GetFacebookPages(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}

	pages, err := h.service.GetPages(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]pageResponse, len(pages))
	for i, p := range pages {
		perms := p.Perms
		if perms == nil {
			perms = []string{}
		}
		resp[i] = pageResponse{ID: p.ID, Name: p.Name, Perms: perms}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string][]pageResponse{"pages": resp})
}

// SelectFacebookPage は選択されたFacebookページを連携する。
// POST /api/auth/connect/facebook/select-page
func (h *SocialHandler) SelectFacebookPage(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}

	var req selectPageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの解析に失敗しました"))
		return
	}
	if req.PageID == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("pageIdが空です"))
		return
	}

	account, err := h.service.SelectPage(r.Context(), social.SelectPageInput{
		UserID:          userID,
		PageID:          req.PageID,
		PageAccessToken: req.PageAccessToken,
		Perms:           req.PagePerms,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, connectedResponse{
		Message: "Facebook page connected successfully",
		Record:  toLinkedAccountResponse(account),
	})
}

// ConnectedPlatforms は連携中のプラットフォーム一覧を返す。
// GET /api/auth/connect/connected-platforms
func (h *SocialHandler) ConnectedPlatforms(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}

	platforms, err := h.service.ConnectedPlatforms(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	names := make([]string, len(platforms))
	for i, p := range platforms {
		names[i] = string(p)
	}
	middleware.WriteJSON(w, http.StatusOK, map[string][]string{"platforms": names})
}

// Disconnect はプラットフォームの連携を解除する。
// DELETE /api/auth/connect/{platform}
func (h *SocialHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}

	if err := h.service.Disconnect(r.Context(), userID, chi.URLParam(r, "platform")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetupSocialRoutes はソーシャル連携関連のルーティングを設定したchi.Routerを返す。
// 認証ミドルウェアは呼び出し側で適用する。
func SetupSocialRoutes(service SocialServiceInterface, config SocialHandlerConfig) http.Handler {
	r := chi.NewRouter()
	h := NewSocialHandler(service, config)

	r.Route("/api/auth/connect", func(r chi.Router) {
		r.Get("/callback/{platform}", h.Callback)
		r.Get("/facebook/pages", h.GetFacebookPages)
		r.Post("/facebook/select-page", h.SelectFacebookPage)
		r.Get("/connected-platforms", h.ConnectedPlatforms)
		r.Get("/{platform}", h.Connect)
		r.Delete("/{platform}", h.Disconnect)
	})

	return r
}

// toLinkedAccountResponse はmodel.LinkedAccountからAPIレスポンスに変換する。
func toLinkedAccountResponse(a *model.LinkedAccount) linkedAccountResponse {
	resp := linkedAccountResponse{
		UserID:      a.UserID,
		Platform:    string(a.Platform),
		AccountID:   a.AccountID,
		AccessToken: redactToken(a.AccessToken),
		ExpiresAt:   a.ExpiresAt,
		Scopes:      a.Scopes,
		ConnectedAt: a.ConnectedAt,
		Status:      string(a.Status),
	}
	if a.HasRefreshToken() {
		masked := redactToken(a.RefreshToken)
		resp.RefreshToken = &masked
	}
	if resp.Scopes == nil {
		resp.Scopes = []string{}
	}
	return resp
}

// redactToken はトークンの末尾4文字だけを残してマスクする。
func redactToken(token string) string {
	const visible = 4
	if len(token) <= visible {
		return "****"
	}
	return "****" + token[len(token)-visible:]
}
