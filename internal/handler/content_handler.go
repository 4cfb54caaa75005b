package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/clikpost/internal/middleware"
	"github.com/hitoshi/clikpost/internal/model"
)

// maxGenerateBodyBytes は生成リクエストボディの上限。
const maxGenerateBodyBytes = 64 << 10

// ContentGeneratorInterface は投稿文生成のインターフェース。
type ContentGeneratorInterface interface {
	Generate(ctx context.Context, topic string) ([]model.GeneratedPost, error)
}

// ImageGeneratorInterface は画像生成のインターフェース。
type ImageGeneratorInterface interface {
	Generate(ctx context.Context, prompts []string) ([]model.GeneratedImage, error)
}

// ContentHandler はAIコンテンツ生成のHTTPハンドラー。
type ContentHandler struct {
	content ContentGeneratorInterface
	images  ImageGeneratorInterface
}

// NewContentHandler はContentHandlerを生成する。
func NewContentHandler(content ContentGeneratorInterface, images ImageGeneratorInterface) *ContentHandler {
	return &ContentHandler{
		content: content,
		images:  images,
	}
}

// generateContentRequest は投稿文生成リクエストのボディ。
type generateContentRequest struct {
	TopicText string `json:"topicText"`
}

// imagePromptRequest は画像生成リクエストの1要素。
type imagePromptRequest struct {
	Prompt string `json:"prompt"`
}

// GenerateContent はトピックからプラットフォーム別の投稿案を生成する。
// POST /api/content/generator
func (h *ContentHandler) GenerateContent(w http.ResponseWriter, r *http.Request) {
	var req generateContentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGenerateBodyBytes)).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの解析に失敗しました"))
		return
	}

	posts, err := h.content.Generate(r.Context(), req.TopicText)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, posts)
}

// GenerateImages はプロンプトごとに画像を生成する。
// POST /api/images/generator
func (h *ContentHandler) GenerateImages(w http.ResponseWriter, r *http.Request) {
	var req []imagePromptRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGenerateBodyBytes)).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError(`"prompt"キーを持つオブジェクトの配列を指定してください`))
		return
	}

	prompts := make([]string, len(req))
	for i, p := range req {
		prompts[i] = p.Prompt
	}

	images, err := h.images.Generate(r.Context(), prompts)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, images)
}

// SetupContentRoutes はコンテンツ生成関連のルーティングを設定したchi.Routerを返す。
func SetupContentRoutes(content ContentGeneratorInterface, images ImageGeneratorInterface) http.Handler {
	r := chi.NewRouter()
	h := NewContentHandler(content, images)

	r.Post("/api/content/generator", h.GenerateContent)
	r.Post("/api/images/generator", h.GenerateImages)

	return r
}
