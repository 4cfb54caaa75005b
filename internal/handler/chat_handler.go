package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/clikpost/internal/chat"
	"github.com/hitoshi/clikpost/internal/middleware"
	"github.com/hitoshi/clikpost/internal/model"
)

// streamWriteTimeout はストリーミング応答1本あたりの書き込み期限。
// サーバー全体のWriteTimeoutより長い応答を許すために延長する。
const streamWriteTimeout = 5 * time.Minute

// ChatServiceInterface はチャットサービスのインターフェース。
type ChatServiceInterface interface {
	Send(ctx context.Context, userID string, req chat.Request) (*model.ChatReply, error)
	Stream(ctx context.Context, userID string, req chat.Request, onDelta func(string) error) (*model.ChatReply, error)
}

// ChatHandler はAIチャットのHTTPハンドラー。
type ChatHandler struct {
	service ChatServiceInterface
}

// NewChatHandler はChatHandlerを生成する。
func NewChatHandler(service ChatServiceInterface) *ChatHandler {
	return &ChatHandler{service: service}
}

// chatRequest はチャットリクエストのボディ。
type chatRequest struct {
	Message     string   `json:"message"`
	SessionID   string   `json:"sessionId"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"maxTokens"`
}

func (r chatRequest) toServiceRequest() chat.Request {
	return chat.Request{
		Message:     r.Message,
		SessionID:   r.SessionID,
		Model:       r.Model,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
	}
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGenerateBodyBytes)).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの解析に失敗しました"))
		return req, false
	}
	return req, true
}

// Send は発言に対するモデルの応答を返す。
// POST /api/chat
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	reply, err := h.service.Send(r.Context(), userID, req.toServiceRequest())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, reply)
}

// Stream はモデルの応答をServer-Sent Eventsで逐次返す。
// 最初の差分が届くまではSSEを開始しないため、入力エラーや上流エラーは通常のエラーレスポンスになる。
// POST /api/chat/stream
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	sse := newSSEWriter(w)
	reply, err := h.service.Stream(r.Context(), userID, req.toServiceRequest(), func(delta string) error {
		return sse.event(map[string]string{"content": delta})
	})
	if err != nil {
		if !sse.started {
			handleServiceError(w, err)
			return
		}
		slog.Warn("chat stream failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		msg := "Stream error"
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			msg = apiErr.Message
		}
		_ = sse.event(map[string]string{"error": msg})
		return
	}

	_ = sse.event(map[string]any{"done": true, "sessionId": reply.SessionID})
}

// sseWriter は最初のイベント送出時にSSEヘッダを書き、以降は1イベントごとにFlushする。
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) start() error {
	s.started = true
	// ResponseRecorderなど期限を設定できないWriterでは無視する
	_ = s.rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(s.w, ":ok\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) event(v any) error {
	if !s.started {
		if err := s.start(); err != nil {
			return err
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode SSE event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.rc.Flush()
}
