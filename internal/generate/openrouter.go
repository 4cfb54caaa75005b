package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/clikpost/internal/model"
)

// maxStreamLineBytes はストリーミング応答の1行として受け付ける上限。
const maxStreamLineBytes = 1 << 20

// OpenRouterConfig はOpenRouterClientの設定。
type OpenRouterConfig struct {
	APIKey string
	URL    string
	// Referer と Title はOpenRouterのアプリ識別ヘッダ（HTTP-Referer, X-Title）。空なら送らない。
	Referer    string
	Title      string
	HTTPClient *http.Client
}

// OpenRouterClient はOpenRouterのチャット補完APIのクライアント。
// 投稿文生成とチャットで共有する。
type OpenRouterClient struct {
	apiKey  string
	url     string
	referer string
	title   string
	client  *http.Client
}

// NewOpenRouterClient はOpenRouterClientを生成する。
func NewOpenRouterClient(cfg OpenRouterConfig) *OpenRouterClient {
	if cfg.URL == "" {
		cfg.URL = DefaultOpenRouterURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	return &OpenRouterClient{
		apiKey:  cfg.APIKey,
		url:     cfg.URL,
		referer: cfg.Referer,
		title:   cfg.Title,
		client:  cfg.HTTPClient,
	}
}

// Message はチャット補完の1メッセージ。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest はチャット補完リクエストのボディ。
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Usage はトークン使用量。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion は補完結果。
type Completion struct {
	Content string
	Usage   *Usage
}

// completionResponse はOpenRouterの応答のうち、生成テキストを含み得るフィールド。
// ストリーミング時はchoices[].deltaに差分が入る。
type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text string `json:"text"`
	} `json:"choices"`
	OutputText string `json:"output_text"`
	Usage      *Usage `json:"usage"`
}

// Configured はAPIキーが設定されているかを返す。
func (c *OpenRouterClient) Configured() bool {
	return c.apiKey != ""
}

// Complete は補完を1回実行し、生成テキスト全体を返す。
func (c *OpenRouterClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	req.Stream = false
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, model.NewGenerationFailedError(fmt.Sprintf("failed to read response: %v", err))
	}

	var parsed completionResponse
	_ = json.Unmarshal(body, &parsed)
	return &Completion{Content: extractOutput(body), Usage: parsed.Usage}, nil
}

// Stream はストリーミング補完を実行し、差分を受け取るたびにonDeltaを呼ぶ。
// onDeltaがエラーを返すと読み取りを中断してそのエラーを返す。
// 戻り値のContentは受け取った差分の連結。
func (c *OpenRouterClient) Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (*Completion, error) {
	req.Stream = true
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var full strings.Builder
	var usage *Usage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxStreamLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// 空行とSSEコメント（": OPENROUTER PROCESSING"など）は読み飛ばす
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		delta := data
		var chunk completionResponse
		if err := json.Unmarshal([]byte(data), &chunk); err == nil {
			delta = chunkText(chunk)
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
		}
		if delta == "" {
			continue
		}

		full.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, model.NewGenerationFailedError(fmt.Sprintf("stream interrupted: %v", err))
	}

	return &Completion{Content: full.String(), Usage: usage}, nil
}

// do はリクエストを送信し、2xx応答を返す。2xx以外は本文を切り詰めてエラーにする。
func (c *OpenRouterClient) do(ctx context.Context, req CompletionRequest) (*http.Response, error) {
	if !c.Configured() {
		return nil, model.NewProviderNotConfiguredError("openrouter")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if c.referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		httpReq.Header.Set("X-Title", c.title)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, model.NewGenerationFailedError(fmt.Sprintf("request failed: %v", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		slog.Warn("openrouter upstream error",
			slog.Int("status", resp.StatusCode),
			slog.Bool("stream", req.Stream),
			slog.String("body", truncate(body)),
		)
		return nil, model.NewGenerationFailedError(fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(body)))
	}
	return resp, nil
}

// extractOutput はOpenRouterの応答から生成テキストを取り出す。
// JSONとして解釈できない場合は本文をそのまま返す。
func extractOutput(body []byte) string {
	var resp completionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return strings.TrimSpace(string(body))
	}
	if len(resp.Choices) > 0 {
		if c := resp.Choices[0].Message.Content; c != "" {
			return c
		}
		if t := resp.Choices[0].Text; t != "" {
			return t
		}
	}
	return resp.OutputText
}

func chunkText(chunk completionResponse) string {
	if len(chunk.Choices) == 0 {
		return ""
	}
	c := chunk.Choices[0]
	switch {
	case c.Delta.Content != "":
		return c.Delta.Content
	case c.Message.Content != "":
		return c.Message.Content
	}
	return c.Text
}
