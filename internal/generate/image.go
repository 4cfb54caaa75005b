package generate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/clikpost/internal/model"
)

const (
	// DefaultHuggingFaceModelURL は画像生成に使用する推論エンドポイント。
	DefaultHuggingFaceModelURL = "https://api-inference.huggingface.co/models/stabilityai/stable-diffusion-xl-base-1.0"
	// DefaultImageConcurrency は同時に実行する画像生成リクエスト数のデフォルト値。
	DefaultImageConcurrency = 4
	// MaxPromptsPerRequest は1回のリクエストで受け付けるプロンプト数の上限。
	MaxPromptsPerRequest = 8

	maxImageBytes = 10 << 20
)

// ImageConfig はImageGeneratorの設定。
type ImageConfig struct {
	APIKey        string
	ModelURL      string
	MaxConcurrent int
	HTTPClient    *http.Client
}

// ImageGenerator はHugging Faceの推論APIで画像を生成する。
type ImageGenerator struct {
	apiKey        string
	modelURL      string
	maxConcurrent int
	client        *http.Client
}

// NewImageGenerator はImageGeneratorを生成する。
func NewImageGenerator(cfg ImageConfig) *ImageGenerator {
	if cfg.ModelURL == "" {
		cfg.ModelURL = DefaultHuggingFaceModelURL
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultImageConcurrency
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * defaultTimeout}
	}
	return &ImageGenerator{
		apiKey:        cfg.APIKey,
		modelURL:      cfg.ModelURL,
		maxConcurrent: cfg.MaxConcurrent,
		client:        cfg.HTTPClient,
	}
}

type inferenceRequest struct {
	Inputs  string `json:"inputs"`
	Options struct {
		WaitForModel bool `json:"wait_for_model"`
	} `json:"options"`
}

// Generate はプロンプトごとに画像を生成し、入力と同じ順序でdata URLを返す。
// 1件でも失敗した場合は残りのリクエストをキャンセルしてエラーを返す。
func (g *ImageGenerator) Generate(ctx context.Context, prompts []string) ([]model.GeneratedImage, error) {
	if len(prompts) == 0 {
		return nil, model.NewInvalidRequestError("プロンプトが空です")
	}
	if len(prompts) > MaxPromptsPerRequest {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("プロンプトは%d件までです", MaxPromptsPerRequest))
	}
	for i, p := range prompts {
		if strings.TrimSpace(p) == "" {
			return nil, model.NewInvalidRequestError(fmt.Sprintf("%d番目のpromptが空です", i+1))
		}
	}
	if g.apiKey == "" {
		return nil, model.NewProviderNotConfiguredError("huggingface")
	}

	start := time.Now()
	results := make([]model.GeneratedImage, len(prompts))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.maxConcurrent)
	for i, prompt := range prompts {
		i, prompt := i, prompt
		eg.Go(func() error {
			image, err := g.generateOne(egCtx, prompt)
			if err != nil {
				return err
			}
			results[i] = model.GeneratedImage{Prompt: prompt, Image: image}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	slog.Info("images generated",
		slog.Int("count", len(results)),
		slog.Duration("duration", time.Since(start)),
	)
	return results, nil
}

// generateOne は1件のプロンプトから画像を生成し、data URLとして返す。
func (g *ImageGenerator) generateOne(ctx context.Context, prompt string) (string, error) {
	var body inferenceRequest
	body.Inputs = prompt
	body.Options.WaitForModel = true

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.modelURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create inference request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", model.NewGenerationFailedError(fmt.Sprintf("image request failed: %v", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return "", model.NewGenerationFailedError(fmt.Sprintf("failed to read image: %v", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("image generation upstream error",
			slog.Int("status", resp.StatusCode),
			slog.String("body", truncate(data)),
		)
		return "", model.NewGenerationFailedError(fmt.Sprintf("image status %d: %s", resp.StatusCode, truncate(data)))
	}

	return "data:" + imageMediaType(resp.Header.Get("Content-Type")) + ";base64," +
		base64.StdEncoding.EncodeToString(data), nil
}

// imageMediaType は応答のContent-Typeから画像のメディアタイプを決める。
// 画像以外が返された場合はimage/jpegとみなす。
func imageMediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mt, "image/") {
		return "image/jpeg"
	}
	return mt
}
