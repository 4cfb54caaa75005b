// Package generate はAIによる投稿文と画像の生成を提供する。
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/clikpost/internal/model"
	"github.com/hitoshi/clikpost/internal/security"
)

const (
	// DefaultOpenRouterURL はOpenRouterのチャット補完エンドポイント。
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1/chat/completions"
	// DefaultOpenRouterModel は投稿文生成に使用するモデル。
	DefaultOpenRouterModel = "tngtech/deepseek-r1t2-chimera:free"

	defaultTimeout = 60 * time.Second

	// maxErrorBodyBytes はエラーに含める上流応答本文の上限。
	maxErrorBodyBytes = 512
	// maxResponseBytes は上流応答として読み込む本文の上限。
	maxResponseBytes = 2 << 20
)

// contentPrompt は投稿文生成の指示文。%sにトピックが入る。
const contentPrompt = `You are an AI content generator for a product called 1ClikPost.

Create engaging, platform-tailored social media post content for LinkedIn, Twitter, Instagram and Facebook.
For each platform, write text in the platform's style and include an image prompt that visually represents the post.

Input Topic: %s

Return a valid JSON array where each element has the keys
"platform", "title", "description", "body", "hashtags" (array of strings) and "imagePrompt".

Guidelines:
- LinkedIn: professional and informative.
- Twitter: short and conversational.
- Instagram: emotional or aesthetic.
- Facebook: casual and community-oriented.
- Hashtags must be relevant to the topic.
- The image prompt describes the subject, color tone and composition.

Only return the JSON array. Do NOT include any extra commentary.`

// ContentConfig はContentGeneratorの設定。
// Clientが指定された場合はAPIKey・URL・HTTPClientより優先する。
type ContentConfig struct {
	APIKey     string
	URL        string
	Model      string
	HTTPClient *http.Client
	Client     *OpenRouterClient
}

// ContentGenerator はOpenRouterを用いてプラットフォーム別の投稿案を生成する。
type ContentGenerator struct {
	client    *OpenRouterClient
	model     string
	sanitizer security.TextSanitizerService
}

// NewContentGenerator はContentGeneratorを生成する。
func NewContentGenerator(cfg ContentConfig, sanitizer security.TextSanitizerService) *ContentGenerator {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenRouterModel
	}
	client := cfg.Client
	if client == nil {
		client = NewOpenRouterClient(OpenRouterConfig{
			APIKey:     cfg.APIKey,
			URL:        cfg.URL,
			HTTPClient: cfg.HTTPClient,
		})
	}
	return &ContentGenerator{
		client:    client,
		model:     cfg.Model,
		sanitizer: sanitizer,
	}
}

// rawPost はモデル出力の1要素。Instagramはbodyの代わりにcaptionを返すことがある。
type rawPost struct {
	Platform    string   `json:"platform"`
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	Body        string   `json:"body"`
	Caption     string   `json:"caption"`
	Hashtags    []string `json:"hashtags"`
	ImagePrompt string   `json:"imagePrompt"`
}

// Generate はトピックからプラットフォーム別の投稿案を生成する。
func (g *ContentGenerator) Generate(ctx context.Context, topic string) ([]model.GeneratedPost, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, model.NewInvalidRequestError("トピックを入力してください")
	}
	if !g.client.Configured() {
		return nil, model.NewProviderNotConfiguredError("openrouter")
	}

	start := time.Now()
	completion, err := g.client.Complete(ctx, CompletionRequest{
		Model:    g.model,
		Messages: []Message{{Role: "user", Content: fmt.Sprintf(contentPrompt, topic)}},
	})
	if err != nil {
		return nil, err
	}

	output := completion.Content
	if output == "" {
		return nil, model.NewGenerationFailedError("no content returned from model")
	}

	raws, err := parsePosts(output)
	if err != nil {
		slog.Warn("failed to parse generated content",
			slog.String("error", err.Error()),
			slog.String("output", truncate([]byte(output))),
		)
		return nil, model.NewGenerationFailedError("model output is not a JSON array")
	}

	posts := make([]model.GeneratedPost, 0, len(raws))
	for _, r := range raws {
		posts = append(posts, g.normalize(r))
	}

	slog.Info("content generated",
		slog.Int("posts", len(posts)),
		slog.Duration("duration", time.Since(start)),
	)
	return posts, nil
}

// parsePosts はモデル出力からJSON配列を取り出す。
// 前後に説明文やコードフェンスが付いていても最初の'['から最後の']'までを解釈する。
func parsePosts(output string) ([]rawPost, error) {
	var posts []rawPost
	if err := json.Unmarshal([]byte(output), &posts); err == nil {
		return posts, nil
	}

	start := strings.Index(output, "[")
	end := strings.LastIndex(output, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array found in model output")
	}
	if err := json.Unmarshal([]byte(output[start:end+1]), &posts); err != nil {
		return nil, fmt.Errorf("failed to decode JSON array: %w", err)
	}
	return posts, nil
}

// normalize はモデル出力の1要素を整形する。
func (g *ContentGenerator) normalize(r rawPost) model.GeneratedPost {
	body := r.Body
	if body == "" {
		body = r.Caption
	}
	return model.GeneratedPost{
		Platform:    normalizePlatform(r.Platform),
		Title:       g.sanitizer.SanitizeText(deref(r.Title)),
		Description: g.sanitizer.SanitizeText(deref(r.Description)),
		Body:        g.sanitizer.SanitizeText(body),
		Hashtags:    normalizeHashtags(r.Hashtags),
		ImagePrompt: g.sanitizer.SanitizeText(r.ImagePrompt),
	}
}

// normalizePlatform はプラットフォーム名を連携APIと同じ小文字の識別子にそろえる。
func normalizePlatform(name string) string {
	p := strings.ToLower(strings.TrimSpace(name))
	switch p {
	case "x", "x (twitter)", "twitter/x":
		return string(model.PlatformTwitter)
	}
	return p
}

// normalizeHashtags は空白を除去し、先頭に#を付け、重複を取り除く。
func normalizeHashtags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.Join(strings.Fields(t), "")
		t = strings.TrimLeft(t, "#")
		if t == "" {
			continue
		}
		tag := "#" + t
		key := strings.ToLower(tag)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tag)
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// truncate は上流応答を診断用に切り詰める。
func truncate(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		return string(body[:maxErrorBodyBytes]) + "...(truncated)"
	}
	return string(body)
}
