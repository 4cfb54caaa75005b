package model

// GeneratedPost はAIが生成したプラットフォーム別の投稿案を表す。
type GeneratedPost struct {
	Platform    string   `json:"platform"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Body        string   `json:"body"`
	Hashtags    []string `json:"hashtags"`
	ImagePrompt string   `json:"imagePrompt"`
}

// GeneratedImage は生成画像をdata URL形式で保持する。
type GeneratedImage struct {
	Prompt string `json:"prompt"`
	Image  string `json:"image"`
}
