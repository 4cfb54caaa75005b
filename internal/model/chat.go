package model

import "time"

// ChatRole はチャットメッセージの発言者。
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage は会話履歴の1メッセージ。
type ChatMessage struct {
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatUsage はモデルが報告したトークン使用量。
type ChatUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ChatReply はチャット応答。SessionIDは会話ID。
type ChatReply struct {
	SessionID string     `json:"sessionId"`
	Message   string     `json:"message"`
	Usage     *ChatUsage `json:"usage"`
}
