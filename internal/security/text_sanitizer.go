package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はAI生成テキストからHTMLを取り除くインターフェースを定義する。
type TextSanitizerService interface {
	// SanitizeText は全てのタグを除去したプレーンテキストを返す。
	SanitizeText(raw string) string
}

// textSanitizer はbluemondayのStrictPolicyを用いたTextSanitizerServiceの実装。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はタグを除去し、StrictPolicyがエスケープした実体参照を元の文字に戻す。
// 結果はJSONとして返却されるため、HTMLエスケープは出力側に任せる。
func (s *textSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}

// compile-time interface check
var _ TextSanitizerService = (*textSanitizer)(nil)
