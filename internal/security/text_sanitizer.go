// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は投稿・メッセージ本文からHTMLを除去してプレーンテキストにする。
// URLGuard は外部URL（media_url、Webhook送信先）の検証とSSRF防止付きHTTPクライアントを提供する。
package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxTextLength は本文として受け付ける最大文字数（rune単位）。
const MaxTextLength = 4000

// TextSanitizer は本文サニタイズのインターフェース。
type TextSanitizer interface {
	// Sanitize はすべてのHTMLタグを除去し、前後の空白を取り除いたテキストを返す。
	// MaxTextLengthを超える部分は切り捨てる。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// textSanitizer はbluemondayのStrictPolicyを使うTextSanitizerの実装。
// Policyはスレッドセーフなので共有して使う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はHTMLを除去したプレーンテキストを返す。
func (s *textSanitizer) Sanitize(raw string) string {
	text := strings.TrimSpace(s.policy.Sanitize(raw))
	if utf8.RuneCountInString(text) <= MaxTextLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:MaxTextLength])
}
