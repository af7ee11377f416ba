// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はユーザーが入力する氏名・所属などのプロフィール項目から
// HTMLタグを取り除き、プレーンテキストとして保存できる形に整える。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプロフィール項目のサニタイズ機能のインターフェースを定義する。
type TextSanitizer interface {
	// SanitizeText はすべてのHTMLタグを除去し、エンティティを復元したうえで
	// 前後の空白を除き、連続する空白を1つにまとめる。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeText(s string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのStrictPolicyはスレッドセーフで、使い回しが可能。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeText はプロフィール項目をプレーンテキストに正規化する。
func (s *textSanitizer) SanitizeText(in string) string {
	if in == "" {
		return ""
	}
	// StrictPolicyは "&" などをエスケープして返すため、保存前に元へ戻す
	stripped := html.UnescapeString(s.policy.Sanitize(in))
	return strings.Join(strings.Fields(stripped), " ")
}
