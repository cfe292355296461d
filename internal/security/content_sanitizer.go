// Package security はアプリケーションのセキュリティ機能を提供する。
//
// EventSanitizer はカレンダーイベントに書き込むテキストをサニタイズする。
// Googleカレンダーの説明欄は一部のHTMLを解釈するため、許可リストベースの
// bluemondayポリシーで安全なタグと属性のみを通過させる。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// EventSanitizer はイベントのテキスト項目をサニタイズする。
// ポリシーは生成時に構築し、以降は複数のゴルーチンから安全に使用できる。
type EventSanitizer struct {
	description *bluemonday.Policy
	plain       *bluemonday.Policy
}

// NewEventSanitizer はEventSanitizerを生成する。
// 説明欄ポリシーの内容:
//   - 許可タグ: p, br, ul, ol, li, b, i, u, strong, em, a
//   - aタグ: http/https/mailtoのhrefのみ。target="_blank" と rel="noopener noreferrer" を自動付与
//   - script, iframe, style および全てのon*イベント属性は除去
func NewEventSanitizer() *EventSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"b", "i", "u", "strong", "em",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &EventSanitizer{
		description: p,
		plain:       bluemonday.StrictPolicy(),
	}
}

// SanitizeDescription はイベント説明欄のHTMLをサニタイズする。
func (s *EventSanitizer) SanitizeDescription(raw string) string {
	return strings.TrimSpace(s.description.Sanitize(raw))
}

// SanitizePlain はタイトルや場所などのプレーンテキスト項目から全てのタグを除去する。
// 除去後の文字参照は元の文字に戻す。
func (s *EventSanitizer) SanitizePlain(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.plain.Sanitize(raw)))
}
