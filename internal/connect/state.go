// Package connect はGoogleカレンダー連携の開始とOAuthコールバックを提供する。
package connect

import (
	"encoding/json"
	"strings"
)

// State は同意画面に渡し、コールバックで受け取るstateパラメータの内容。
type State struct {
	ReturnURL string `json:"returnUrl,omitempty"`
}

// ParseState はstateパラメータを解析する。
// 不正なJSONは空のStateとして扱い、エラーにしない。
func ParseState(raw string) State {
	var s State
	if raw == "" {
		return s
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return State{}
	}
	return s
}

// Encode はStateをJSON文字列に変換する。
func (s State) Encode() string {
	b, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// SafeReturnURL はreturnURLがサイト内パスであればそのまま、そうでなければfallbackを返す。
// "/"で始まり"//"や"/\"で始まらないものだけをサイト内パスとみなす。
func SafeReturnURL(returnURL, fallback string) string {
	if !strings.HasPrefix(returnURL, "/") {
		return fallback
	}
	if strings.HasPrefix(returnURL, "//") || strings.HasPrefix(returnURL, "/\\") {
		return fallback
	}
	if strings.ContainsAny(returnURL, "\r\n") {
		return fallback
	}
	return returnURL
}
