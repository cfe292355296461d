package security

import (
	"strings"
	"testing"
)

// TestSanitizeDescription_AllowedTags は許可タグが正しく通過することを検証する。
func TestSanitizeDescription_AllowedTags(t *testing.T) {
	sanitizer := NewEventSanitizer()

	tests := []struct {
		name         string
		input        string
		wantContains []string
	}{
		{
			name:         "pタグが許可される",
			input:        "<p>アジェンダ</p>",
			wantContains: []string{"<p>アジェンダ</p>"},
		},
		{
			name:         "brタグが許可される",
			input:        "行1<br>行2",
			wantContains: []string{"<br", "行1", "行2"},
		},
		{
			name:         "ulタグとliタグが許可される",
			input:        "<ul><li>議題1</li><li>議題2</li></ul>",
			wantContains: []string{"<ul>", "<li>議題1</li>", "</ul>"},
		},
		{
			name:         "強調タグが許可される",
			input:        "<b>太字</b><i>斜体</i><u>下線</u><strong>強調</strong><em>強調2</em>",
			wantContains: []string{"<b>太字</b>", "<i>斜体</i>", "<u>下線</u>", "<strong>強調</strong>", "<em>強調2</em>"},
		},
		{
			name:         "httpsリンクが許可される",
			input:        `<a href="https://meet.example.com/abc">会議リンク</a>`,
			wantContains: []string{`href="https://meet.example.com/abc"`, "会議リンク", `target="_blank"`, "noopener", "noreferrer"},
		},
		{
			name:         "mailtoリンクが許可される",
			input:        `<a href="mailto:a@example.com">連絡先</a>`,
			wantContains: []string{`href="mailto:a@example.com"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.SanitizeDescription(tt.input)
			for _, want := range tt.wantContains {
				if !strings.Contains(got, want) {
					t.Errorf("SanitizeDescription(%q) = %q, want to contain %q", tt.input, got, want)
				}
			}
		})
	}
}

// TestSanitizeDescription_ForbiddenContent は危険なタグと属性が除去されることを検証する。
func TestSanitizeDescription_ForbiddenContent(t *testing.T) {
	sanitizer := NewEventSanitizer()

	tests := []struct {
		name       string
		input      string
		wantAbsent []string
	}{
		{"scriptタグ", `<p>a</p><script>alert(1)</script>`, []string{"<script", "alert(1)"}},
		{"iframeタグ", `<iframe src="https://evil.example.com"></iframe>`, []string{"<iframe"}},
		{"styleタグ", `<style>body{display:none}</style>`, []string{"<style", "display:none"}},
		{"onclick属性", `<p onclick="alert(1)">x</p>`, []string{"onclick"}},
		{"javascriptスキーム", `<a href="javascript:alert(1)">x</a>`, []string{"javascript:"}},
		{"相対URL", `<a href="/admin">x</a>`, []string{`href="/admin"`}},
		{"imgタグ", `<img src="https://example.com/a.png" onerror="alert(1)">`, []string{"<img", "onerror"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.SanitizeDescription(tt.input)
			for _, absent := range tt.wantAbsent {
				if strings.Contains(got, absent) {
					t.Errorf("SanitizeDescription(%q) = %q, should not contain %q", tt.input, got, absent)
				}
			}
		})
	}
}

// TestSanitizePlain はタイトル用のサニタイズでタグが除去され、文字はそのまま残ることを検証する。
func TestSanitizePlain(t *testing.T) {
	sanitizer := NewEventSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"プレーンテキストはそのまま", "Quarterly review", "Quarterly review"},
		{"アンパサンドはエスケープしない", "R&D sync", "R&D sync"},
		{"タグは除去", "<b>Pitch</b> with <i>Acme</i>", "Pitch with Acme"},
		{"scriptは中身ごと除去", "Lunch<script>alert(1)</script>", "Lunch"},
		{"前後の空白を除去", "  Room 1  ", "Room 1"},
		{"空文字列", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizer.SanitizePlain(tt.input); got != tt.want {
				t.Errorf("SanitizePlain(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestSanitize_Idempotent は同一入力に対して同一出力を返すことを検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewEventSanitizer()

	input := `<p>Agenda <a href="https://example.com">doc</a></p><script>x</script>`
	first := sanitizer.SanitizeDescription(input)
	second := sanitizer.SanitizeDescription(first)
	if first != second {
		t.Errorf("not idempotent:\nfirst:  %q\nsecond: %q", first, second)
	}
}
