package sanitize

import "testing"

func TestMessageText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello there", "hello there"},
		{"tags removed", "<b>hi</b> <script>alert(1)</script>", "hi alert(1)"},
		{"encoded tags removed", "&lt;img src=x onerror=alert(1)&gt;ok", "ok"},
		{"control characters dropped", "a\x00b\x1bc", "abc"},
		{"newlines kept", "line one\nline two", "line one\nline two"},
		{"only markup", "<br/>  <p></p>", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MessageText(tt.in); got != tt.want {
				t.Fatalf("MessageText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
