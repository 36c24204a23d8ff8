package email

import (
	"strings"
	"testing"
)

func TestLayout_HTML(t *testing.T) {
	l, err := NewLayout("")
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}

	out, err := l.HTML("Welcome", "<p>Hello</p>")
	if err != nil {
		t.Fatalf("HTML: %v", err)
	}
	if !strings.Contains(out, "<p>Hello</p>") {
		t.Errorf("body not embedded verbatim: %s", out)
	}
	if !strings.Contains(out, "<title>Welcome</title>") {
		t.Errorf("title missing: %s", out)
	}
	if strings.Contains(out, "border-top") {
		t.Error("footer row rendered without a footer")
	}
}

func TestLayout_TextFooter(t *testing.T) {
	l, err := NewLayout("Acme Inc.")
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}

	out, err := l.Text("Hello")
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if out != "Hello\n\n--\nAcme Inc." {
		t.Errorf("Text() = %q", out)
	}
}

func TestPlainText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"paragraphs", "<p>One</p><p>Two</p>", "One\nTwo"},
		{"line breaks", "a<br>b<br/>c", "a\nb\nc"},
		{"entities", "<p>Tom &amp; Jerry &lt;3</p>", "Tom & Jerry <3"},
		{"inline tags", `<p>Click <a href="https://x.io">here</a></p>`, "Click here"},
		{"blank runs collapse", "<div>a</div>\n\n\n\n<div>b</div>", "a\n\nb"},
		{"plain", "just text", "just text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlainText(tt.in); got != tt.want {
				t.Errorf("PlainText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
