package email

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"html/template"
	"regexp"
	"strings"
	texttemplate "text/template"
)

//go:embed templates/layout.html templates/layout.txt
var templateFS embed.FS

// layoutData is passed to the embedded layouts. Body is already escaped by
// placeholder rendering, so the HTML layout receives it as template.HTML.
type layoutData struct {
	Subject string
	Body    template.HTML
	Footer  string
}

// Layout wraps rendered template bodies in the shared email chrome.
type Layout struct {
	html   *template.Template
	text   *texttemplate.Template
	footer string
}

// NewLayout parses the embedded layouts. footer is appended to every email
// and may be empty.
func NewLayout(footer string) (*Layout, error) {
	htmlSrc, err := templateFS.ReadFile("templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("email layout: failed to read layout.html: %w", err)
	}
	htmlTmpl, err := template.New("layout.html").Parse(string(htmlSrc))
	if err != nil {
		return nil, fmt.Errorf("email layout: failed to parse layout.html: %w", err)
	}

	textSrc, err := templateFS.ReadFile("templates/layout.txt")
	if err != nil {
		return nil, fmt.Errorf("email layout: failed to read layout.txt: %w", err)
	}
	textTmpl, err := texttemplate.New("layout.txt").Parse(string(textSrc))
	if err != nil {
		return nil, fmt.Errorf("email layout: failed to parse layout.txt: %w", err)
	}

	return &Layout{html: htmlTmpl, text: textTmpl, footer: footer}, nil
}

// HTML renders body inside the HTML layout.
func (l *Layout) HTML(subject, body string) (string, error) {
	var buf bytes.Buffer
	data := layoutData{Subject: subject, Body: template.HTML(body), Footer: l.footer}
	if err := l.html.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("email layout: failed to render html: %w", err)
	}
	return buf.String(), nil
}

// Text renders body inside the plain-text layout.
func (l *Layout) Text(body string) (string, error) {
	var buf bytes.Buffer
	data := struct{ Body, Footer string }{Body: body, Footer: l.footer}
	if err := l.text.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("email layout: failed to render text: %w", err)
	}
	return buf.String(), nil
}

var (
	blockTagPattern = regexp.MustCompile(`(?i)<\s*(br\s*/?|/p|/div|/li|/h[1-6]|/tr)\s*>`)
	tagPattern      = regexp.MustCompile(`<[^>]*>`)
	blankRunPattern = regexp.MustCompile(`\n{3,}`)
)

// PlainText derives a text part from an HTML body for templates that do not
// define one.
func PlainText(htmlBody string) string {
	s := blockTagPattern.ReplaceAllString(htmlBody, "\n")
	s = tagPattern.ReplaceAllString(s, "")
	s = html.UnescapeString(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankRunPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
