package core

import (
	"html"
	"regexp"
)

// placeholderRe matches {{ key }} with optional inner whitespace. Keys are
// identifier-like; dots and dashes are allowed for namespaced variables.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render substitutes {{key}} placeholders from vars. Unknown keys render as
// the empty string. With escapeHTML set, values are HTML-escaped; the
// template text itself is never escaped.
func Render(tmpl string, vars map[string]string, escapeHTML bool) string {
	if tmpl == "" {
		return ""
	}
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		v := vars[key]
		if escapeHTML {
			return html.EscapeString(v)
		}
		return v
	})
}
