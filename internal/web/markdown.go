package web

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// md renders discussion bodies for the dashboard. Raw HTML in message
// bodies is escaped, not passed through.
var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// renderMarkdown converts a markdown message body to HTML, falling back to
// the raw text when rendering fails.
func renderMarkdown(body string) string {
	var buf bytes.Buffer
	if err := md.Convert([]byte(body), &buf); err != nil {
		log.Debugf("Markdown render failed: %v", err)
		return body
	}

	return buf.String()
}
