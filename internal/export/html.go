// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	gmutil "github.com/yuin/goldmark/util"
)

// HTMLExporter renders the Markdown export as a standalone page with
// highlighted code blocks. Raw HTML in messages is dropped by goldmark's
// default renderer.
type HTMLExporter struct {
	md *MarkdownExporter
	gm goldmark.Markdown
}

func NewHTMLExporter(opts Options) *HTMLExporter {
	// Front matter is not rendered; the page header carries the metadata.
	mdOpts := opts
	mdOpts.IncludeMetadata = false
	return &HTMLExporter{
		md: NewMarkdownExporter(mdOpts),
		gm: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(renderer.WithNodeRenderers(
				gmutil.Prioritized(newCodeBlockRenderer(), 200),
			)),
		),
	}
}

func (e *HTMLExporter) FileExtension() string { return ".html" }
func (e *HTMLExporter) MimeType() string      { return "text/html; charset=utf-8" }

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 52rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; color: #1f2328; }
header { color: #59636e; font-size: .9rem; border-bottom: 1px solid #d1d9e0; margin-bottom: 1.5rem; }
pre { background: #f6f8fa; padding: .75rem; overflow-x: auto; border-radius: 6px; }
code { font-family: ui-monospace, monospace; }
blockquote { border-left: 4px solid #cf222e; margin-left: 0; padding-left: 1rem; color: #59636e; }
hr { border: none; border-top: 1px solid #d1d9e0; }
</style>
</head>
<body>
<header>{{if .Model}}{{.Model}} · {{end}}{{.Date}} · {{.Count}} messages</header>
{{.Body}}
</body>
</html>
`))

// Export converts conv to HTML.
func (e *HTMLExporter) Export(conv *Conversation) ([]byte, error) {
	src, err := e.md.Export(conv)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	if err := e.gm.Convert(src, &body); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}

	var out bytes.Buffer
	err = pageTemplate.Execute(&out, map[string]any{
		"Title": conv.Title,
		"Model": conv.Model,
		"Date":  conv.CreatedAt.Format("January 2, 2006 15:04"),
		"Count": len(conv.Turns),
		"Body":  template.HTML(body.String()),
	})
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
