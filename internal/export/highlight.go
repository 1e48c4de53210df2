// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/renderer"
	gmutil "github.com/yuin/goldmark/util"
)

// codeBlockRenderer highlights fenced code blocks with chroma using inline
// styles, so the exported page needs no stylesheet.
type codeBlockRenderer struct {
	style     *chroma.Style
	formatter *chromahtml.Formatter
}

func newCodeBlockRenderer() *codeBlockRenderer {
	style := chromaStyles.Get("github")
	if style == nil {
		style = chromaStyles.Fallback
	}
	return &codeBlockRenderer{
		style:     style,
		formatter: chromahtml.New(chromahtml.WithClasses(false), chromahtml.TabWidth(4)),
	}
}

func (r *codeBlockRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.renderFencedCodeBlock)
}

func (r *codeBlockRenderer) renderFencedCodeBlock(w gmutil.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.FencedCodeBlock)

	var code bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		code.Write(seg.Value(source))
	}
	lang := string(n.Language(source))

	lexer := lexers.Get(lang)
	if lexer == nil {
		lexer = lexers.Analyse(code.String())
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	w.WriteString(`<div class="code"`)
	if lang != "" {
		w.WriteString(` data-lang="`)
		w.Write(gmutil.EscapeHTML([]byte(lang)))
		w.WriteByte('"')
	}
	w.WriteString(">\n")
	defer w.WriteString("</div>\n")

	iterator, err := lexer.Tokenise(nil, code.String())
	if err == nil {
		err = r.formatter.Format(w, r.style, iterator)
	}
	if err != nil {
		// Plain text keeps the export usable.
		w.WriteString("<pre><code>")
		w.Write(gmutil.EscapeHTML(code.Bytes()))
		w.WriteString("</code></pre>\n")
	}
	return ast.WalkSkipChildren, nil
}
