// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/playground/internal/session"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter writes a conversation as Markdown with YAML front
// matter.
type MarkdownExporter struct {
	opts Options
	// now stamps the export; tests replace it.
	now func() time.Time
}

func NewMarkdownExporter(opts Options) *MarkdownExporter {
	return &MarkdownExporter{opts: opts, now: time.Now}
}

func (e *MarkdownExporter) FileExtension() string { return ".md" }
func (e *MarkdownExporter) MimeType() string      { return "text/markdown; charset=utf-8" }

// Export converts conv to Markdown.
func (e *MarkdownExporter) Export(conv *Conversation) ([]byte, error) {
	if conv == nil || len(conv.Turns) == 0 {
		return nil, ErrEmpty
	}

	var sb strings.Builder
	if e.opts.IncludeMetadata {
		sb.WriteString("---\n")
		fmt.Fprintf(&sb, "title: %s\n", escapeYAML(conv.Title))
		if conv.Provider != "" {
			fmt.Fprintf(&sb, "provider: %s\n", conv.Provider)
		}
		if conv.Model != "" {
			fmt.Fprintf(&sb, "model: %s\n", escapeYAML(conv.Model))
		}
		fmt.Fprintf(&sb, "date: %s\n", conv.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(&sb, "messages: %d\n", len(conv.Turns))
		fmt.Fprintf(&sb, "exported: %s\n", e.now().Format(time.RFC3339))
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(conv.Title))

	for i, t := range conv.Turns {
		heading := roleLabel(t)
		if e.opts.IncludeTimestamps && !t.CreatedAt.IsZero() {
			heading += " · " + t.CreatedAt.Format("15:04:05")
		}
		fmt.Fprintf(&sb, "### %s\n\n", heading)
		sb.WriteString(strings.TrimSpace(t.Content))
		sb.WriteString("\n\n")

		if len(t.Attachments) > 0 {
			fmt.Fprintf(&sb, "*Attached: %s*\n\n", escapeMarkdown(strings.Join(t.Attachments, ", ")))
		}
		if t.Failed() {
			note := "Generation failed"
			if t.Partial {
				note = "Generation stopped early"
			}
			fmt.Fprintf(&sb, "> **%s:** %s\n\n", note, t.Err)
		}
		if i < len(conv.Turns)-1 {
			sb.WriteString("---\n\n")
		}
	}
	return []byte(sb.String()), nil
}

func roleLabel(t session.Turn) string {
	switch t.Role {
	case session.RoleUser:
		return "You"
	case session.RoleAssistant:
		if t.Model != "" {
			return "Assistant (" + escapeMarkdown(t.Model) + ")"
		}
		return "Assistant"
	case "":
		return "Unknown"
	}
	return t.DisplayName()
}

// =============================================================================
// ESCAPING
// =============================================================================

// escapeMarkdown escapes characters that would change a heading.
func escapeMarkdown(s string) string {
	return strings.NewReplacer(
		"#", `\#`,
		"*", `\*`,
		"_", `\_`,
		"[", `\[`,
		"]", `\]`,
	).Replace(s)
}

// escapeYAML quotes s when it holds YAML syntax.
func escapeYAML(s string) string {
	if !strings.ContainsAny(s, ":#|>@`\"'[]{}!%&*\n\r\\") && strings.TrimSpace(s) == s {
		return s
	}
	s = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`).Replace(s)
	return `"` + s + `"`
}
