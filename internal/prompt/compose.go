// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnknownFileReference matches every *UnknownFileReferenceError.
	ErrUnknownFileReference = errors.New("unknown file reference")

	// ErrUnknownTemplate is returned for a template name not in the library.
	ErrUnknownTemplate = errors.New("unknown template")
)

// UnknownFileReferenceError names a marker that matched no attachment.
type UnknownFileReferenceError struct {
	Path string
}

func (e *UnknownFileReferenceError) Error() string {
	return fmt.Sprintf("unknown file reference @[%s]: no attachment with that name", e.Path)
}

func (e *UnknownFileReferenceError) Is(target error) bool {
	return target == ErrUnknownFileReference
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

// Attachment is decoded file content keyed by its upload name.
type Attachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Key normalizes an attachment name for lookup: surrounding whitespace is
// trimmed and the result is put in Unicode NFC form, so a name typed on
// one platform matches a file uploaded from another.
func Key(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// =============================================================================
// COMPOSER
// =============================================================================

// Composition is the result of composing one message.
type Composition struct {
	// Text is the prompt sent to the model.
	Text string
	// Referenced lists attachment names used by markers, in order of first use.
	Referenced []string
	// Appended lists attachments added in the uploaded files section.
	Appended []string
}

// Composer expands file references.
type Composer struct {
	// AppendUnreferenced adds attachments no marker mentions after the
	// message in an "Uploaded Files" section.
	AppendUnreferenced bool
}

const (
	markerOpen   = "@["
	markerEscape = "@@["
)

// Compose expands every @[name] marker in raw using attachments.
func (c Composer) Compose(raw string, attachments []Attachment) (Composition, error) {
	byKey := make(map[string]Attachment, len(attachments))
	for _, a := range attachments {
		byKey[Key(a.Name)] = a
	}

	var (
		out  strings.Builder
		comp Composition
		used = make(map[string]bool)
	)

	rest := raw
	for {
		i := strings.Index(rest, "@")
		if i < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:i])
		rest = rest[i:]

		switch {
		case strings.HasPrefix(rest, markerEscape):
			out.WriteString(markerOpen)
			rest = rest[len(markerEscape):]
			continue
		case !strings.HasPrefix(rest, markerOpen):
			out.WriteByte('@')
			rest = rest[1:]
			continue
		}

		end := strings.IndexByte(rest[len(markerOpen):], ']')
		if end <= 0 {
			// Unterminated or empty marker: not a reference.
			out.WriteString(markerOpen)
			rest = rest[len(markerOpen):]
			continue
		}
		name := rest[len(markerOpen) : len(markerOpen)+end]
		rest = rest[len(markerOpen)+end+1:]

		key := Key(name)
		att, ok := byKey[key]
		if !ok {
			return Composition{}, &UnknownFileReferenceError{Path: strings.TrimSpace(name)}
		}
		if !used[key] {
			used[key] = true
			comp.Referenced = append(comp.Referenced, att.Name)
		}
		writeBlock(&out, att.Name, att.Content, rest)
	}

	if c.AppendUnreferenced {
		var extra []Attachment
		for _, a := range attachments {
			if !used[Key(a.Name)] {
				extra = append(extra, a)
				used[Key(a.Name)] = true
			}
		}
		if len(extra) > 0 {
			out.WriteString("\n\n--- Uploaded Files ---\n")
			for _, a := range extra {
				fmt.Fprintf(&out, "\nFile: %s\nContent:\n%s\n", a.Name, a.Content)
				comp.Appended = append(comp.Appended, a.Name)
			}
			out.WriteString("\n----------------------\n")
		}
	}

	comp.Text = out.String()
	return comp, nil
}

// writeBlock writes content as a fenced block on its own lines. next is
// the text that will follow the block.
func writeBlock(out *strings.Builder, label, content, next string) {
	fence := Fence(content)
	if s := out.String(); s != "" && !strings.HasSuffix(s, "\n") {
		out.WriteByte('\n')
	}
	out.WriteString(fence)
	out.WriteString(label)
	out.WriteByte('\n')
	out.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		out.WriteByte('\n')
	}
	out.WriteString(fence)
	if next != "" && !strings.HasPrefix(next, "\n") {
		out.WriteByte('\n')
	}
}

// Fence returns a backtick fence longer than any backtick run in content.
func Fence(content string) string {
	longest, run := 0, 0
	for i := 0; i < len(content); i++ {
		if content[i] == '`' {
			run++
			longest = max(longest, run)
		} else {
			run = 0
		}
	}
	return strings.Repeat("`", max(3, longest+1))
}

// References returns the names of all @[name] markers in raw, skipping
// escaped ones. It does not check that they resolve.
func References(raw string) []string {
	var names []string
	rest := raw
	for {
		i := strings.Index(rest, "@")
		if i < 0 {
			return names
		}
		rest = rest[i:]
		switch {
		case strings.HasPrefix(rest, markerEscape):
			rest = rest[len(markerEscape):]
		case strings.HasPrefix(rest, markerOpen):
			end := strings.IndexByte(rest[len(markerOpen):], ']')
			if end <= 0 {
				rest = rest[len(markerOpen):]
				continue
			}
			names = append(names, strings.TrimSpace(rest[len(markerOpen):len(markerOpen)+end]))
			rest = rest[len(markerOpen)+end+1:]
		default:
			rest = rest[1:]
		}
	}
}
