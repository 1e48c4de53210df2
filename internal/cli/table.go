// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
)

// table prints aligned columns. Widths are measured in terminal cells so
// wide characters line up.
type table struct {
	headers []string
	rows    [][]string
}

func newTable(headers ...string) *table {
	return &table{headers: headers}
}

func (t *table) add(cols ...string) {
	t.rows = append(t.rows, cols)
}

// render writes the table, shrinking the last column so each line fits
// in maxWidth cells.
func (t *table) render(w io.Writer, maxWidth int) {
	const gap = 2
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range t.rows {
		for i, col := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], runewidth.StringWidth(col))
			}
		}
	}

	last := len(widths) - 1
	if maxWidth > 0 && last >= 0 {
		used := 0
		for _, wd := range widths[:last] {
			used += wd + gap
		}
		widths[last] = max(min(widths[last], maxWidth-used), runewidth.StringWidth(t.headers[last]))
	}

	line := func(cols []string) string {
		var b strings.Builder
		for i := range widths {
			col := ""
			if i < len(cols) {
				col = cols[i]
			}
			if i == last {
				b.WriteString(runewidth.Truncate(col, widths[i], "…"))
				break
			}
			b.WriteString(runewidth.FillRight(runewidth.Truncate(col, widths[i], "…"), widths[i]+gap))
		}
		return strings.TrimRight(b.String(), " ")
	}

	fmt.Fprintln(w, render(LabelStyle, line(t.headers)))
	for _, row := range t.rows {
		fmt.Fprintln(w, line(row))
	}
}
