// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import "encoding/json"

// JSONExporter writes the full conversation, including composed prompts.
type JSONExporter struct{}

func (JSONExporter) FileExtension() string { return ".json" }
func (JSONExporter) MimeType() string      { return "application/json" }

func (JSONExporter) Export(conv *Conversation) ([]byte, error) {
	if conv == nil || len(conv.Turns) == 0 {
		return nil, ErrEmpty
	}
	return json.MarshalIndent(conv, "", "  ")
}
