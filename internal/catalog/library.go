// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import "github.com/jeranaias/playground/internal/provider"

// LibraryModel is a suggested model for the local provider.
type LibraryModel struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Library lists models offered in the pull menu.
var Library = []LibraryModel{
	{Name: "llama3.2:latest", Description: "Meta Llama 3.2 (3B)"},
	{Name: "llama3.1:8b", Description: "Meta Llama 3.1 (8B)"},
	{Name: "mistral-nemo:latest", Description: "Mistral NeMo (12B)"},
	{Name: "gemma2:9b", Description: "Google Gemma 2 (9B)"},
	{Name: "phi3:medium", Description: "Microsoft Phi-3 Medium (14B)"},
	{Name: "qwen2.5:7b", Description: "Alibaba Qwen 2.5 (7B)"},
	{Name: "moondream:latest", Description: "Moondream (Vision)"},
}

// Suggestions returns the library entries not yet installed for kind.
func (c *Catalog) Suggestions(kind provider.Kind) []LibraryModel {
	var out []LibraryModel
	for _, m := range Library {
		if !c.Has(kind, m.Name) {
			out = append(out, m)
		}
	}
	return out
}
