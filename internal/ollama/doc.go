// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for the local Ollama daemon.
//
// # Key Types
//
//   - Client: health check, model listing, pull and streaming chat
//   - StreamReader: NDJSON decoder for /api/chat streams
//   - PullReader: NDJSON decoder for /api/pull progress
//   - ClientError: typed error matched with errors.Is against the sentinels
//
// # Usage
//
//	client := ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: url})
//	err := client.ChatStream(ctx, ollama.ChatRequest{
//	    Model:    "llama3.2:latest",
//	    Messages: []ollama.Message{ollama.NewUserMessage("Hello")},
//	}, func(chunk ollama.StreamChunk) bool {
//	    fmt.Print(chunk.Content)
//	    return true
//	})
//
// Streaming callbacks return false to stop early; the response body is
// closed and the daemon abandons the request.
package ollama
