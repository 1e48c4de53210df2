// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the IBM watsonx.ai client used by the cloud
// provider.
//
// The client exchanges an API key for an IAM bearer token (cached until
// shortly before it expires), lists chat-capable foundation models, and
// streams chat completions over Server-Sent Events.
//
// # Key Types
//
//   - Client: watsonx.ai REST client with throttling and retries
//   - SSEReader: Server-Sent Events parser
//   - StreamError: stream failure carrying the content received so far
//   - APIError: error payload returned by the service
//
// # Usage
//
//	client := cloud.NewClient(apiKey, projectID).
//	    WithBaseURL("https://eu-de.ml.cloud.ibm.com").
//	    WithRateLimit(2, 4)
//	err := client.ChatStream(ctx, cloud.ChatRequest{
//	    ModelID:  "ibm/granite-3-8b-instruct",
//	    Messages: []cloud.ChatMessage{cloud.NewUserMessage("Hello")},
//	}, func(chunk cloud.StreamChunk) bool {
//	    fmt.Print(chunk.Content())
//	    return true
//	})
//
// # Security
//
// API keys and tokens are never logged; a short SHA-256 fingerprint
// identifies the key in log lines.
package cloud
