// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the playground over HTTP.
//
// # Endpoints
//
//   - GET    /health
//   - GET    /api/providers
//   - GET    /api/providers/{kind}/models[?refresh=1]
//   - GET    /api/providers/{kind}/pull     active download, if any
//   - POST   /api/providers/{kind}/pull     start a download (event stream)
//   - DELETE /api/providers/{kind}/pull     cancel the active download
//   - GET    /api/templates
//   - GET    /api/sessions
//   - POST   /api/sessions
//   - GET    /api/sessions/{id}
//   - DELETE /api/sessions/{id}
//   - GET    /api/sessions/{id}/export[?format=md|html|json]
//   - POST   /api/sessions/{id}/messages    send a message (event stream)
//   - POST   /api/sessions/{id}/transform   apply a template (event stream)
//   - PUT    /api/sessions/{id}/provider
//   - PUT    /api/sessions/{id}/model
//   - PUT    /api/sessions/{id}/parameters
//   - POST   /api/sessions/{id}/attachments
//   - DELETE /api/sessions/{id}/attachments/{name}
//   - POST   /api/sessions/{id}/reset
//
// Streaming endpoints answer with text/event-stream. Replies arrive as
// "fragment" events followed by one "done" or "error" event. A request
// that fails before anything was streamed gets a JSON error instead,
// with a status from StatusFor.
package server
