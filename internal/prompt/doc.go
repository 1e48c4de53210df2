// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt turns user input into the text sent to a model.
//
// # File References
//
// A marker of the form @[name] is replaced by the full text of the
// attachment called name, wrapped in a fenced block labelled with the name:
//
//	Summarize @[notes.txt]
//
// becomes
//
//	Summarize
//	```notes.txt
//	...file content...
//	```
//
// Every marker must resolve. A marker naming no attachment fails with
// *UnknownFileReferenceError. Write @@[ for a literal @[. Attachment
// content is inserted verbatim and never scanned for markers.
//
// # Templates
//
// A Library maps template names to prompt prefixes, loaded from the
// configuration and from *.txt files in a templates directory.
// ApplyTemplate joins the prefix and the text with a blank line.
package prompt
