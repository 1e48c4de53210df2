// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command playground chats with local Ollama models and IBM watsonx from
// the terminal, and serves the same features over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jeranaias/playground/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	cli.Version = Version
	cli.GitCommit = GitCommit

	err := cli.Execute(context.Background(), os.Args[1:])
	if errors.Is(err, cli.ErrInterrupted) {
		os.Exit(130)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, cli.RenderError("Error: "+err.Error()))
		os.Exit(1)
	}
}
