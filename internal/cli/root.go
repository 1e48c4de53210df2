// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jeranaias/playground/internal/config"
	"github.com/jeranaias/playground/internal/logging"
)

// Version information, set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// CLI carries global flags and the App built from them.
type CLI struct {
	configPath string
	logLevel   string
	jsonOutput bool

	app *App
	// preset means app was supplied by the caller and must not be closed.
	preset bool
}

// NewRootCommand builds the command tree. When app is nil it is loaded
// from the --config file before a command runs.
func NewRootCommand(app *App) *cobra.Command {
	root, _ := newRoot(app)
	return root
}

func newRoot(app *App) (*cobra.Command, *CLI) {
	c := &CLI{app: app, preset: app != nil}

	root := &cobra.Command{
		Use:           "playground",
		Short:         "Chat with local and cloud language models",
		Long:          "playground talks to a local Ollama daemon or IBM watsonx, with file references and prompt templates.",
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "config file (TOML, YAML or JSON)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: error, info, debug, trace")
	flags.BoolVar(&c.jsonOutput, "json", false, "print JSON instead of tables")

	root.AddCommand(
		c.serveCommand(),
		c.providersCommand(),
		c.modelsCommand(),
		c.pullCommand(),
		c.chatCommand(),
		c.transformCommand(),
		c.templatesCommand(),
		c.historyCommand(),
		c.configCommand(),
		c.doctorCommand(),
		c.initCommand(),
	)
	return root, c
}

// ErrInterrupted is returned when a signal ends an idle chat. The process
// should exit with status 130 once Execute has released its resources.
var ErrInterrupted = errors.New("interrupted")

// Execute runs the command line.
func Execute(ctx context.Context, args []string) error {
	root, c := newRoot(nil)
	root.SetArgs(args)
	defer c.close()
	return root.ExecuteContext(ctx)
}

func (c *CLI) close() {
	if c.preset || c.app == nil {
		return
	}
	if err := c.app.Close(); err != nil {
		c.app.Log.Error(err, "shutdown")
	}
}

func (c *CLI) load(cmd *cobra.Command) error {
	// init writes the file the others read.
	if c.app != nil || cmd.Name() == "init" {
		return nil
	}

	var (
		cfg  *config.Config
		path = c.configPath
		err  error
	)
	if path != "" {
		cfg, err = config.LoadFromPath(path)
	} else {
		cfg, path, err = config.Load()
	}
	if err != nil {
		return err
	}

	// Interactive commands stay quiet unless logging was asked for.
	levelName := cfg.Logging.Level
	switch {
	case c.logLevel != "":
		levelName = c.logLevel
	case cmd.Name() != "serve" && cfg.Logging.Path == "":
		levelName = string(logging.LevelError)
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}
	log, closer, err := logging.New(logging.Options{Level: level, Path: cfg.Logging.Path})
	if err != nil {
		return err
	}

	app, err := NewApp(cfg, path, log)
	if err != nil {
		closer.Close()
		return err
	}
	app.AddCloser(closer)
	c.app = app
	return nil
}

func (c *CLI) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
