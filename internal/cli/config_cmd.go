// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/jeranaias/playground/internal/config"
)

func (c *CLI) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change settings",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				out := cmd.OutOrStdout()
				cfg := *c.app.Config
				cfg.Providers.Watsonx.APIKey = maskSecret(cfg.Providers.Watsonx.APIKey)
				if c.jsonOutput {
					return c.printJSON(out, cfg)
				}
				if c.app.ConfigPath != "" {
					fmt.Fprintln(out, render(DimStyle, "# "+c.app.ConfigPath))
				} else {
					fmt.Fprintln(out, render(DimStyle, "# defaults (no config file)"))
				}
				return toml.NewEncoder(out).Encode(cfg)
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print one setting, e.g. chat.temperature",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := c.app.Config.Get(args[0])
				if err != nil {
					return err
				}
				if args[0] == "providers.watsonx.api_key" {
					v = maskSecret(fmt.Sprint(v))
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Change one setting in the config file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := c.setConfig(args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s (%s)\n", render(SuccessStyle, "Set"), args[0], args[1], path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file location",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := c.writablePath()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
	)
	return cmd
}

func (c *CLI) writablePath() (string, error) {
	if c.app.ConfigPath != "" {
		return c.app.ConfigPath, nil
	}
	return config.ConfigPathTOML()
}

// setConfig edits the file on disk. It starts from the file contents
// rather than the loaded config so environment overrides are not saved.
func (c *CLI) setConfig(key, value string) (string, error) {
	path, err := c.writablePath()
	if err != nil {
		return "", err
	}

	cfg := config.Default()
	ext := strings.ToLower(filepath.Ext(path))
	if _, statErr := os.Stat(path); statErr == nil {
		switch ext {
		case ".json":
			err = config.LoadJSON(cfg, path)
		case ".yaml", ".yml":
			err = errors.New("config set cannot edit YAML files; edit " + path + " directly")
		default:
			err = config.LoadTOML(cfg, path)
		}
		if err != nil {
			return "", err
		}
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return "", statErr
	}

	if err := cfg.Set(key, value); err != nil {
		return "", err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}
	if ext == ".json" {
		err = config.SaveJSON(cfg, path)
	} else {
		err = config.SaveTOML(cfg, path)
	}
	return path, err
}

// maskSecret keeps the last four characters of a secret.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
