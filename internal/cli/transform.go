// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeranaias/playground/internal/util"
)

func (c *CLI) transformCommand() *cobra.Command {
	var providerName, model string
	cmd := &cobra.Command{
		Use:   "transform <template> [text|-]",
		Short: "Apply a prompt template to text",
		Long: `Apply a prompt template to text and print the model's reply.

The text is read from standard input when it is "-" or omitted.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			text := ""
			if len(args) == 2 && args[1] != "-" {
				text = args[1]
			} else {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxAttachmentSize))
				if err != nil {
					return fmt.Errorf("failed to read input: %w", err)
				}
				text = string(data)
			}

			sess, err := c.app.NewSession(ctx, providerName, model)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			reply, err := sess.Transform(ctx, args[0], text, func(frag string) {
				if !c.jsonOutput {
					fmt.Fprint(out, frag)
				}
			})
			if c.jsonOutput {
				if err != nil {
					return err
				}
				return c.printJSON(out, map[string]string{"template": args[0], "model": sess.Model(), "output": reply})
			}
			if reply != "" && !strings.HasSuffix(reply, "\n") {
				fmt.Fprintln(out)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider (ollama or watsonx)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to use")
	return cmd
}

func (c *CLI) templatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List prompt templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			templates := c.app.Templates.All()
			out := cmd.OutOrStdout()
			if c.jsonOutput {
				return c.printJSON(out, templates)
			}
			if len(templates) == 0 {
				fmt.Fprintln(out, render(DimStyle, "No templates configured."))
				return nil
			}
			t := newTable("NAME", "SOURCE", "PROMPT")
			for _, tmpl := range templates {
				t.add(tmpl.Name, string(tmpl.Source), strings.Join(strings.Fields(util.TruncateRunes(tmpl.Prompt, 200)), " "))
			}
			t.render(out, TerminalWidth(out))
			return nil
		},
	}
}
