// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/playground/internal/export"
	"github.com/jeranaias/playground/internal/session"
)

func (c *CLI) historyCommand() *cobra.Command {
	var (
		limit    int
		show     string
		remove   string
		exportID string
		format   string
		outDir   string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse, export and delete saved conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := c.app.Store
			if store == nil {
				return errHistoryDisabled
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			switch {
			case remove != "":
				ok, err := store.DeleteSession(ctx, remove)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no conversation %q", remove)
				}
				fmt.Fprintln(out, render(SuccessStyle, "Deleted "+remove))
				return nil

			case exportID != "":
				turns, err := store.Turns(ctx, exportID)
				if err != nil {
					return err
				}
				if len(turns) == 0 {
					return fmt.Errorf("no conversation %q", exportID)
				}
				exp, err := export.ForFormat(format)
				if err != nil {
					return err
				}
				path, err := export.WriteFile(export.FromTurns(exportID, turns, "", "", time.Time{}), exp, outDir)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, render(SuccessStyle, "Exported to "+path))
				return nil

			case show != "":
				turns, err := store.Turns(ctx, show)
				if err != nil {
					return err
				}
				if len(turns) == 0 {
					return fmt.Errorf("no conversation %q", show)
				}
				if c.jsonOutput {
					return c.printJSON(out, turns)
				}
				printTurns(out, turns)
				return nil
			}

			sessions, err := store.Sessions(ctx, limit)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(out, sessions)
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, render(DimStyle, "No saved conversations."))
				return nil
			}
			t := newTable("ID", "UPDATED", "TURNS", "MODEL", "FIRST MESSAGE")
			for _, s := range sessions {
				t.add(s.ID, s.UpdatedAt.Local().Format("2006-01-02 15:04"), strconv.Itoa(s.Turns), s.Model, s.Preview)
			}
			t.render(out, TerminalWidth(out))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&limit, "limit", "n", 20, "number of conversations to list (0 for all)")
	flags.StringVar(&show, "show", "", "print the conversation with this ID")
	flags.StringVar(&remove, "delete", "", "delete the conversation with this ID")
	flags.StringVar(&exportID, "export", "", "export the conversation with this ID")
	flags.StringVarP(&format, "format", "f", "md", "export format: md, html or json")
	flags.StringVarP(&outDir, "output", "o", ".", "export directory")
	cmd.MarkFlagsMutuallyExclusive("show", "delete", "export")
	return cmd
}

func printTurns(out io.Writer, turns []session.Turn) {
	for _, t := range turns {
		style := PromptStyle
		if t.Role == session.RoleAssistant {
			style = AssistantStyle
		}
		header := t.DisplayName()
		if t.Model != "" && t.Role == session.RoleAssistant {
			header += " (" + t.Model + ")"
		}
		fmt.Fprintf(out, "%s %s\n", render(style, header), render(DimStyle, t.CreatedAt.Local().Format("15:04:05")))
		fmt.Fprintln(out, t.Content)
		if len(t.Attachments) > 0 {
			fmt.Fprintln(out, render(DimStyle, fmt.Sprintf("attached: %v", t.Attachments)))
		}
		if t.Failed() {
			fmt.Fprintln(out, render(ErrorStyle, "["+t.Err+"]"))
		}
		fmt.Fprintln(out)
	}
}
