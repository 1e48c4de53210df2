// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeranaias/playground/internal/catalog"
	"github.com/jeranaias/playground/internal/provider"
	"github.com/jeranaias/playground/internal/util"
)

func (c *CLI) providersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Show which providers are available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := c.app.Registry.Detect(cmd.Context())
			out := cmd.OutOrStdout()
			if c.jsonOutput {
				return c.printJSON(out, statuses)
			}

			t := newTable("STATUS", "PROVIDER", "KIND", "DEFAULT MODEL", "DETAIL")
			for _, st := range statuses {
				t.add(RenderStatus(st.Available), st.Name, string(st.Kind), st.DefaultModel, st.Reason)
			}
			t.render(out, TerminalWidth(out))
			return nil
		},
	}
}

func (c *CLI) modelsCommand() *cobra.Command {
	var (
		providerName string
		refresh      bool
	)
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models a provider offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := c.app.ResolveProvider(ctx, providerName)
			if err != nil {
				return err
			}

			var models []provider.ModelInfo
			if refresh {
				models, err = c.app.Catalog.Refresh(ctx, p)
			} else {
				models, err = c.app.Catalog.Ensure(ctx, p)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if c.jsonOutput {
				return c.printJSON(out, models)
			}
			return c.printModels(out, p, models)
		},
	}
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider (ollama or watsonx)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "reload the list from the provider")
	return cmd
}

func (c *CLI) printModels(out io.Writer, p provider.Client, models []provider.ModelInfo) error {
	fmt.Fprintln(out, render(TitleStyle, p.Name()))
	if len(models) == 0 {
		fmt.Fprintln(out, render(DimStyle, "No models found."))
	} else {
		def := c.app.Registry.DefaultModel(p.Kind())
		t := newTable("NAME", "SIZE", "PARAMS", "QUANT", "FAMILY")
		for _, m := range models {
			name := m.Name
			if def != "" && provider.SameModel(m.Name, def) {
				name += " *"
			}
			size := ""
			if m.Size > 0 {
				size = util.FormatBytes(m.Size)
			}
			t.add(name, size, m.ParameterSize, m.Quantization, m.Family)
		}
		t.render(out, TerminalWidth(out))
	}

	if provider.SupportsPull(p) {
		if suggestions := c.app.Catalog.Suggestions(p.Kind()); len(suggestions) > 0 {
			fmt.Fprintln(out)
			fmt.Fprintln(out, render(DimStyle, "Available to pull:"))
			for _, s := range suggestions {
				fmt.Fprintf(out, "  %s  %s\n", util.PadWidth(s.Name, 22), render(DimStyle, s.Description))
			}
		}
	}
	return nil
}

func (c *CLI) pullCommand() *cobra.Command {
	var providerName string
	cmd := &cobra.Command{
		Use:   "pull <model>",
		Short: "Download a model to the local provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			name := providerName
			if name == "" {
				name = string(provider.KindLocal)
			}
			p, err := c.app.Registry.Resolve(name)
			if err != nil {
				return err
			}
			job, err := c.app.Catalog.StartPull(ctx, p, args[0])
			if err != nil {
				return err
			}
			return c.followPull(ctx, cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider (default ollama)")
	return cmd
}

// followPull prints job progress until it ends. Canceling ctx cancels the
// job. On a terminal the progress line is redrawn in place.
func (c *CLI) followPull(ctx context.Context, out io.Writer, job *catalog.PullJob) error {
	live := isTerminal(out) && !c.jsonOutput
	var lastStatus catalog.PullStatus

	report := func(snap catalog.JobSnapshot) {
		switch {
		case c.jsonOutput:
			c.printJSON(out, snap)
		case live:
			line := util.TruncateWidth(snap.Summary(), TerminalWidth(out)-1)
			fmt.Fprintf(out, "\r\033[K%s", line)
		case snap.Status != lastStatus:
			fmt.Fprintln(out, snap.Summary())
		}
		lastStatus = snap.Status
	}

	updates := job.Updates()
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			report(job.Snapshot())
		case <-job.Done():
			if live {
				fmt.Fprintln(out)
			}
			if err := job.Err(); err != nil {
				return err
			}
			fmt.Fprintln(out, render(SuccessStyle, "Pulled "+job.Model))
			return nil
		case <-ctx.Done():
			job.Cancel()
			<-job.Done()
			if live {
				fmt.Fprintln(out)
			}
			return job.Err()
		}
	}
}
