// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeranaias/playground/internal/server"
	"github.com/jeranaias/playground/internal/session"
)

func (c *CLI) serveCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the playground HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app := c.app
			cfg := app.Config.Server
			if addr == "" {
				addr = cfg.Addr
			}

			if dir := app.Templates.Dir(); dir != "" {
				if info, err := os.Stat(dir); err == nil && info.IsDir() {
					go func() {
						if err := app.Templates.Watch(ctx); err != nil {
							app.Log.Error(err, "template watcher stopped")
						}
					}()
				}
			}

			srv := server.New(server.Options{
				Addr:      addr,
				RateLimit: cfg.RateLimit,
				Burst:     cfg.Burst,
				Registry:  app.Registry,
				Catalog:   app.Catalog,
				Templates: app.Templates,
				NewSession: func(ctx context.Context) (*session.Session, error) {
					return app.NewSession(ctx, "", "")
				},
				Log: app.Log.WithName("server"),
			})
			fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s\n", srv.Addr())
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
