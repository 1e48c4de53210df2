// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/jeranaias/playground/internal/config"
	"github.com/jeranaias/playground/internal/provider"
	"github.com/jeranaias/playground/internal/util"
)

// lowDiskSpace is the free space below which the model disk check warns.
const lowDiskSpace = 10 << 30

// CheckStatus is the outcome of one doctor check.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

// CheckResult is one line of the doctor report.
type CheckResult struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message"`
	Fix     string      `json:"fix,omitempty"`
}

func (c *CLI) doctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check providers, models and local setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			results := runChecks(cmd.Context(), c.app)
			out := cmd.OutOrStdout()
			if c.jsonOutput {
				if err := c.printJSON(out, results); err != nil {
					return err
				}
			} else {
				printChecks(out, results)
			}
			for _, r := range results {
				if r.Status == CheckFail {
					return errors.New("some checks failed")
				}
			}
			return nil
		},
	}
}

func runChecks(ctx context.Context, app *App) []CheckResult {
	results := []CheckResult{
		{Name: "Operating System", Status: CheckPass, Message: runtime.GOOS + "/" + runtime.GOARCH},
		checkConfigFile(app),
	}

	available := 0
	for _, st := range app.Registry.Detect(ctx) {
		r := CheckResult{Name: st.Name, Status: CheckPass, Message: "available"}
		if !st.Available {
			r.Status, r.Message = CheckWarn, st.Reason
			if st.Kind == provider.KindLocal {
				r.Fix = "Install Ollama from https://ollama.com and run: ollama serve"
			} else {
				r.Fix = "Set WATSONX_API_KEY and WATSONX_PROJECT_ID"
			}
			results = append(results, r)
			continue
		}
		available++
		results = append(results, r)
		results = append(results, checkDefaultModel(ctx, app, st))
	}
	if available == 0 {
		results = append(results, CheckResult{
			Name:    "Providers",
			Status:  CheckFail,
			Message: "no provider is available",
			Fix:     "Start Ollama or configure watsonx credentials",
		})
	}

	results = append(results, checkDisk(), checkTemplates(app))
	if app.Config.History.Enabled {
		results = append(results, checkHistory(app))
	}
	return results
}

func checkConfigFile(app *App) CheckResult {
	r := CheckResult{Name: "Config File", Status: CheckPass, Message: app.ConfigPath}
	if app.ConfigPath == "" {
		r.Status, r.Message, r.Fix = CheckWarn, "using defaults", "Run: playground init"
	}
	return r
}

func checkDefaultModel(ctx context.Context, app *App, st provider.Status) CheckResult {
	r := CheckResult{Name: st.Name + " Model"}
	p, ok := app.Registry.Get(st.Kind)
	if !ok {
		r.Status, r.Message = CheckFail, "not registered"
		return r
	}
	models, err := app.Catalog.Ensure(ctx, p)
	if err != nil {
		r.Status, r.Message = CheckFail, err.Error()
		return r
	}
	if len(models) == 0 {
		r.Status, r.Message = CheckWarn, "no models installed"
		if provider.SupportsPull(p) {
			r.Fix = "Run: playground pull llama3.2"
		}
		return r
	}

	want := st.DefaultModel
	switch {
	case want == "":
		r.Status, r.Message = CheckPass, fmt.Sprintf("%d models; using %s", len(models), models[0].Name)
	case app.Catalog.Has(st.Kind, want):
		r.Status, r.Message = CheckPass, fmt.Sprintf("%d models; default %s installed", len(models), want)
	default:
		r.Status, r.Message = CheckWarn, fmt.Sprintf("default %s not found; using %s", want, models[0].Name)
		if provider.SupportsPull(p) {
			r.Fix = "Run: playground pull " + want
		}
	}
	return r
}

// ollamaModelsDir returns where Ollama stores model blobs.
func ollamaModelsDir() string {
	if dir := os.Getenv("OLLAMA_MODELS"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	dir := filepath.Join(home, ".ollama", "models")
	if _, err := os.Stat(dir); err != nil {
		return home
	}
	return dir
}

func checkDisk() CheckResult {
	r := CheckResult{Name: "Disk Space"}
	dir := ollamaModelsDir()
	free, err := freeDiskSpace(dir)
	if err != nil {
		r.Status, r.Message = CheckWarn, "cannot read free space: "+err.Error()
		return r
	}
	r.Message = fmt.Sprintf("%s free in %s", util.FormatBytes(int64(free)), dir)
	r.Status = CheckPass
	if free < lowDiskSpace {
		r.Status, r.Fix = CheckWarn, "Models need several GB each; free some space before pulling"
	}
	return r
}

func checkTemplates(app *App) CheckResult {
	n := len(app.Templates.All())
	r := CheckResult{Name: "Templates", Status: CheckPass, Message: fmt.Sprintf("%d loaded", n)}
	dir := app.Templates.Dir()
	if dir == "" {
		return r
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		r.Message += "; directory " + dir + " not found"
		if n == 0 {
			r.Status = CheckWarn
		}
	}
	return r
}

func checkHistory(app *App) CheckResult {
	r := CheckResult{Name: "History", Status: CheckPass}
	if app.Store == nil {
		r.Status, r.Message = CheckFail, "store not open"
		return r
	}
	r.Message = app.Store.Path()
	return r
}

func printChecks(out io.Writer, results []CheckResult) {
	width := 0
	for _, r := range results {
		width = max(width, util.StringWidth(r.Name))
	}
	for _, r := range results {
		var mark string
		switch r.Status {
		case CheckPass:
			mark = render(SuccessStyle, "[ok]  ")
		case CheckWarn:
			mark = render(WarningStyle, "[warn]")
		default:
			mark = render(ErrorStyle, "[fail]")
		}
		fmt.Fprintf(out, "%s %s  %s\n", mark, util.PadWidth(r.Name, width), r.Message)
		if r.Fix != "" {
			fmt.Fprintf(out, "       %s  %s\n", util.PadWidth("", width), render(DimStyle, r.Fix))
		}
	}
}

// =============================================================================
// INIT
// =============================================================================

func (c *CLI) initCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.configPath
			if path == "" {
				var err error
				if path, err = config.ConfigPathTOML(); err != nil {
					return err
				}
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return err
			}

			cfg := config.Default()
			cfg.TemplatesDir = filepath.Join(filepath.Dir(path), "templates")
			if err := os.MkdirAll(cfg.TemplatesDir, 0700); err != nil {
				return err
			}
			if err := config.SaveTOML(cfg, path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), render(SuccessStyle, "Wrote "+path))
			fmt.Fprintln(cmd.OutOrStdout(), render(DimStyle, "Run `playground doctor` to check your setup."))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
