// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/playground/internal/config"
	"github.com/jeranaias/playground/internal/export"
	"github.com/jeranaias/playground/internal/session"
	"github.com/jeranaias/playground/internal/util"
)

// maxAttachmentSize caps a file attached from the command line.
const maxAttachmentSize = 4 << 20

const chatHelp = `Commands:
  /help                  Show this help
  /quit, /exit           Leave the chat
  /reset                 Clear the conversation
  /model [name]          Show or select the model
  /models                List the provider's models
  /provider [name]       Show or switch the provider
  /attach <path>         Attach a file; reference it as @[name]
  /detach <name>         Remove an attachment
  /files                 List attachments
  /system [text|-]       Show, set or clear the system prompt
  /temp <value>          Set the temperature (0-2)
  /topp <value>          Set top_p (0-1)
  /template <name> <text>  Apply a template to text
  /history               Show the conversation
  /export [md|html|json] [dir]  Save the conversation to a file
`

// lineReader reads one line of input. It returns io.EOF when input ends.
type lineReader interface {
	Prompt(prompt string) (string, error)
	Close() error
}

// linerReader is the interactive reader with persistent input history.
type linerReader struct {
	line        *liner.State
	historyFile string
}

func newLinerReader() *linerReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	r := &linerReader{line: line}
	if dir, err := config.ConfigDir(); err == nil {
		r.historyFile = filepath.Join(dir, "chat_history")
		if f, err := os.Open(r.historyFile); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}
	return r
}

func (r *linerReader) Prompt(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

func (r *linerReader) Close() error {
	if r.historyFile != "" {
		if err := os.MkdirAll(filepath.Dir(r.historyFile), 0700); err == nil {
			if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
				r.line.WriteHistory(f)
				f.Close()
			}
		}
	}
	return r.line.Close()
}

// scanReader reads piped input. The prompt is not echoed.
type scanReader struct {
	sc *bufio.Scanner
}

func newScanReader(r io.Reader) *scanReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxAttachmentSize)
	return &scanReader{sc: sc}
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.sc.Scan() {
		return r.sc.Text(), nil
	}
	if err := r.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (r *scanReader) Close() error { return nil }

// =============================================================================
// COMMAND
// =============================================================================

type chatFlags struct {
	provider    string
	model       string
	attach      []string
	system      string
	temperature float64
	topP        float64
}

func (c *CLI) chatCommand() *cobra.Command {
	var f chatFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Start an interactive conversation.

Attach files with --attach or /attach and reference them in a message as
@[name]. Input is read line by line; piped input works too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := c.app.NewSession(ctx, f.provider, f.model)
			if err != nil {
				return err
			}
			if err := applyChatFlags(cmd, sess, f); err != nil {
				return err
			}

			var in lineReader
			stdin := cmd.InOrStdin()
			if stdin == os.Stdin && IsTTY() {
				in = newLinerReader()
			} else {
				in = newScanReader(stdin)
			}
			defer in.Close()

			repl := newChatREPL(c.app, sess, in, cmd.OutOrStdout())
			return repl.run(ctx)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.provider, "provider", "p", "", "provider (ollama or watsonx)")
	flags.StringVarP(&f.model, "model", "m", "", "model to chat with")
	flags.StringSliceVarP(&f.attach, "attach", "a", nil, "file to attach (repeatable)")
	flags.StringVar(&f.system, "system", "", "system prompt")
	flags.Float64Var(&f.temperature, "temperature", 0, "sampling temperature (0-2)")
	flags.Float64Var(&f.topP, "top-p", 0, "nucleus sampling (0-1)")
	return cmd
}

func applyChatFlags(cmd *cobra.Command, sess *session.Session, f chatFlags) error {
	params := sess.Parameters()
	changed := false
	if cmd.Flags().Changed("system") {
		params.SystemPrompt, changed = f.system, true
	}
	if cmd.Flags().Changed("temperature") {
		params.Temperature, changed = f.temperature, true
	}
	if cmd.Flags().Changed("top-p") {
		params.TopP, changed = f.topP, true
	}
	if changed {
		if err := sess.SetParameters(params); err != nil {
			return err
		}
	}
	for _, path := range f.attach {
		if _, err := attachFile(sess, path); err != nil {
			return err
		}
	}
	return nil
}

// attachFile attaches the file at path under its base name.
func attachFile(sess *session.Session, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxAttachmentSize {
		return "", fmt.Errorf("%s is larger than %s", path, util.FormatBytes(maxAttachmentSize))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	name := filepath.Base(path)
	if err := sess.Attach(name, string(data)); err != nil {
		return "", err
	}
	return name, nil
}

// =============================================================================
// REPL
// =============================================================================

type chatREPL struct {
	app  *App
	sess *session.Session
	in   lineReader
	out  io.Writer

	// markdown is nil when output is not a terminal.
	markdown *glamour.TermRenderer

	mu     sync.Mutex
	cancel context.CancelFunc
	// idle receives an interrupt that arrived with no generation running.
	idle chan struct{}
}

func newChatREPL(app *App, sess *session.Session, in lineReader, out io.Writer) *chatREPL {
	r := &chatREPL{app: app, sess: sess, in: in, out: out, idle: make(chan struct{}, 1)}
	if isTerminal(out) {
		width := min(TerminalWidth(out)-4, 100)
		if md, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width)); err == nil {
			r.markdown = md
		}
	}
	return r
}

func (r *chatREPL) run(ctx context.Context) error {
	// Ctrl+C during generation cancels the reply. The interactive reader
	// sees Ctrl+C at the prompt as a key, so a signal while idle means
	// piped input or SIGTERM and ends the chat with ErrInterrupted.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer close(sigs)
	defer signal.Stop(sigs)
	go func() {
		for range sigs {
			r.signal()
		}
	}()

	r.banner()
	for {
		if ctx.Err() != nil {
			return nil
		}
		input, err := r.readLine(ctx)
		switch {
		case errors.Is(err, liner.ErrPromptAborted):
			continue
		case errors.Is(err, io.EOF):
			fmt.Fprintln(r.out)
			return nil
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			quit, err := r.command(ctx, input)
			if err != nil {
				r.printError(err)
			}
			if quit {
				return nil
			}
			continue
		}
		r.send(ctx, input)
	}
}

func (r *chatREPL) banner() {
	model := r.sess.Model()
	if model == "" {
		model = "(none; use /models and /model)"
	}
	name := ""
	if p := r.sess.Provider(); p != nil {
		name = p.Name()
	}
	fmt.Fprintf(r.out, "%s %s\n", render(TitleStyle, name), render(DimStyle, model))
	fmt.Fprintln(r.out, render(DimStyle, "Type /help for commands, /quit to leave."))
	fmt.Fprintln(r.out, RenderSeparator(min(TerminalWidth(r.out), 70)))
}

// readLine prompts for input, giving up when an idle interrupt arrives
// or ctx ends. The abandoned read finishes when the reader is closed.
func (r *chatREPL) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.in.Prompt(render(PromptStyle, "> "))
		ch <- result{line, err}
	}()

	select {
	case res := <-ch:
		return res.line, res.err
	case <-r.idle:
		fmt.Fprintln(r.out)
		return "", ErrInterrupted
	case <-ctx.Done():
		return "", context.Canceled
	}
}

// signal handles an interrupt: it cancels the running generation or,
// when there is none, ends the input loop.
func (r *chatREPL) signal() {
	if r.interrupt() {
		return
	}
	select {
	case r.idle <- struct{}{}:
	default:
	}
}

// interrupt cancels the running generation, if any.
func (r *chatREPL) interrupt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}

// generate runs fn with a context that Ctrl+C cancels.
func (r *chatREPL) generate(ctx context.Context, fn func(ctx context.Context) (string, error)) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		cancel()
	}()

	text, err := fn(ctx)
	if r.markdown != nil && text != "" {
		if rendered, rerr := r.markdown.Render(text); rerr == nil {
			fmt.Fprint(r.out, rendered)
		} else {
			fmt.Fprintln(r.out, text)
		}
	} else if r.markdown != nil {
		fmt.Fprint(r.out, "\r\033[K")
	} else if text != "" {
		fmt.Fprintln(r.out)
	}

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(r.out, render(WarningStyle, "[interrupted]"))
	default:
		r.printError(err)
	}
}

// stream returns the fragment callback. On a terminal fragments are
// collected and rendered as markdown at the end.
func (r *chatREPL) stream() session.FragmentFunc {
	if r.markdown != nil {
		fmt.Fprint(r.out, render(DimStyle, "…"))
		first := true
		return func(string) {
			if first {
				fmt.Fprint(r.out, "\r\033[K")
				first = false
			}
		}
	}
	return func(frag string) { fmt.Fprint(r.out, frag) }
}

func (r *chatREPL) send(ctx context.Context, input string) {
	r.generate(ctx, func(ctx context.Context) (string, error) {
		turn, err := r.sess.SendMessage(ctx, input, r.stream())
		return turn.Content, err
	})
}

func (r *chatREPL) printError(err error) {
	fmt.Fprintln(r.out, render(ErrorStyle, "Error: "+err.Error()))
}

func (r *chatREPL) println(a ...any) {
	fmt.Fprintln(r.out, a...)
}

// command runs a slash command and reports whether the chat should end.
func (r *chatREPL) command(ctx context.Context, input string) (bool, error) {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "/help", "/h", "/?":
		fmt.Fprint(r.out, chatHelp)

	case "/quit", "/exit", "/q":
		return true, nil

	case "/reset", "/clear":
		if err := r.sess.Reset(); err != nil {
			return false, err
		}
		r.println(render(SuccessStyle, "Conversation cleared."))

	case "/model":
		if arg == "" {
			r.println("Model:", r.sess.Model())
			return false, nil
		}
		if err := r.sess.SelectModel(ctx, arg); err != nil {
			return false, err
		}
		r.println(render(SuccessStyle, "Model: "+r.sess.Model()))

	case "/models":
		p := r.sess.Provider()
		if p == nil {
			return false, session.ErrNoProvider
		}
		models, err := r.app.Catalog.Ensure(ctx, p)
		if err != nil {
			return false, err
		}
		for _, m := range models {
			marker := "  "
			if m.Name == r.sess.Model() {
				marker = "* "
			}
			r.println(marker + m.Name)
		}

	case "/provider":
		if arg == "" {
			if p := r.sess.Provider(); p != nil {
				r.println("Provider:", p.Name())
			}
			return false, nil
		}
		p, err := r.app.Registry.Resolve(arg)
		if err != nil {
			return false, err
		}
		if err := r.sess.SwitchProvider(ctx, p); err != nil {
			return false, err
		}
		if r.sess.Model() == "" {
			if _, err := r.sess.SelectDefaultModel(ctx); err != nil && !errors.Is(err, session.ErrNoModel) {
				return false, err
			}
		}
		r.println(render(SuccessStyle, fmt.Sprintf("Provider: %s, model: %s", p.Name(), r.sess.Model())))

	case "/attach":
		if arg == "" {
			return false, errors.New("usage: /attach <path>")
		}
		name, err := attachFile(r.sess, arg)
		if err != nil {
			return false, err
		}
		r.println(render(SuccessStyle, "Attached "+name+"; reference it as @["+name+"]"))

	case "/detach":
		removed, err := r.sess.Detach(arg)
		if err != nil {
			return false, err
		}
		if !removed {
			return false, fmt.Errorf("no attachment named %q", arg)
		}
		r.println(render(SuccessStyle, "Detached "+arg))

	case "/files":
		files := r.sess.Attachments()
		if len(files) == 0 {
			r.println(render(DimStyle, "No attachments."))
		}
		for _, a := range files {
			r.println(fmt.Sprintf("  %s  %s", util.PadWidth(a.Name, 24), render(DimStyle, util.FormatBytes(int64(len(a.Content))))))
		}

	case "/system":
		params := r.sess.Parameters()
		if arg == "" {
			r.println("System prompt:", params.SystemPrompt)
			return false, nil
		}
		if arg == "-" {
			arg = ""
		}
		params.SystemPrompt = arg
		if err := r.sess.SetParameters(params); err != nil {
			return false, err
		}
		r.println(render(SuccessStyle, "System prompt updated."))

	case "/temp", "/temperature", "/topp", "/top_p":
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return false, fmt.Errorf("%w: %q is not a number", session.ErrInvalidParameter, arg)
		}
		params := r.sess.Parameters()
		if strings.HasPrefix(name, "/temp") {
			params.Temperature = v
		} else {
			params.TopP = v
		}
		if err := r.sess.SetParameters(params); err != nil {
			return false, err
		}
		r.println(render(SuccessStyle, fmt.Sprintf("temperature=%.2f top_p=%.2f", params.Temperature, params.TopP)))

	case "/template":
		tmpl, text, _ := strings.Cut(arg, " ")
		if tmpl == "" {
			for _, t := range r.app.Templates.All() {
				r.println("  " + t.Name)
			}
			return false, nil
		}
		r.generate(ctx, func(ctx context.Context) (string, error) {
			return r.sess.Transform(ctx, tmpl, text, r.stream())
		})

	case "/history":
		history := r.sess.History()
		if len(history) == 0 {
			r.println(render(DimStyle, "No messages yet."))
		}
		printTurns(r.out, history)

	case "/export":
		format, dir, _ := strings.Cut(arg, " ")
		exp, err := export.ForFormat(format)
		if err != nil {
			return false, err
		}
		path, err := export.WriteFile(export.FromSnapshot(r.sess.Snapshot()), exp, strings.TrimSpace(dir))
		if err != nil {
			return false, err
		}
		r.println(render(SuccessStyle, "Exported to "+path))

	default:
		return false, fmt.Errorf("unknown command %s; type /help", name)
	}
	return false, nil
}
