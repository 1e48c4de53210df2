// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Source records where a template was defined.
type Source string

const (
	SourceConfig Source = "config"
	SourceFile   Source = "file"
)

// Template is a named prompt prefix.
type Template struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
	Source Source `json:"source"`
	// Path is set for file templates.
	Path string `json:"path,omitempty"`
}

// maxTemplateSize caps a template file.
const maxTemplateSize = 256 * 1024

// watchDebounce coalesces bursts of file events into one reload.
const watchDebounce = 100 * time.Millisecond

// Library holds the available templates. Readers always see a complete
// set; Reload swaps it in one step.
type Library struct {
	configured map[string]string
	dir        string
	log        logr.Logger

	current atomic.Pointer[map[string]Template]
}

// NewLibrary creates a library from configured templates and a directory
// of *.txt files. It loads once; a missing directory is not an error.
func NewLibrary(configured map[string]string, dir string, log logr.Logger) *Library {
	l := &Library{
		configured: configured,
		dir:        dir,
		log:        log.WithName("templates"),
	}
	if err := l.Reload(); err != nil {
		l.log.Info("template load incomplete", "dir", dir, "error", err.Error())
	}
	return l
}

// Dir returns the templates directory.
func (l *Library) Dir() string { return l.dir }

// Reload rereads the directory. File templates override configured ones
// with the same name. Unreadable files are skipped and reported in the
// returned error; the rest still load.
func (l *Library) Reload() error {
	next := make(map[string]Template, len(l.configured))
	for name, p := range l.configured {
		if strings.TrimSpace(name) == "" {
			continue
		}
		next[name] = Template{Name: name, Prompt: p, Source: SourceConfig}
	}

	var errs []error
	if l.dir != "" {
		entries, err := os.ReadDir(l.dir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".txt") {
				continue
			}
			path := filepath.Join(l.dir, e.Name())
			t, err := loadTemplateFile(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			next[t.Name] = t
		}
	}

	l.current.Store(&next)
	l.log.V(1).Info("templates loaded", "count", len(next))
	return errors.Join(errs...)
}

func loadTemplateFile(path string) (Template, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Template{}, err
	}
	if info.Size() > maxTemplateSize {
		return Template{}, fmt.Errorf("template %s exceeds %d bytes", path, maxTemplateSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, err
	}
	return Template{
		Name:   TemplateName(filepath.Base(path)),
		Prompt: strings.TrimSpace(string(data)),
		Source: SourceFile,
		Path:   path,
	}, nil
}

// TemplateName derives a display name from a file name:
// "fix_grammar.txt" becomes "Fix Grammar".
func TemplateName(filename string) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	base = strings.ReplaceAll(base, "_", " ")
	return cases.Title(language.Und).String(base)
}

// Get returns the named template.
func (l *Library) Get(name string) (Template, bool) {
	t, ok := (*l.current.Load())[name]
	return t, ok
}

// Names returns the template names sorted.
func (l *Library) Names() []string {
	m := *l.current.Load()
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns every template sorted by name.
func (l *Library) All() []Template {
	m := *l.current.Load()
	out := make([]Template, 0, len(m))
	for _, n := range l.Names() {
		if t, ok := m[n]; ok {
			out = append(out, t)
		}
	}
	return out
}

// ApplyTemplate prefixes text with the named template and a blank line.
func (l *Library) ApplyTemplate(name, text string) (string, error) {
	t, ok := l.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return t.Prompt + "\n\n" + text, nil
}

// Watch reloads the library when files in the templates directory change.
// It blocks until ctx is done. The directory must exist.
func (l *Library) Watch(ctx context.Context) error {
	if l.dir == "" {
		return errors.New("no templates directory configured")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	l.log.V(1).Info("watching", "dir", l.dir)

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".txt") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				timer.Reset(watchDebounce)
			}

		case <-timer.C:
			if err := l.Reload(); err != nil {
				l.log.Info("template reload incomplete", "error", err.Error())
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Info("watch error", "error", err.Error())
		}
	}
}
