// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/playground/internal/logging"
	"github.com/jeranaias/playground/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete playground configuration.
type Config struct {
	// DefaultProvider is matched case-insensitively as a substring of the
	// provider id or display name ("ollama" matches "Ollama (Local)").
	DefaultProvider string `toml:"default_provider" yaml:"default_provider" json:"default_provider"`

	// DefaultModel is used when the active provider has no default of its own.
	DefaultModel string `toml:"default_model" yaml:"default_model" json:"default_model"`

	// TemplatesDir holds *.txt prompt templates. Relative paths resolve
	// against the working directory.
	TemplatesDir string `toml:"templates_dir" yaml:"templates_dir" json:"templates_dir"`

	Providers ProvidersConfig `toml:"providers" yaml:"providers" json:"providers"`
	Chat      ChatConfig      `toml:"chat" yaml:"chat" json:"chat"`
	Prompt    PromptConfig    `toml:"prompt" yaml:"prompt" json:"prompt"`
	Server    ServerConfig    `toml:"server" yaml:"server" json:"server"`
	History   HistoryConfig   `toml:"history" yaml:"history" json:"history"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging" json:"logging"`

	// Templates maps a template name to the prompt prefix it applies.
	Templates map[string]string `toml:"templates" yaml:"templates" json:"templates"`
}

// ProvidersConfig groups per-provider settings.
type ProvidersConfig struct {
	Ollama  OllamaConfig  `toml:"ollama" yaml:"ollama" json:"ollama"`
	Watsonx WatsonxConfig `toml:"watsonx" yaml:"watsonx" json:"watsonx"`
}

// OllamaConfig configures the local daemon.
type OllamaConfig struct {
	Enabled      bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	URL          string `toml:"url" yaml:"url" json:"url"`
	DefaultModel string `toml:"default_model" yaml:"default_model" json:"default_model"`
	// ProbeTimeoutSecs bounds the availability check.
	ProbeTimeoutSecs int `toml:"probe_timeout_secs" yaml:"probe_timeout_secs" json:"probe_timeout_secs"`
	// RequestTimeoutSecs bounds non-streaming calls (list, show).
	RequestTimeoutSecs int `toml:"request_timeout_secs" yaml:"request_timeout_secs" json:"request_timeout_secs"`
}

// WatsonxConfig configures the cloud provider.
type WatsonxConfig struct {
	APIKey       string `toml:"api_key" yaml:"api_key" json:"api_key"`
	ProjectID    string `toml:"project_id" yaml:"project_id" json:"project_id"`
	URL          string `toml:"url" yaml:"url" json:"url"`
	IAMURL       string `toml:"iam_url" yaml:"iam_url" json:"iam_url"`
	APIVersion   string `toml:"api_version" yaml:"api_version" json:"api_version"`
	DefaultModel string `toml:"default_model" yaml:"default_model" json:"default_model"`
	// RequestsPerSecond throttles outgoing calls. Zero disables throttling.
	RequestsPerSecond  float64 `toml:"requests_per_second" yaml:"requests_per_second" json:"requests_per_second"`
	RequestTimeoutSecs int     `toml:"request_timeout_secs" yaml:"request_timeout_secs" json:"request_timeout_secs"`
}

// ChatConfig holds the generation parameters a new session starts with.
type ChatConfig struct {
	Temperature  float64 `toml:"temperature" yaml:"temperature" json:"temperature"`
	TopP         float64 `toml:"top_p" yaml:"top_p" json:"top_p"`
	SystemPrompt string  `toml:"system_prompt" yaml:"system_prompt" json:"system_prompt"`
}

// PromptConfig controls prompt composition.
type PromptConfig struct {
	// AppendUnreferenced adds attachments that no @[name] marker mentions
	// in an "Uploaded files" section after the message.
	AppendUnreferenced bool `toml:"append_unreferenced" yaml:"append_unreferenced" json:"append_unreferenced"`
}

// ServerConfig configures `playground serve`.
type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr" json:"addr"`
	// RateLimit is requests per second per client address. Zero disables it.
	RateLimit float64 `toml:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
	Burst     int     `toml:"burst" yaml:"burst" json:"burst"`
}

// HistoryConfig configures the SQLite transcript store.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `toml:"path" yaml:"path" json:"path"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level" json:"level"`
	Path  string `toml:"path" yaml:"path" json:"path"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with the stock values.
func Default() *Config {
	return &Config{
		DefaultProvider: "ollama",
		TemplatesDir:    "templates",
		Providers: ProvidersConfig{
			Ollama: OllamaConfig{
				Enabled:            true,
				URL:                "http://localhost:11434",
				ProbeTimeoutSecs:   2,
				RequestTimeoutSecs: 30,
			},
			Watsonx: WatsonxConfig{
				URL:                "https://us-south.ml.cloud.ibm.com",
				IAMURL:             "https://iam.cloud.ibm.com/identity/token",
				APIVersion:         "2024-05-31",
				DefaultModel:       "ibm/granite-3-8b-instruct",
				RequestsPerSecond:  2,
				RequestTimeoutSecs: 30,
			},
		},
		Chat: ChatConfig{
			Temperature: 0.7,
			TopP:        0.9,
		},
		Prompt: PromptConfig{
			AppendUnreferenced: true,
		},
		Server: ServerConfig{
			Addr:      "127.0.0.1:8501",
			RateLimit: 10,
			Burst:     20,
		},
		History: HistoryConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Templates: map[string]string{
			"Summarize":    "Summarize the following text in a few concise sentences:",
			"Fix Grammar":  "Correct the grammar and spelling of the following text. Return only the corrected text:",
			"Explain Code": "Explain what the following code does, step by step:",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns ~/.playground.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".playground"), nil
}

// ConfigPathTOML returns ~/.playground/config.toml.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// SearchPaths lists the candidate config files in precedence order.
// $PLAYGROUND_CONFIG, when set, is the only candidate.
func SearchPaths() []string {
	if p := os.Getenv("PLAYGROUND_CONFIG"); p != "" {
		return []string{p}
	}
	paths := []string{"playground.toml", "config.yaml", "config.yml", "config.json"}
	if p, err := ConfigPathTOML(); err == nil {
		paths = append(paths, p)
	}
	return paths
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the first existing file from SearchPaths, or the defaults
// when none exists. Environment overrides are applied last. The returned
// path is empty when defaults were used.
func Load() (*Config, string, error) {
	for _, path := range SearchPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := LoadFromPath(path)
		if err != nil {
			return nil, path, err
		}
		return cfg, path, nil
	}

	cfg := Default()
	if err := finish(cfg); err != nil {
		return nil, "", err
	}
	return cfg, "", nil
}

// LoadFromPath loads a config file, choosing the decoder by extension.
// Unknown extensions are decoded as TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = LoadJSON(cfg, path)
	case ".yaml", ".yml":
		err = LoadYAML(cfg, path)
	default:
		err = LoadTOML(cfg, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finish(cfg *Config) error {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadYAML decodes a YAML file over cfg.
func LoadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read YAML file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode YAML file: %w", err)
	}
	return nil
}

// LoadJSON decodes a JSON file over cfg. The layout matches the
// config.json files the browser playground used.
func LoadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// SetDefaults fills zero values that would otherwise break a component.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Providers.Ollama.URL == "" {
		c.Providers.Ollama.URL = d.Providers.Ollama.URL
	}
	if c.Providers.Ollama.ProbeTimeoutSecs <= 0 {
		c.Providers.Ollama.ProbeTimeoutSecs = d.Providers.Ollama.ProbeTimeoutSecs
	}
	if c.Providers.Ollama.RequestTimeoutSecs <= 0 {
		c.Providers.Ollama.RequestTimeoutSecs = d.Providers.Ollama.RequestTimeoutSecs
	}
	if c.Providers.Watsonx.URL == "" {
		c.Providers.Watsonx.URL = d.Providers.Watsonx.URL
	}
	if c.Providers.Watsonx.IAMURL == "" {
		c.Providers.Watsonx.IAMURL = d.Providers.Watsonx.IAMURL
	}
	if c.Providers.Watsonx.APIVersion == "" {
		c.Providers.Watsonx.APIVersion = d.Providers.Watsonx.APIVersion
	}
	if c.Providers.Watsonx.RequestTimeoutSecs <= 0 {
		c.Providers.Watsonx.RequestTimeoutSecs = d.Providers.Watsonx.RequestTimeoutSecs
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.RateLimit > 0 && c.Server.Burst <= 0 {
		c.Server.Burst = int(c.Server.RateLimit) + 1
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Templates == nil {
		c.Templates = map[string]string{}
	}
	if c.History.Enabled && c.History.Path == "" {
		if dir, err := ConfigDir(); err == nil {
			c.History.Path = filepath.Join(dir, "history.db")
		}
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variables on top of file values.
//
// Supported variables:
//   - OLLAMA_ENABLED: anything but "true" (case-insensitive) disables the local provider
//   - OLLAMA_HOST: daemon base URL; a bare host:port gets an http:// scheme
//   - OLLAMA_MODEL: providers.ollama.default_model
//   - WATSONX_API_KEY, WATSONX_PROJECT_ID, WATSONX_URL, WATSONX_MODEL
//   - PLAYGROUND_DEFAULT_PROVIDER, PLAYGROUND_DEFAULT_MODEL
//   - PLAYGROUND_LOG_LEVEL
func (c *Config) ApplyEnvOverrides() {
	if v, ok := os.LookupEnv("OLLAMA_ENABLED"); ok {
		c.Providers.Ollama.Enabled = strings.EqualFold(strings.TrimSpace(v), "true")
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		if !strings.Contains(v, "://") {
			v = "http://" + v
		}
		c.Providers.Ollama.URL = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		c.Providers.Ollama.DefaultModel = v
	}
	if v := os.Getenv("WATSONX_API_KEY"); v != "" {
		c.Providers.Watsonx.APIKey = v
	}
	if v := os.Getenv("WATSONX_PROJECT_ID"); v != "" {
		c.Providers.Watsonx.ProjectID = v
	}
	if v := os.Getenv("WATSONX_URL"); v != "" {
		c.Providers.Watsonx.URL = v
	}
	if v := os.Getenv("WATSONX_MODEL"); v != "" {
		c.Providers.Watsonx.DefaultModel = v
	}
	if v := os.Getenv("PLAYGROUND_DEFAULT_PROVIDER"); v != "" {
		c.DefaultProvider = v
	}
	if v := os.Getenv("PLAYGROUND_DEFAULT_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv("PLAYGROUND_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every invalid field found by Validate.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks ranges and URLs. It returns ValidateErrors or nil.
func (c *Config) Validate() error {
	var errs ValidateErrors

	checkURL := func(field, raw string) {
		if raw == "" {
			return
		}
		u, err := url.Parse(raw)
		if err != nil {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid URL: %v", err)})
			return
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("unsupported scheme %q, must be http or https", u.Scheme)})
		} else if u.Host == "" {
			errs = append(errs, ValidationError{Field: field, Message: "missing host"})
		}
	}
	checkURL("providers.ollama.url", c.Providers.Ollama.URL)
	checkURL("providers.watsonx.url", c.Providers.Watsonx.URL)
	checkURL("providers.watsonx.iam_url", c.Providers.Watsonx.IAMURL)

	if c.Providers.Watsonx.RequestsPerSecond < 0 {
		errs = append(errs, ValidationError{Field: "providers.watsonx.requests_per_second", Message: "cannot be negative"})
	}

	if c.Chat.Temperature < 0 || c.Chat.Temperature > 2 {
		errs = append(errs, ValidationError{Field: "chat.temperature", Message: fmt.Sprintf("%.2f out of range [0, 2]", c.Chat.Temperature)})
	}
	if c.Chat.TopP < 0 || c.Chat.TopP > 1 {
		errs = append(errs, ValidationError{Field: "chat.top_p", Message: fmt.Sprintf("%.2f out of range [0, 1]", c.Chat.TopP)})
	}

	if c.Server.RateLimit < 0 {
		errs = append(errs, ValidationError{Field: "server.rate_limit", Message: "cannot be negative"})
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, ValidationError{Field: "logging.level", Message: err.Error()})
	}

	for name := range c.Templates {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, ValidationError{Field: "templates", Message: "template name cannot be empty"})
			break
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes cfg to path with 0600 permissions, since it may hold
// the watsonx API key.
func SaveTOML(cfg *Config, path string) error {
	var buf strings.Builder
	buf.WriteString("# playground configuration file\n")
	buf.WriteString("# Generated by playground - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(buf.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes cfg as indented JSON with 0600 permissions.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get returns the value at a dotted TOML key such as "chat.temperature".
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set assigns a string value at a dotted TOML key, converting it to the
// field's type. The result is not validated; call Validate afterwards.
func (c *Config) Set(key, value string) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value for %s: %w", key, err)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %w", key, err)
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("field %s cannot be set from the command line", key)
	}
	return nil
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	parts := strings.Split(key, ".")
	if key == "" || len(parts) == 0 {
		return reflect.Value{}, errors.New("empty key")
	}

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i], "."))
		}
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return v, nil
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}
